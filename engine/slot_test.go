package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/clevel/arena"
)

func TestSlotRoundTrip(t *testing.T) {
	s := makeSlot(arena.Offset(1<<20), 0xABCD)
	require.False(t, s.Empty())
	require.Equal(t, arena.Offset(1<<20), s.Offset())
	require.Equal(t, uint16(0xABCD), s.Partial())
}

func TestEmptySlot(t *testing.T) {
	require.True(t, emptySlot.Empty())
	require.Zero(t, emptySlot.Offset())
}

func TestNonzeroTagNeverZero(t *testing.T) {
	// Soft checks: a single bad partial shouldn't stop the sweep from
	// reporting every other offender in one run.
	for p := 0; p <= 0xFFFF; p += 4093 {
		assert.NotZero(t, nonzeroTag(uint16(p)), "partial=%d", p)
	}
}
