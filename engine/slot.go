package engine

import "github.com/calvinalkan/clevel/arena"

// Slot is a tagged 64-bit offset: bits [15:0] carry the partial
// fingerprint, bits [63:16] carry the arena offset of the Entry (zero
// offset means empty). The whole 64-bit value is the unit of atomicity —
// it is never read or written a field at a time, only encoded, decoded, or
// CAS'd as a single uint64. The high bytes are never treated as part of
// the address.
type Slot uint64

const (
	partialBits = 16
	partialMask = (uint64(1) << partialBits) - 1
)

// emptySlot is the zero value: offset bits and partial bits both zero.
const emptySlot Slot = 0

// makeSlot packs an arena offset and a partial fingerprint into a Slot.
func makeSlot(off arena.Offset, partial uint16) Slot {
	return Slot(uint64(off)<<partialBits | uint64(partial))
}

// Offset extracts the aligned arena offset. Zero means the slot is empty.
func (s Slot) Offset() arena.Offset {
	return arena.Offset(uint64(s) >> partialBits)
}

// Partial extracts the 16-bit fingerprint.
func (s Slot) Partial() uint16 {
	return uint16(uint64(s) & partialMask)
}

// Empty reports whether the slot holds no entry.
func (s Slot) Empty() bool {
	return s.Offset() == 0
}

// partialOf computes the fingerprint from a full key hash: the upper 16
// bits of the hash.
func partialOf(hv uint64) uint16 {
	return uint16(hv >> (64 - partialBits))
}

// nonzeroTag folds a partial fingerprint to a nonzero odd-ish value used by
// second_index/alt_index. A zero partial would otherwise reduce
// second_index to first_index + cap/2, with no fingerprint mixing; forcing
// the low bit to 1 avoids that without disturbing the fingerprint's use as
// a prefilter in Slot.
func nonzeroTag(partial uint16) uint64 {
	return uint64(partial) | 1
}
