package arena

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/clevel/pkg/fs"
)

func newTestArena(t *testing.T, size uint64) *File {
	t.Helper()

	dir := t.TempDir()
	a, err := CreateFile(fs.NewReal(), filepath.Join(dir, "arena.clevel"), size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.clevel")

	a, err := CreateFile(fs.NewReal(), path, 1<<20)
	require.NoError(t, err)

	off, err := a.Alloc(64)
	require.NoError(t, err)
	require.NotZero(t, off)

	buf := a.Direct(off, 64)
	copy(buf, []byte("hello, clevel"))
	a.Persist(off, 64)
	a.Drain()
	poolUUID := a.PoolUUID()
	require.NoError(t, a.Close())

	reopened, err := OpenFile(fs.NewReal(), path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, poolUUID, reopened.PoolUUID())
	require.Equal(t, []byte("hello, clevel"), reopened.Direct(off, 13))
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestArena(t, heapBase+64)

	_, err := a.Alloc(64)
	require.NoError(t, err)

	_, err = a.Alloc(8)
	require.ErrorIs(t, err, ErrFull)
}

func TestFreeIsIdempotentAndReusable(t *testing.T) {
	a := newTestArena(t, 1<<16)

	off, err := a.Alloc(32)
	require.NoError(t, err)

	a.Free(off)
	a.Free(off) // must not panic or corrupt the freelist

	reused, err := a.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, off, reused, "freed block of matching size should be reused before bumping the heap")
}

func TestStructLogRecordsAllocations(t *testing.T) {
	a := newTestArena(t, 1<<16)

	off, err := a.Alloc(128)
	require.NoError(t, err)
	a.LogAllocation(off, 128)

	entries := a.StructLog()
	require.Len(t, entries, 1)
	require.Equal(t, off, entries[0].Offset)
	require.EqualValues(t, 128, entries[0].Size)
}
