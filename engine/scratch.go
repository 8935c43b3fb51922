package engine

import (
	"sync/atomic"
	"unsafe"

	"github.com/calvinalkan/clevel/arena"
)

// Per-thread scratch cells hold the offset of an in-flight Entry allocation
// so a crash between "Entry allocated" and "slot published" can be
// recovered: on reopen, any non-zero scratch cell names an Entry that may
// not be reachable from any slot; recovery frees it unless a search finds
// it published in a slot.
const scratchCellSize = 8

func scratchCell(a arena.Arena, root *persistentRoot, tid uint64) *uint64 {
	off := root.ScratchOffset() + arena.Offset(tid*scratchCellSize)
	b := a.Direct(off, scratchCellSize)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// scratchSet durably records that tid is about to publish entryOff. Must
// happen-before the Entry is CAS'd into any slot.
func scratchSet(a arena.Arena, root *persistentRoot, tid uint64, entryOff arena.Offset) {
	cell := scratchCell(a, root, tid)
	atomic.StoreUint64(cell, uint64(entryOff))
	a.Persist(root.ScratchOffset()+arena.Offset(tid*scratchCellSize), scratchCellSize)
}

// scratchClear durably marks tid's scratch cell empty again, once the
// allocation it named is either reachable from a slot or freed.
func scratchClear(a arena.Arena, root *persistentRoot, tid uint64) {
	scratchSet(a, root, tid, 0)
}

// allocScratchEntry allocates and persists an Entry, then records it in
// tid's scratch cell — in that order, so recovery always finds a complete
// Entry behind any non-zero scratch cell. Entries are always
// allocated before their CAS publication into a slot.
func allocScratchEntry(a arena.Arena, root *persistentRoot, tid uint64, key, val []byte) (arena.Offset, error) {
	off, err := allocEntry(a, key, val)
	if err != nil {
		return 0, err
	}
	scratchSet(a, root, tid, off)
	return off, nil
}

// allocScratchCells reserves n zeroed cells starting at a fresh allocation
// and records the offset/count in the root. Called by initialize and by
// SetThreadCount to grow the per-thread scratch array.
func allocScratchCells(a arena.Arena, root *persistentRoot, n uint64) error {
	if n == 0 {
		root.SetScratchOffset(0)
		root.SetScratchCount(0)
		return nil
	}
	size := n * scratchCellSize
	off, err := a.Alloc(size)
	if err != nil {
		return err
	}
	buf := a.Direct(off, size)
	for i := range buf {
		buf[i] = 0
	}
	a.Persist(off, size)
	root.SetScratchOffset(off)
	root.SetScratchCount(n)
	return nil
}
