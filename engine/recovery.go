package engine

import (
	"encoding/binary"

	"github.com/calvinalkan/clevel/arena"
)

// recover_ sweeps per-thread scratch cells for Entry allocations that never
// made it into a published slot, and sweeps the arena's bounded
// struct-allocation log for LevelMeta/Level objects not reachable from the
// currently published root. Both sweeps are safe to run unconditionally on
// every open — a clean shutdown simply finds nothing to do. With
// [arena.File], offsets allocated before the reopen are not in its
// in-memory live-size index, so these frees do not return space to the
// allocator.
func recover_(a arena.Arena, root *persistentRoot, hash func([]byte) uint64) error {
	meta := openLevelMeta(a, root.Meta())
	reachable := map[arena.Offset]bool{root.Meta(): true}
	for _, lvl := range levelChain(a, meta) {
		reachable[lvl.off] = true
		reachable[lvl.Buckets()] = true
	}
	for _, rec := range a.StructLog() {
		if !reachable[rec.Offset] {
			a.Free(rec.Offset)
		}
	}

	core := engineCore{a: a, root: root}
	tc := root.ScratchCount()
	for tid := uint64(0); tid < tc; tid++ {
		cellOff := root.ScratchOffset() + arena.Offset(tid*scratchCellSize)
		raw := a.Direct(cellOff, scratchCellSize)
		off := arena.Offset(binary.LittleEndian.Uint64(raw))
		if off == 0 {
			continue
		}
		key := entryKeyBytes(a, off)
		hv := hash(key)
		res := core.search(key, hv, partialOf(hv))
		if !res.Found || res.EntryOff != off {
			freeEntry(a, off)
		}
		scratchClear(a, root, tid)
	}
	return nil
}
