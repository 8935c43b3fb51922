package engine

import (
	"sync/atomic"
	"unsafe"

	"github.com/calvinalkan/clevel/arena"
)

// assoc is the bucket associativity. A bucket has no lock of its own;
// every slot in it is independently CAS'd.
const assoc = 8

// bucketSize is the on-arena byte size of one bucket: assoc slots, 8 bytes
// each.
const bucketSize = assoc * 8

// bucketBytes returns the arena-backed byte range for bucket index idx
// inside a buckets array starting at bucketsOff.
func bucketBytes(a arena.Arena, bucketsOff arena.Offset, idx uint64) []byte {
	off := bucketsOff + arena.Offset(idx*bucketSize)
	return a.Direct(off, bucketSize)
}

// slotPtr returns an *uint64 aliasing the i-th slot of a bucket's raw
// bytes, for use with sync/atomic. The whole 64-bit slot is always read,
// written, and compared as one unit.
func slotPtr(bucket []byte, i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&bucket[i*8]))
}

// readSlot atomically loads slot i of the bucket at bucketsOff[idx].
func readSlot(a arena.Arena, bucketsOff arena.Offset, idx uint64, i int) Slot {
	b := bucketBytes(a, bucketsOff, idx)
	return Slot(atomic.LoadUint64(slotPtr(b, i)))
}

// casSlot attempts to atomically swap slot i of the bucket at
// bucketsOff[idx] from old to new. Returns false if another goroutine won
// the race for this slot; any slot may be CAS'd by any goroutine for any
// legal transition.
func casSlot(a arena.Arena, bucketsOff arena.Offset, idx uint64, i int, old, new Slot) bool {
	b := bucketBytes(a, bucketsOff, idx)
	return atomic.CompareAndSwapUint64(slotPtr(b, i), uint64(old), uint64(new))
}

// persistSlot flushes slot i of the bucket at bucketsOff[idx] to the
// durability domain. A successful slot CAS is always followed by a
// persist of that slot before the operation returns.
func persistSlot(a arena.Arena, bucketsOff arena.Offset, idx uint64, i int) {
	off := bucketsOff + arena.Offset(idx*bucketSize+uint64(i*8))
	a.Persist(off, 8)
}
