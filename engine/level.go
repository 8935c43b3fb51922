package engine

import (
	"sync/atomic"
	"unsafe"

	"github.com/calvinalkan/clevel/arena"
)

// On-arena Level layout: {buckets[capacity], capacity, up}. Capacity and
// the buckets array identity are immutable once published; up is CAS'd
// exactly once, from null to a freshly allocated level.
const (
	levelOffCapacity = 0
	levelOffUp       = 8
	levelOffBuckets  = 16
	levelHeaderSize  = 24
)

// level is a handle onto an on-arena Level header.
type level struct {
	a   arena.Arena
	off arena.Offset
}

func openLevel(a arena.Arena, off arena.Offset) level {
	return level{a: a, off: off}
}

func (l level) field(fieldOff uint64) *uint64 {
	b := l.a.Direct(l.off+arena.Offset(fieldOff), 8)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// Capacity is immutable after publication: a plain (non-atomic) load is
// sufficient once the level is reachable, but it is read with an atomic
// load like every other level field.
func (l level) Capacity() uint64 {
	return atomic.LoadUint64(l.field(levelOffCapacity))
}

func (l level) Buckets() arena.Offset {
	return arena.Offset(atomic.LoadUint64(l.field(levelOffBuckets)))
}

// Up returns the next larger level, or zero if none has been linked yet.
func (l level) Up() arena.Offset {
	return arena.Offset(atomic.LoadUint64(l.field(levelOffUp)))
}

// CASUp links this level to a freshly allocated larger level. It is only
// ever attempted from null, and never mutated again after it succeeds.
func (l level) CASUp(next arena.Offset) bool {
	ok := atomic.CompareAndSwapUint64(l.field(levelOffUp), 0, uint64(next))
	if ok {
		l.a.Persist(l.off+levelOffUp, 8)
	}
	return ok
}

// allocLevel allocates and initializes a new Level with the given capacity
// and an empty, zeroed buckets array. The returned offset is not yet
// reachable from any LevelMeta; the caller publishes it via a LevelMeta
// CAS or a level.CASUp.
func allocLevel(a arena.Arena, capacity uint64) (arena.Offset, error) {
	bucketsSize := capacity * bucketSize
	bucketsOff, err := a.Alloc(bucketsSize)
	if err != nil {
		return 0, err
	}
	buf := a.Direct(bucketsOff, bucketsSize)
	for i := range buf {
		buf[i] = 0
	}
	a.Persist(bucketsOff, bucketsSize)
	a.LogAllocation(bucketsOff, bucketsSize)

	hdrOff, err := a.Alloc(levelHeaderSize)
	if err != nil {
		a.Free(bucketsOff)
		return 0, err
	}
	hdr := openLevel(a, hdrOff)
	atomic.StoreUint64(hdr.field(levelOffCapacity), capacity)
	atomic.StoreUint64(hdr.field(levelOffUp), 0)
	atomic.StoreUint64(hdr.field(levelOffBuckets), uint64(bucketsOff))
	a.Persist(hdrOff, levelHeaderSize)
	a.LogAllocation(hdrOff, levelHeaderSize)
	return hdrOff, nil
}

func freeLevel(a arena.Arena, off arena.Offset) {
	l := openLevel(a, off)
	a.Free(l.Buckets())
	a.Free(off)
}

// On-arena LevelMeta layout: {first_level, last_level, is_resizing}.
// Immutable after publication; every structural change allocates a new
// LevelMeta and CASes the root (persistentRoot.Meta).
const (
	metaOffFirst      = 0
	metaOffLast       = 8
	metaOffIsResizing = 16
	metaHeaderSize    = 24
)

type levelMeta struct {
	a   arena.Arena
	off arena.Offset
}

func openLevelMeta(a arena.Arena, off arena.Offset) levelMeta {
	return levelMeta{a: a, off: off}
}

func (m levelMeta) field(fieldOff uint64) *uint64 {
	b := m.a.Direct(m.off+arena.Offset(fieldOff), 8)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

func (m levelMeta) FirstLevel() arena.Offset {
	return arena.Offset(atomic.LoadUint64(m.field(metaOffFirst)))
}

func (m levelMeta) LastLevel() arena.Offset {
	return arena.Offset(atomic.LoadUint64(m.field(metaOffLast)))
}

func (m levelMeta) IsResizing() bool {
	return atomic.LoadUint64(m.field(metaOffIsResizing)) != 0
}

// allocLevelMeta allocates and initializes a new, not-yet-published
// LevelMeta. The caller is responsible for CAS-publishing it into the
// root and persisting.
func allocLevelMeta(a arena.Arena, first, last arena.Offset, resizing bool) (arena.Offset, error) {
	off, err := a.Alloc(metaHeaderSize)
	if err != nil {
		return 0, err
	}
	m := openLevelMeta(a, off)
	atomic.StoreUint64(m.field(metaOffFirst), uint64(first))
	atomic.StoreUint64(m.field(metaOffLast), uint64(last))
	var r uint64
	if resizing {
		r = 1
	}
	atomic.StoreUint64(m.field(metaOffIsResizing), r)
	a.Persist(off, metaHeaderSize)
	a.LogAllocation(off, metaHeaderSize)
	return off, nil
}

func freeLevelMeta(a arena.Arena, off arena.Offset) {
	a.Free(off)
}

// levelChain walks last_level -> up -> … -> first_level and returns the
// levels bottom-to-top. The result is a read-only snapshot; a subsequent
// root re-read is what detects staleness, not anything cached here.
func levelChain(a arena.Arena, m levelMeta) []level {
	var chain []level
	cur := openLevel(a, m.LastLevel())
	chain = append(chain, cur)
	first := m.FirstLevel()
	for cur.off != first {
		up := cur.Up()
		if up == 0 {
			// Racing with a just-started Expand that has not yet linked
			// `up`; the chain as observed is still a valid snapshot for
			// this attempt, the caller's root re-read will catch it.
			break
		}
		cur = openLevel(a, up)
		chain = append(chain, cur)
	}
	return chain
}
