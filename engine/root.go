package engine

import (
	"sync/atomic"
	"unsafe"

	"github.com/calvinalkan/clevel/arena"
)

// Root field byte offsets within the arena's reserved root region:
// { meta_offset, my_pool_uuid, hashpower, thread_num, expand_bucket,
// expand_bucket_old, run_expand_flag, scratch offset, scratch count }.
const (
	rootOffMeta            = 0
	rootOffPoolUUID        = 8
	rootOffHashPower       = 16
	rootOffThreadCount     = 24
	rootOffExpandBucket    = 32
	rootOffExpandBucketOld = 40
	rootOffRunExpandFlag   = 48
	rootOffScratchOffset   = 56
	rootOffScratchCount    = 64
)

// persistentRoot is a thin accessor over the arena's fixed root region. All
// fields it exposes are either written once at creation (poolUUID,
// hashPower) or updated with atomic ops by a single owner:
//   - meta: CAS by any mutator/resizer goroutine.
//   - expandBucket / expandBucketOld: written only by the resizer goroutine,
//     read by mutators checking the migration window.
//   - threadCount / scratch offset: written only by SetThreadCount, which
//     the caller must serialize with any in-flight operation.
type persistentRoot struct {
	a   arena.Arena
	off arena.Offset
}

func openRoot(a arena.Arena, off arena.Offset) *persistentRoot {
	return &persistentRoot{a: a, off: off}
}

func (r *persistentRoot) ptr(fieldOff uint64) *uint64 {
	b := r.a.Direct(r.off+arena.Offset(fieldOff), 8)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

func (r *persistentRoot) Meta() arena.Offset {
	return arena.Offset(atomic.LoadUint64(r.ptr(rootOffMeta)))
}

func (r *persistentRoot) CASMeta(old, next arena.Offset) bool {
	return atomic.CompareAndSwapUint64(r.ptr(rootOffMeta), uint64(old), uint64(next))
}

func (r *persistentRoot) persistMeta() {
	r.a.Persist(r.off+rootOffMeta, 8)
	r.a.Drain()
}

func (r *persistentRoot) initMeta(v arena.Offset) {
	atomic.StoreUint64(r.ptr(rootOffMeta), uint64(v))
	r.persistMeta()
}

func (r *persistentRoot) PoolUUID() uint64   { return atomic.LoadUint64(r.ptr(rootOffPoolUUID)) }
func (r *persistentRoot) HashPower() uint64  { return atomic.LoadUint64(r.ptr(rootOffHashPower)) }
func (r *persistentRoot) ThreadCount() uint64 { return atomic.LoadUint64(r.ptr(rootOffThreadCount)) }

func (r *persistentRoot) setStatic(poolUUID, hashPower, threadCount uint64) {
	atomic.StoreUint64(r.ptr(rootOffPoolUUID), poolUUID)
	atomic.StoreUint64(r.ptr(rootOffHashPower), hashPower)
	atomic.StoreUint64(r.ptr(rootOffThreadCount), threadCount)
	r.a.Persist(r.off, 32)
}

func (r *persistentRoot) setThreadCount(n uint64) {
	atomic.StoreUint64(r.ptr(rootOffThreadCount), n)
	r.a.Persist(r.off+rootOffThreadCount, 8)
}

// ExpandBucket is the migration cursor: the next bottom-level bucket the
// resizer will migrate.
func (r *persistentRoot) ExpandBucket() uint64 { return atomic.LoadUint64(r.ptr(rootOffExpandBucket)) }

func (r *persistentRoot) SetExpandBucket(v uint64) {
	atomic.StoreUint64(r.ptr(rootOffExpandBucket), v)
	r.a.Persist(r.off+rootOffExpandBucket, 8)
}

// ExpandBucketOld is the start of the current migration window
// [expand_bucket_old, expand_bucket]. The resizer sets it to the bucket it
// is about to migrate, before every bucket, so it is never left stale from
// a prior pass; finishing a pass resets it to zero with expand_bucket.
func (r *persistentRoot) ExpandBucketOld() uint64 {
	return atomic.LoadUint64(r.ptr(rootOffExpandBucketOld))
}

func (r *persistentRoot) SetExpandBucketOld(v uint64) {
	atomic.StoreUint64(r.ptr(rootOffExpandBucketOld), v)
	r.a.Persist(r.off+rootOffExpandBucketOld, 8)
}

func (r *persistentRoot) RunExpandFlag() bool {
	return atomic.LoadUint64(r.ptr(rootOffRunExpandFlag)) != 0
}

func (r *persistentRoot) SetRunExpandFlag(v bool) {
	var n uint64
	if v {
		n = 1
	}
	atomic.StoreUint64(r.ptr(rootOffRunExpandFlag), n)
	r.a.Persist(r.off+rootOffRunExpandFlag, 8)
}

func (r *persistentRoot) ScratchOffset() arena.Offset {
	return arena.Offset(atomic.LoadUint64(r.ptr(rootOffScratchOffset)))
}

func (r *persistentRoot) SetScratchOffset(off arena.Offset) {
	atomic.StoreUint64(r.ptr(rootOffScratchOffset), uint64(off))
	r.a.Persist(r.off+rootOffScratchOffset, 8)
}

func (r *persistentRoot) ScratchCount() uint64 {
	return atomic.LoadUint64(r.ptr(rootOffScratchCount))
}

func (r *persistentRoot) SetScratchCount(n uint64) {
	atomic.StoreUint64(r.ptr(rootOffScratchCount), n)
	r.a.Persist(r.off+rootOffScratchCount, 8)
}
