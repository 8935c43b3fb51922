// Package arena provides the persistent-memory allocator that backs the
// Clevel index: a single mmap'd region addressed by 64-bit offsets, with
// alloc/free/persist/drain primitives and a 16-byte OID for cross-pool
// references.
//
// The engine package treats [Arena] as an opaque collaborator: it never
// stores a raw pointer, only an [Offset], and resolves it through
// [Arena.Direct] on each access.
package arena

import "errors"

// ErrFull is returned by Alloc when the arena cannot satisfy a request.
// It is the only allocator failure visible to callers of the engine;
// every other allocator error wraps it.
var ErrFull = errors.New("arena: full")

// Offset is an 8-byte offset into an Arena. Zero is reserved to mean "null" /
// empty; a valid allocation never returns offset zero.
type Offset uint64

// OID identifies an object within a specific pool: the low-level analogue of
// a PMEMoid. PoolUUID lets code assert it is dereferencing an offset against
// the pool that produced it; Offset is the 8-byte in-pool address.
type OID struct {
	PoolUUID uint64
	Offset   Offset
}

// IsNull reports whether o names no object.
func (o OID) IsNull() bool { return o.Offset == 0 }

// Arena is the persistent-memory allocator the Clevel core consumes.
// Implementations must be safe for concurrent use by multiple goroutines;
// Alloc/Free may take locks internally, but the hot CAS paths in the engine
// package never call them.
type Arena interface {
	// Alloc reserves size bytes and returns their offset. The allocation is
	// durable once Alloc returns but not reachable until the caller
	// publishes the offset via a slot or LevelMeta CAS. Returns ErrFull if
	// no space remains.
	Alloc(size uint64) (Offset, error)

	// Free releases the allocation at off. Free is idempotent: freeing an
	// already-free or never-allocated-by-this-run offset must not corrupt
	// the allocator, because crash recovery may free an offset more than
	// once.
	Free(off Offset)

	// Persist flushes any cached writes covering [off, off+size) to the
	// durability domain. On a real PMEM device this is a cache-line
	// flush; on the file-backed implementation here it is msync of the
	// covering pages.
	Persist(off Offset, size uint64)

	// Drain is a barrier: it blocks until every Persist that happened
	// before this call has reached the durability domain. Callers use it
	// after a burst of Persist calls that must all land before a single
	// subsequent root CAS is considered durable.
	Drain()

	// Direct resolves off to a byte slice of length size backed directly
	// by the arena's mapped memory. Writes through the returned slice are
	// visible to other goroutines without a copy; callers are responsible
	// for their own synchronization (the engine only ever stores data this
	// way behind a slot CAS).
	Direct(off Offset, size uint64) []byte

	// PoolUUID identifies this arena instance, for constructing OIDs.
	PoolUUID() uint64

	// LogAllocation records a structural (LevelMeta/Level) allocation in a
	// bounded recovery log, so a crash between allocating and publishing
	// such an object leaves a trail crash recovery can use to free it.
	LogAllocation(off Offset, size uint64)

	// StructLog returns every (offset, size) pair LogAllocation has
	// recorded, for crash recovery to cross-reference against the
	// published root.
	StructLog() []struct {
		Offset Offset
		Size   uint64
	}

	// Close releases the underlying resources (unmaps and closes the
	// backing file). Close does not free any allocation.
	Close() error
}
