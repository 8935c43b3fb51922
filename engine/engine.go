// Package engine implements Clevel: a lock-free, crash-consistent,
// dynamically resizable persistent-memory hash index built from a stack of
// fixed-size hash levels.
package engine

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/calvinalkan/clevel/arena"
	"github.com/calvinalkan/clevel/pkg/fs"
)

// Engine is a Clevel index over keys of type K and values of type V. It is
// safe for concurrent use by multiple goroutines, except for
// [Engine.SetThreadCount] and [Engine.Close], which callers must serialize
// against any in-flight operation.
type Engine[K any, V any] struct {
	core  engineCore
	codec Codec[K, V]
	hash  func([]byte) uint64
	a     arena.Arena

	mu          sync.RWMutex // guards threadCount/SetThreadCount against Close
	threadCount uint64
	closed      bool
}

// defaultHash is the fallback used when no caller-supplied hash function is
// given: 64-bit FNV-1a.
func defaultHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b) // fnv.Write never errors
	return h.Sum64()
}

// Open creates or recovers a Clevel index at opts.Path, per opts.Create.
// codec supplies the key/value byte encoding; hash may be nil to use
// [defaultHash].
func Open[K, V any](fsys fs.FS, opts Options, codec Codec[K, V], hash func([]byte) uint64) (*Engine[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if hash == nil {
		hash = defaultHash
	}

	var a *arena.File
	var err error
	if opts.Create {
		a, err = arena.CreateFile(fsys, opts.Path, opts.ArenaSize)
	} else {
		a, err = arena.OpenFile(fsys, opts.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	wrapped := withWriteback(a, opts.Writeback)
	root := openRoot(wrapped, a.RootOffset())

	e := &Engine[K, V]{
		core:  engineCore{a: wrapped, root: root},
		codec: codec,
		hash:  hash,
		a:     wrapped,
	}

	if opts.Create {
		if err := e.initialize(opts); err != nil {
			_ = a.Close()
			return nil, err
		}
	} else {
		if err := recover_(wrapped, root, hash); err != nil {
			_ = a.Close()
			return nil, err
		}
		e.threadCount = root.ThreadCount()
	}

	e.core.rs = newResizer(wrapped, root, hash)
	e.core.rs.Start()
	return e, nil
}

// initialize builds the first two levels and publishes the first LevelMeta.
// Capacities follow Options.HashPower: the bottom level has 2^HashPower
// buckets, the level above it 2^(HashPower+1) — first_level (the larger
// one) is always the level new inserts prefer once it exists.
func (e *Engine[K, V]) initialize(opts Options) error {
	a := e.core.a
	root := e.core.root

	bottomCap := uint64(1) << opts.HashPower
	topCap := bottomCap * 2

	bottomOff, err := allocLevel(a, bottomCap)
	if err != nil {
		return err
	}
	topOff, err := allocLevel(a, topCap)
	if err != nil {
		return err
	}
	if !openLevel(a, bottomOff).CASUp(topOff) {
		return fmt.Errorf("engine: initialize: unreachable: uncontended CASUp failed")
	}

	metaOff, err := allocLevelMeta(a, topOff, bottomOff, false)
	if err != nil {
		return err
	}

	root.setStatic(a.PoolUUID(), uint64(opts.HashPower), uint64(opts.ThreadCount))
	root.initMeta(metaOff)
	root.SetExpandBucket(0)
	root.SetExpandBucketOld(0)
	root.SetRunExpandFlag(false)

	return allocScratchCells(a, root, uint64(opts.ThreadCount))
}

// Close stops the background resizer and releases the arena's OS
// resources. It does not flush any engine-level buffering beyond what each
// operation already persisted synchronously.
func (e *Engine[K, V]) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	e.core.rs.Stop()
	return e.a.Close()
}

func (e *Engine[K, V]) keyHash(key K) ([]byte, uint64, uint16) {
	kb := e.codec.EncodeKey(key)
	hv := e.hash(kb)
	return kb, hv, partialOf(hv)
}

// Insert adds key/val under thread id tid. found=true means the key
// already existed; no write was performed in that case.
func (e *Engine[K, V]) Insert(key K, val V, tid uint64) (InsertResult, error) {
	if err := e.checkThread(tid); err != nil {
		return InsertResult{}, err
	}
	kb, hv, partial := e.keyHash(key)
	vb := e.codec.EncodeValue(val)
	return e.core.insert(kb, vb, hv, partial, tid)
}

// Search looks up key and reports whether it was found.
func (e *Engine[K, V]) Search(key K) (V, bool) {
	kb, hv, partial := e.keyHash(key)
	res := e.core.search(kb, hv, partial)
	var zero V
	if !res.Found {
		return zero, false
	}
	_, valBytes := entryKeyValBytes(e.a, res.EntryOff)
	return e.codec.DecodeValue(valBytes), true
}

// Update replaces the value stored under key, if it exists, under thread id tid.
func (e *Engine[K, V]) Update(key K, val V, tid uint64) (MutateResult, error) {
	if err := e.checkThread(tid); err != nil {
		return MutateResult{}, err
	}
	kb, hv, partial := e.keyHash(key)
	vb := e.codec.EncodeValue(val)
	return e.core.update(kb, vb, hv, partial, tid)
}

// Erase removes key, if present, under thread id tid.
func (e *Engine[K, V]) Erase(key K, tid uint64) (MutateResult, error) {
	if err := e.checkThread(tid); err != nil {
		return MutateResult{}, err
	}
	kb, hv, partial := e.keyHash(key)
	return e.core.erase(kb, hv, partial)
}

// Capacity returns the total slot count across every currently published
// level.
func (e *Engine[K, V]) Capacity() uint64 {
	meta := openLevelMeta(e.a, e.core.root.Meta())
	var total uint64
	for _, lvl := range levelChain(e.a, meta) {
		total += lvl.Capacity() * assoc
	}
	return total
}

// Levels returns the capacity of each currently published level,
// bottom-to-top, for introspection tooling.
func (e *Engine[K, V]) Levels() []uint64 {
	meta := openLevelMeta(e.a, e.core.root.Meta())
	chain := levelChain(e.a, meta)
	out := make([]uint64, len(chain))
	for i, lvl := range chain {
		out[i] = lvl.Capacity()
	}
	return out
}

// SetThreadCount grows the per-thread scratch cell array to n. Callers must
// ensure no operation using an existing thread id is in flight while this
// runs.
func (e *Engine[K, V]) SetThreadCount(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if n <= e.threadCount {
		return nil
	}
	oldOff := e.core.root.ScratchOffset()
	if err := allocScratchCells(e.a, e.core.root, n); err != nil {
		return err
	}
	if oldOff != 0 {
		e.a.Free(oldOff)
	}
	e.core.root.setThreadCount(n)
	e.threadCount = n
	return nil
}

func (e *Engine[K, V]) checkThread(tid uint64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if tid >= e.threadCount {
		return ErrInvalidThread
	}
	return nil
}
