package arena

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/clevel/pkg/fs"
)

// ErrCorrupt and ErrIncompatible classify [OpenFile] header-validation
// failures, in the same rebuild-vs-transient spirit as pkg/fs error
// taxonomy: a corrupt header means the file must be recreated, an
// incompatible one means this binary is the wrong version to open it.
var (
	ErrCorrupt      = errors.New("arena: corrupt header")
	ErrIncompatible = errors.New("arena: incompatible format")
)

// File layout (little-endian throughout):
//
//	[0, headerSize)                       fixed header, see fileHeader
//	[headerSize, headerSize+rootSize)     engine's persisted root object (opaque to the arena)
//	[heapBase, heapBase+heapSize)         bump-allocated heap, reused via a size-class freelist
//
// The arena never grows: its size is fixed at creation, matching a
// persistent-memory pool's fixed extent. Exhaustion surfaces as ErrFull,
// a real, expected error path, not a bug to engineer around with dynamic
// growth.
const (
	magic             = 0x4c45564c30310a00 // hex of "LEVL01\n\x00"; stored little-endian
	formatVersion     = 1
	headerSize        = 8192
	rootSize          = 4096
	structLogCapacity = 256 // bounded log of LevelMeta/Level allocations, for orphan recovery

	offMagic      = 0
	offVersion    = 8
	offFlags      = 12
	offPoolUUID   = 16
	offFileSize   = 24
	offHeapOffset = 32
	offLogCount   = 40
	offCRC32C     = 48
	// [52, 52+structLogCapacity*16) holds the struct log entries.
	offStructLog = 52

	heapBase = headerSize + rootSize
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Compile-time interface check.
var _ Arena = (*File)(nil)

// File is a persistent, file-backed, mmap'd [Arena]. It is the Clevel
// engine's production arena implementation: a header encode/validate/CRC
// pass followed by mmap-and-register, adapted from a single-writer cache
// file onto a multi-writer CAS heap.
type File struct {
	f    fs.File
	data []byte
	lock *fs.Lock // advisory cross-process exclusive lock on path+".lock"

	poolUUID   uint64
	heapOffset *uint64 // points into data, manipulated with atomic ops
	logCount   *uint64

	mu       sync.Mutex // guards the freelist and the live-size index
	free     map[uint64][]Offset
	liveSize map[Offset]uint64 // size class of every currently-live allocation
}

// lockPath names the advisory lock file guarding exclusive process access to
// the arena at path. The engine's CAS protocol coordinates goroutines within
// one process; it says nothing about two processes mmapping the same file,
// which would silently corrupt both. [CreateFile] takes this lock with
// [fs.Locker] and holds it until [File.Close]; [OpenFile] does not take it.
func lockPath(path string) string {
	return path + ".lock"
}

// CreateFile creates a new arena-backed file of the given size at path,
// using fsys for the underlying filesystem operations (so tests can pass
// [fs.Crash] to exercise crash-consistency scenarios).
func CreateFile(fsys fs.FS, path string, size uint64) (*File, error) {
	if size <= heapBase {
		return nil, fmt.Errorf("arena: size %d too small, need > %d", size, heapBase)
	}

	lock, err := fs.NewLocker(fsys).TryLock(lockPath(path))
	if err != nil {
		return nil, fmt.Errorf("arena: locking %s: %w", path, err)
	}

	var poolUUID uint64
	var uuidBuf [8]byte
	if _, err := rand.Read(uuidBuf[:]); err != nil {
		return nil, fmt.Errorf("arena: generating pool uuid: %w", err)
	}
	poolUUID = binary.LittleEndian.Uint64(uuidBuf[:])

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[offMagic:], magic)
	binary.LittleEndian.PutUint32(header[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(header[offFlags:], 0)
	binary.LittleEndian.PutUint64(header[offPoolUUID:], poolUUID)
	binary.LittleEndian.PutUint64(header[offFileSize:], size)
	binary.LittleEndian.PutUint64(header[offHeapOffset:], heapBase)
	binary.LittleEndian.PutUint64(header[offLogCount:], 0)
	binary.LittleEndian.PutUint32(header[offCRC32C:], headerCRC(header))

	created, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("arena: creating %s: %w", path, err)
	}

	// Sparse-extend to the full size: seek to the last byte and write it,
	// so the mapping below covers exactly `size` bytes without having to
	// materialize `size` zero bytes in this process.
	if _, err := created.Seek(int64(size)-1, io.SeekStart); err != nil {
		_ = created.Close()
		return nil, fmt.Errorf("arena: sizing %s: %w", path, err)
	}
	if _, err := created.Write([]byte{0}); err != nil {
		_ = created.Close()
		return nil, fmt.Errorf("arena: sizing %s: %w", path, err)
	}

	if _, err := created.Seek(0, io.SeekStart); err != nil {
		_ = created.Close()
		return nil, fmt.Errorf("arena: writing header: %w", err)
	}
	if _, err := created.Write(header); err != nil {
		_ = created.Close()
		return nil, fmt.Errorf("arena: writing header: %w", err)
	}

	if err := created.Sync(); err != nil {
		_ = created.Close()
		return nil, fmt.Errorf("arena: syncing header: %w", err)
	}

	a, err := mapFile(created, size, poolUUID)
	if err != nil {
		return nil, err
	}
	a.lock = lock
	return a, nil
}

// OpenFile opens an existing arena file, validating its header.
func OpenFile(fsys fs.FS, path string) (*File, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("arena: opening %s: %w", path, err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("arena: reading header: %w", err)
	}

	if binary.LittleEndian.Uint64(header[offMagic:]) != magic {
		_ = f.Close()
		return nil, fmt.Errorf("arena: %w: bad magic", ErrCorrupt)
	}

	if binary.LittleEndian.Uint32(header[offVersion:]) != formatVersion {
		_ = f.Close()
		return nil, fmt.Errorf("arena: %w: unsupported version", ErrIncompatible)
	}

	gotCRC := binary.LittleEndian.Uint32(header[offCRC32C:])
	if gotCRC != headerCRC(header) {
		_ = f.Close()
		return nil, fmt.Errorf("arena: %w: header CRC mismatch", ErrCorrupt)
	}

	size := binary.LittleEndian.Uint64(header[offFileSize:])
	poolUUID := binary.LittleEndian.Uint64(header[offPoolUUID:])

	return mapFile(f, size, poolUUID)
}

func mapFile(f fs.File, size uint64, poolUUID uint64) (*File, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}

	heapOffset := (*uint64)(unsafe.Pointer(&data[offHeapOffset]))
	logCount := (*uint64)(unsafe.Pointer(&data[offLogCount]))

	return &File{
		f:          f,
		data:       data,
		poolUUID:   poolUUID,
		heapOffset: heapOffset,
		logCount:   logCount,
		free:       make(map[uint64][]Offset),
		liveSize:   make(map[Offset]uint64),
	}, nil
}

// Alloc implements [Arena.Alloc]: reuse a freed block of the exact size
// class if one exists, otherwise bump-allocate from the heap.
func (a *File) Alloc(size uint64) (Offset, error) {
	aligned := align8(size)

	if off, ok := a.takeFromFreelist(aligned); ok {
		a.mu.Lock()
		a.liveSize[off] = aligned
		a.mu.Unlock()
		return off, nil
	}

	fileSize := uint64(len(a.data))
	for {
		old := atomic.LoadUint64(a.heapOffset)
		next := old + aligned
		if next > fileSize {
			return 0, ErrFull
		}
		if atomic.CompareAndSwapUint64(a.heapOffset, old, next) {
			off := Offset(old)
			a.mu.Lock()
			a.liveSize[off] = aligned
			a.mu.Unlock()
			return off, nil
		}
	}
}

func (a *File) takeFromFreelist(size uint64) (Offset, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.free[size]
	if len(list) == 0 {
		return 0, false
	}

	off := list[len(list)-1]
	a.free[size] = list[:len(list)-1]
	return off, true
}

// Free implements [Arena.Free]. Idempotent: a second Free of an offset
// already freed (or one this allocator never produced) is a no-op rather
// than corrupting the freelist, because crash recovery may free the same
// orphan twice. The size class is recovered from the live-size index
// recorded at Alloc time, so Free keeps a single-argument shape. That
// index is held in memory only and starts empty in [OpenFile], so Free of
// an offset allocated before the arena was reopened is a no-op and its
// space is not reused.
func (a *File) Free(off Offset) {
	if off == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.liveSize[off]
	if !ok {
		return
	}
	delete(a.liveSize, off)
	a.free[size] = append(a.free[size], off)
}

// Persist implements [Arena.Persist] via msync over the covering pages.
func (a *File) Persist(off Offset, size uint64) {
	if size == 0 {
		return
	}
	pageSize := uint64(unix.Getpagesize())
	start := (uint64(off) / pageSize) * pageSize
	end := uint64(off) + size
	if end > uint64(len(a.data)) {
		end = uint64(len(a.data))
	}
	_ = unix.Msync(a.data[start:end], unix.MS_SYNC)
}

// Drain implements [Arena.Drain]. Every Persist call above is already
// synchronous (MS_SYNC), so Drain only needs to be a compiler/memory
// fence ensuring prior writes in program order are visible before the
// caller's subsequent atomic operation; an atomic load is enough on Go's
// memory model.
func (a *File) Drain() {
	atomic.LoadUint64(a.heapOffset)
}

// Direct implements [Arena.Direct].
func (a *File) Direct(off Offset, size uint64) []byte {
	start := uint64(off)
	end := start + size
	if end > uint64(len(a.data)) {
		panic(fmt.Sprintf("arena: direct(%d, %d) out of bounds (len=%d)", off, size, len(a.data)))
	}
	return a.data[start:end]
}

// PoolUUID implements [Arena.PoolUUID].
func (a *File) PoolUUID() uint64 { return a.poolUUID }

// RootOffset returns the offset of the fixed-size, engine-owned root region
// reserved right after the arena header. The engine persists its {meta
// offset, hashpower, thread_num, expand_bucket, run_expand_flag, …} prefix
// here.
func (a *File) RootOffset() Offset { return Offset(headerSize) }

// RootSize returns the size of the region reserved at RootOffset.
func (a *File) RootSize() uint64 { return rootSize }

// Close implements [Arena.Close].
func (a *File) Close() error {
	if err := unix.Munmap(a.data); err != nil {
		return fmt.Errorf("arena: munmap: %w", err)
	}
	if a.lock != nil {
		_ = a.lock.Close()
	}
	return a.f.Close()
}

// LogAllocation records a LevelMeta/Level allocation in the bounded
// struct-allocation log so that crash recovery can free it if it turns out
// to be unreferenced by the published root. Entry allocations are not
// logged here: their crash-safety comes from the per-thread scratch
// cells.
func (a *File) LogAllocation(off Offset, size uint64) {
	idx := atomic.AddUint64(a.logCount, 1) - 1
	if idx >= structLogCapacity {
		// Log is a best-effort, bounded recovery aid. The count is never
		// reset, so only the first structLogCapacity allocations over the
		// arena's lifetime are tracked; later ones are simply not logged.
		return
	}
	slot := offStructLog + idx*16
	binary.LittleEndian.PutUint64(a.data[slot:], uint64(off))
	binary.LittleEndian.PutUint64(a.data[slot+8:], size)
	a.Persist(Offset(slot), 16)
}

// StructLog returns every (offset, size) pair recorded by LogAllocation,
// for use by the engine's crash-recovery pass.
func (a *File) StructLog() []struct {
	Offset Offset
	Size   uint64
} {
	n := atomic.LoadUint64(a.logCount)
	if n > structLogCapacity {
		n = structLogCapacity
	}
	out := make([]struct {
		Offset Offset
		Size   uint64
	}, 0, n)
	for i := uint64(0); i < n; i++ {
		slot := offStructLog + i*16
		out = append(out, struct {
			Offset Offset
			Size   uint64
		}{
			Offset: Offset(binary.LittleEndian.Uint64(a.data[slot:])),
			Size:   binary.LittleEndian.Uint64(a.data[slot+8:]),
		})
	}
	return out
}

func headerCRC(header []byte) uint32 {
	buf := make([]byte, headerSize)
	copy(buf, header)
	// The heap cursor, the struct-log count and the struct log are updated
	// in place through the mapping after creation, so only the fixed fields
	// are covered.
	binary.LittleEndian.PutUint64(buf[offHeapOffset:], 0)
	binary.LittleEndian.PutUint64(buf[offLogCount:], 0)
	clear(buf[offStructLog:])
	binary.LittleEndian.PutUint32(buf[offCRC32C:], 0)
	return crc32.Checksum(buf, crcTable)
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
