package engine

import (
	"encoding/binary"

	"github.com/calvinalkan/clevel/arena"
)

// Codec converts between the engine's generic key/value types and the flat
// byte encoding stored in an arena-resident Entry: an immutable record
// {key, value} stored at an arena offset. Supplying a codec is how this
// implementation expresses key/value typing as Go generic parameters
// instead of baking one encoding into the engine.
type Codec[K any, V any] struct {
	EncodeKey   func(K) []byte
	DecodeKey   func([]byte) K
	EncodeValue func(V) []byte
	DecodeValue func([]byte) V
}

// entry on-arena layout: {keyLen u32, valLen u32, keyBytes…, valBytes…},
// 8-byte aligned overall via the allocator's align8. keyLen/valLen are
// written once at allocation and never mutated — only the slot pointing at
// this offset is ever CAS'd.
const entryHeaderSize = 8

func entrySize(keyLen, valLen int) uint64 {
	return uint64(entryHeaderSize + keyLen + valLen)
}

// allocEntry writes a new immutable Entry to freshly allocated arena space
// and persists it before returning — the entry must be durable before its
// offset is ever CAS'd into a slot.
func allocEntry(a arena.Arena, key, val []byte) (arena.Offset, error) {
	size := entrySize(len(key), len(val))
	off, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}
	buf := a.Direct(off, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(val)))
	copy(buf[entryHeaderSize:], key)
	copy(buf[entryHeaderSize+len(key):], val)
	a.Persist(off, size)
	return off, nil
}

func freeEntry(a arena.Arena, off arena.Offset) {
	// Size is recovered by the allocator's live-size index (see
	// arena.File.Free); reading the header first would race a concurrent
	// freeer in the dedup-reconciliation path, so this implementation
	// never re-reads entry bytes after deciding to free them.
	a.Free(off)
}

func entryKeyBytes(a arena.Arena, off arena.Offset) []byte {
	hdr := a.Direct(off, entryHeaderSize)
	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	return a.Direct(off+entryHeaderSize, uint64(keyLen))
}

func entryKeyValBytes(a arena.Arena, off arena.Offset) (key, val []byte) {
	hdr := a.Direct(off, entryHeaderSize)
	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valLen := binary.LittleEndian.Uint32(hdr[4:8])
	full := a.Direct(off+entryHeaderSize, uint64(keyLen)+uint64(valLen))
	return full[:keyLen], full[keyLen:]
}

// keysEqual compares two arena-resident keys without decoding them,
// avoiding an allocation on the hot Find-protocol comparison path.
func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	// unsafe.Pointer identity fast path for the (extremely common) case of
	// comparing a slot's stored key against itself during dedup scans.
	if &a[0] == &b[0] {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
