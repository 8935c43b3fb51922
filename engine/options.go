package engine

import "fmt"

// WritebackMode controls how aggressively slot/root writes are flushed to
// the durability domain.
type WritebackMode int

const (
	// WritebackSync calls persist/drain on every slot and root CAS. This
	// is the default and the only mode that satisfies the crash-consistency
	// invariants.
	WritebackSync WritebackMode = iota

	// WritebackNone skips persist/drain entirely. It exists only for
	// benchmarking the CAS protocol in isolation on a tmpfs-backed arena
	// where durability is not being measured; it must never be used
	// against a real persistent-memory-backed arena.
	WritebackNone
)

// Options configures a new [Engine]. Every field is validated once in
// [Open]; nothing downstream re-validates it.
type Options struct {
	// Path is the arena file's path. Required.
	Path string

	// ArenaSize is the fixed size, in bytes, of the backing arena file.
	// The arena never grows past this; once exhausted, Insert and Expand
	// return ErrAllocatorFull. Required, must be large enough to hold the
	// header, root, and at least the first two levels.
	ArenaSize uint64

	// HashPower sets the initial bottom level's capacity to 2^HashPower
	// buckets and the level above it to 2^(HashPower+1); first_level
	// always points to the newest, largest level. Must be >= 1.
	HashPower uint

	// ThreadCount is the initial number of per-thread scratch cells. Must
	// be >= 1. Can be grown later with [Engine.SetThreadCount].
	ThreadCount int

	// Writeback selects how aggressively writes are flushed. Defaults to
	// WritebackSync.
	Writeback WritebackMode

	// Create, if true, creates a new arena file at Path; the path must not
	// already exist. If false, an existing arena file at Path is opened
	// and its persisted LevelMeta chain is recovered.
	Create bool
}

func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("engine: options: Path is required")
	}
	if o.Create && o.ArenaSize == 0 {
		return fmt.Errorf("engine: options: ArenaSize is required when Create is true")
	}
	if o.Create && o.HashPower < 1 {
		return fmt.Errorf("engine: options: HashPower must be >= 1")
	}
	if o.Create && o.ThreadCount < 1 {
		return fmt.Errorf("engine: options: ThreadCount must be >= 1")
	}
	return nil
}
