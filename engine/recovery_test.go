package engine

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/clevel/arena"
	"github.com/calvinalkan/clevel/pkg/fs"
)

// TestRecoverySweepsOrphanedScratchEntry simulates a crash between
// allocating an Entry into a thread's scratch cell and publishing it via a
// slot CAS: on reopen the scratch cell must be cleared and the key must not
// become visible.
func TestRecoverySweepsOrphanedScratchEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.clevel")
	fsys := fs.NewReal()

	opts := Options{Path: path, ArenaSize: 4 << 20, HashPower: 3, ThreadCount: 2, Create: true}
	e, err := Open[string, string](fsys, opts, stringCodec(), nil)
	require.NoError(t, err)

	entryOff, err := allocEntry(e.a, []byte("orphan-key"), []byte("orphan-val"))
	require.NoError(t, err)
	scratchSet(e.a, e.core.root, 1, entryOff)

	require.NoError(t, e.Close())

	reopened, err := Open[string, string](fsys, Options{Path: path, Create: false}, stringCodec(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, ok := reopened.Search("orphan-key")
	require.False(t, ok, "orphaned entry must not be visible as a key")

	cellOff := reopened.core.root.ScratchOffset() + arena.Offset(1*scratchCellSize)
	raw := reopened.a.Direct(cellOff, scratchCellSize)
	require.Zero(t, binary.LittleEndian.Uint64(raw), "scratch cell must be cleared after recovery")
}

// TestRecoverySweepsOrphanedLevel simulates a crash between allocating a new
// Level (logged via LogAllocation) and linking it into the reachable chain:
// recovery must pass over the logged orphan and leave the reopened index
// usable. arena.File ignores Free of offsets allocated before the reopen,
// so the orphan's space is not returned to the allocator.
func TestRecoverySweepsOrphanedLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.clevel")
	fsys := fs.NewReal()

	opts := Options{Path: path, ArenaSize: 4 << 20, HashPower: 3, ThreadCount: 1, Create: true}
	e, err := Open[string, string](fsys, opts, stringCodec(), nil)
	require.NoError(t, err)

	orphanOff, err := allocLevel(e.a, 16)
	require.NoError(t, err)
	require.NotZero(t, orphanOff)

	require.NoError(t, e.Close())

	reopened, err := Open[string, string](fsys, Options{Path: path, Create: false}, stringCodec(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	// Recovery has passed over the orphan; a basic operation must still
	// succeed on the reopened index.
	_, err = reopened.Insert("k", "v", 0)
	require.NoError(t, err)
}

// countOccurrences scans every level bottom-to-top counting slots whose key
// matches key. Used where a single find()-style first-match lookup isn't
// enough to prove a key isn't duplicated across two levels.
func countOccurrences(a arena.Arena, root *persistentRoot, key []byte, hv uint64, partial uint16) int {
	meta := openLevelMeta(a, root.Meta())
	n := 0
	for _, lvl := range levelChain(a, meta) {
		capacity := lvl.Capacity()
		fIdx := firstIndex(hv, capacity)
		sIdx := secondIndex(partial, fIdx, capacity)
		for _, bucketIdx := range [2]uint64{fIdx, sIdx} {
			for si := 0; si < assoc; si++ {
				s := readSlot(a, lvl.Buckets(), bucketIdx, si)
				if s.Empty() || s.Partial() != partial {
					continue
				}
				if keysEqual(entryKeyBytes(a, s.Offset()), key) {
					n++
				}
			}
		}
	}
	return n
}

// TestRecoverySurvivesCrashDuringMigration drives a bottom level to
// capacity, starts a resize, migrates only part of it, then simulates a
// power loss mid-migration via fs.Crash before the migration pass over the
// bottom level completes. Reopening must find every inserted key exactly once, with
// its correct value, regardless of whether a given key's bucket had already
// been migrated when the crash hit.
func TestRecoverySurvivesCrashDuringMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.clevel")

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	a, err := arena.CreateFile(crash, path, 4<<20)
	require.NoError(t, err)

	const bottomCap = uint64(4)
	bottomOff, err := allocLevel(a, bottomCap)
	require.NoError(t, err)
	metaOff, err := allocLevelMeta(a, bottomOff, bottomOff, false)
	require.NoError(t, err)

	root := openRoot(a, a.RootOffset())
	root.setStatic(a.PoolUUID(), 2, 1)
	root.initMeta(metaOff)
	root.SetExpandBucket(0)
	root.SetExpandBucketOld(0)
	root.SetRunExpandFlag(false)
	require.NoError(t, allocScratchCells(a, root, 1))

	core := engineCore{a: a, root: root}

	// Fill the only level with enough keys that migrating it actually
	// exercises several buckets, well inside its 32-slot capacity.
	inserted := make(map[string]string, 10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("mig-key-%d", i)
		val := fmt.Sprintf("mig-val-%d", i)
		hv := defaultHash([]byte(key))
		res, err := core.insert([]byte(key), []byte(val), hv, partialOf(hv), 0)
		require.NoError(t, err)
		require.False(t, res.Found)
		inserted[key] = val
	}

	// Start a resize by hand: this links a new, larger level above the one
	// holding our data and marks the table as resizing, exactly as Insert's
	// AbsentAndNoVacancy path would, but without depending on hitting it.
	require.NoError(t, expand(a, root))

	meta := openLevelMeta(a, root.Meta())
	chain := levelChain(a, meta)
	require.Len(t, chain, 2)
	bottom, top := chain[0], chain[1]
	require.True(t, meta.IsResizing())

	// Run the resizer directly (no background goroutine) so the test
	// controls exactly how much migration happens before the crash: two of
	// the bottom level's four buckets, leaving the pass incomplete.
	rs := newResizer(a, root, defaultHash)
	rs.migrateStep(meta, bottom, top)
	rs.migrateStep(meta, bottom, top)
	require.Equal(t, uint64(2), root.ExpandBucket(), "migration must have stopped partway through")

	// Register the current on-disk bytes as the durable snapshot. The
	// arena's own writes bypass fs.File entirely (raw mmap + msync against
	// the real fd), so fs.Crash never observes them through Write/Sync on
	// the arena's own handle; a second handle's Sync re-reads the whole
	// file from disk and is what actually captures them for fs.Crash's
	// bookkeeping. Directory entries only become durable through a Sync on
	// the directory itself, so every directory from the crashfs root down to
	// dir is synced too; otherwise the arena file would be gone after the
	// crash.
	for d := dir; ; d = filepath.Dir(d) {
		dh, err := crash.Open(d)
		require.NoError(t, err)
		require.NoError(t, dh.Sync())
		require.NoError(t, dh.Close())
		if d == filepath.Dir(d) {
			break
		}
	}
	mirror, err := crash.Open(path)
	require.NoError(t, err)
	require.NoError(t, mirror.Sync())
	require.NoError(t, mirror.Close())

	require.NoError(t, crash.SimulateCrash())
	_ = a.Close() // already force-closed by SimulateCrash; releases our mmap

	reopenedArena, err := arena.OpenFile(crash, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopenedArena.Close() })

	reopenedRoot := openRoot(reopenedArena, reopenedArena.RootOffset())
	require.NoError(t, recover_(reopenedArena, reopenedRoot, defaultHash))
	reopenedCore := engineCore{a: reopenedArena, root: reopenedRoot}

	for key, val := range inserted {
		hv := defaultHash([]byte(key))
		partial := partialOf(hv)

		res := reopenedCore.search([]byte(key), hv, partial)
		require.True(t, res.Found, "key %q must survive a crash mid-migration", key)
		_, gotVal := entryKeyValBytes(reopenedArena, res.EntryOff)
		require.Equal(t, val, string(gotVal), "key %q must keep its value across the crash", key)

		require.Equal(t, 1, countOccurrences(reopenedArena, reopenedRoot, []byte(key), hv, partial),
			"key %q must not be reachable from two slots after recovery", key)
	}
}
