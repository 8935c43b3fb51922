package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/clevel/pkg/fs"
)

func stringCodec() Codec[string, string] {
	return Codec[string, string]{
		EncodeKey:   func(s string) []byte { return []byte(s) },
		DecodeKey:   func(b []byte) string { return string(b) },
		EncodeValue: func(s string) []byte { return []byte(s) },
		DecodeValue: func(b []byte) string { return string(b) },
	}
}

func newTestEngine(t *testing.T, threadCount int) *Engine[string, string] {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Path:        filepath.Join(dir, "idx.clevel"),
		ArenaSize:   16 << 20,
		HashPower:   4,
		ThreadCount: threadCount,
		Create:      true,
	}
	e, err := Open[string, string](fs.NewReal(), opts, stringCodec(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestInsertSearchUpdateErase(t *testing.T) {
	e := newTestEngine(t, 1)

	res, err := e.Insert("alpha", "1", 0)
	require.NoError(t, err)
	require.False(t, res.Found)

	v, ok := e.Search("alpha")
	require.True(t, ok)
	require.Equal(t, "1", v)

	// re-insert of the same key reports found=true and does not overwrite.
	res, err = e.Insert("alpha", "overwrite-attempt", 0)
	require.NoError(t, err)
	require.True(t, res.Found)
	v, ok = e.Search("alpha")
	require.True(t, ok)
	require.Equal(t, "1", v)

	upd, err := e.Update("alpha", "2", 0)
	require.NoError(t, err)
	require.True(t, upd.Found)
	v, ok = e.Search("alpha")
	require.True(t, ok)
	require.Equal(t, "2", v)

	er, err := e.Erase("alpha", 0)
	require.NoError(t, err)
	require.True(t, er.Found)
	_, ok = e.Search("alpha")
	require.False(t, ok)

	er, err = e.Erase("alpha", 0)
	require.NoError(t, err)
	require.False(t, er.Found)
}

func TestSearchMissingKey(t *testing.T) {
	e := newTestEngine(t, 1)
	_, ok := e.Search("does-not-exist")
	require.False(t, ok)
}

// TestConcurrentDisjointInsert runs 8 threads inserting disjoint key sets:
// every key must be findable afterward and Capacity() must reflect a table
// that actually grew to hold them all.
func TestConcurrentDisjointInsert(t *testing.T) {
	const threads = 8
	const perThread = 200
	e := newTestEngine(t, threads)

	var wg sync.WaitGroup
	for tid := 0; tid < threads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				key := fmt.Sprintf("t%d-k%d", tid, i)
				res, err := e.Insert(key, key, uint64(tid))
				require.NoError(t, err)
				require.False(t, res.Found)
			}
		}()
	}
	wg.Wait()

	for tid := 0; tid < threads; tid++ {
		for i := 0; i < perThread; i++ {
			key := fmt.Sprintf("t%d-k%d", tid, i)
			v, ok := e.Search(key)
			require.Truef(t, ok, "missing key %s", key)
			require.Equal(t, key, v)
		}
	}
	require.GreaterOrEqual(t, e.Capacity(), uint64(threads*perThread))
}

// TestConcurrentUpdateSameKey races several goroutines updating one key
// through distinct thread ids. At the end the key must be present with one
// of the candidate values — Update is linearizable, not last-writer-wins by
// wall clock.
func TestConcurrentUpdateSameKey(t *testing.T) {
	const writers = 6
	e := newTestEngine(t, writers+1)

	_, err := e.Insert("shared", "0", 0)
	require.NoError(t, err)

	candidates := make(map[string]bool, writers)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for tid := 1; tid <= writers; tid++ {
		tid := tid
		val := fmt.Sprintf("v%d", tid)
		mu.Lock()
		candidates[val] = true
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Update("shared", val, uint64(tid))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	v, ok := e.Search("shared")
	require.True(t, ok)
	require.True(t, candidates[v], "final value %q not among writers' candidates", v)
}

// TestResizeAcrossManyInserts drives a single-threaded resize trigger:
// inserting 1..1000 keys must grow the level chain and every key must
// remain reachable afterward.
func TestResizeAcrossManyInserts(t *testing.T) {
	e := newTestEngine(t, 1)
	initialCap := e.Capacity()

	const n = 1000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		res, err := e.Insert(key, key, 0)
		require.NoError(t, err)
		require.False(t, res.Found)
	}

	require.Greater(t, e.Capacity(), initialCap)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		v, ok := e.Search(key)
		require.Truef(t, ok, "missing key %s after resize", key)
		require.Equal(t, key, v)
	}
}

// TestInsertEraseSearchSteadyState exercises sustained churn: overlapping
// insert/erase/search against a small, constant key set, confirming no key
// is ever observed partially-written or double-freed.
func TestInsertEraseSearchSteadyState(t *testing.T) {
	const threads = 4
	const rounds = 100
	e := newTestEngine(t, threads)

	var wg sync.WaitGroup
	for tid := 0; tid < threads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("churn-%d", tid)
			for i := 0; i < rounds; i++ {
				_, err := e.Insert(key, "v", uint64(tid))
				require.NoError(t, err)
				if v, ok := e.Search(key); ok {
					require.Equal(t, "v", v)
				}
				_, err = e.Erase(key, uint64(tid))
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestSetThreadCountGrows(t *testing.T) {
	e := newTestEngine(t, 1)
	require.NoError(t, e.SetThreadCount(4))

	_, err := e.Insert("k", "v", 3)
	require.NoError(t, err)
	v, ok := e.Search("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestInvalidThreadID(t *testing.T) {
	e := newTestEngine(t, 1)
	_, err := e.Insert("k", "v", 5)
	require.ErrorIs(t, err, ErrInvalidThread)
}

// locator is the (level, bucket, slot) triple shared by InsertResult and
// SearchResult, projected out so cmp.Diff can compare the two result
// shapes structurally.
type locator struct {
	Level  int
	Bucket uint64
	Slot   int
}

// TestLocatorRoundTrip checks that if Insert(k,v) returns
// {found=false, level=L, bucket=B, slot=S} and nothing erases/updates k
// afterward, Search(k) reports the identical (L,B,S).
func TestLocatorRoundTrip(t *testing.T) {
	e := newTestEngine(t, 1)

	ins, err := e.Insert("alpha", "1", 0)
	require.NoError(t, err)
	require.False(t, ins.Found)

	insLoc := locator{Level: ins.Level, Bucket: ins.Bucket, Slot: ins.Slot}

	searchLoc, ok := searchLocator(t, e, "alpha")
	require.True(t, ok)

	if diff := cmp.Diff(insLoc, searchLoc); diff != "" {
		t.Fatalf("insert/search locator mismatch (-insert +search):\n%s", diff)
	}
}

func searchLocator(t *testing.T, e *Engine[string, string], key string) (locator, bool) {
	t.Helper()
	kb, hv, partial := e.keyHash(key)
	res := e.core.search(kb, hv, partial)
	if !res.Found {
		return locator{}, false
	}
	return locator{Level: res.Level, Bucket: res.Bucket, Slot: res.Slot}, true
}
