package engine

import (
	"github.com/calvinalkan/clevel/arena"
)

// bucketSide distinguishes the two candidate buckets a key hashes to
// within one level: left is first_index (lower half), right is
// second_index (upper half).
type bucketSide int

const (
	sideLeft bucketSide = iota
	sideRight
)

// FindStatus is the discriminated result of the Find protocol.
type FindStatus int

const (
	FoundInLeft FindStatus = iota
	FoundInRight
	VacancyInLeft
	VacancyInRight
	AbsentAndNoVacancy
)

// findResult locates a slot in the level chain: either the slot holding a
// matching key, or a vacant slot a subsequent Insert/Update CAS can target.
// LevelIdx is the position in the bottom-to-top walk (0 = bottom/last
// level), used by mutators to test the migration-window context check
// against root.ExpandBucket()/ExpandBucketOld().
type findResult struct {
	Status    FindStatus
	Lvl       level
	LevelIdx  int
	BucketIdx uint64
	SlotIdx   int
	Observed  Slot
	EntryOff  arena.Offset
}

// find implements the bottom-to-top slot walk. key is the raw encoded key
// being searched for; hv and partial are its hash and fingerprint. When
// fixDup is true, encountering two slots that both match key triggers
// dedup reconciliation and restarts the whole walk.
//
// find always re-snapshots the root before returning: every outcome, not
// just not-found, is checked against a fresh root read before it is
// trusted.
func (e *engineCore) find(key []byte, hv uint64, partial uint16, fixDup bool) findResult {
retry:
	rootOff := e.root.Meta()
	meta := openLevelMeta(e.a, rootOff)
	chain := levelChain(e.a, meta) // bottom (index 0) to top

	var (
		haveMatch     bool
		match         findResult
		haveVacancy   bool
		vacancy       findResult
	)

	for idx, lvl := range chain {
		capacity := lvl.Capacity()
		fIdx := firstIndex(hv, capacity)
		sIdx := secondIndex(partial, fIdx, capacity)

		for _, cand := range [2]struct {
			side bucketSide
			idx  uint64
		}{{sideLeft, fIdx}, {sideRight, sIdx}} {
			bestEmptySlot := -1
			for si := 0; si < assoc; si++ {
				s := readSlot(e.a, lvl.Buckets(), cand.idx, si)
				if s.Empty() {
					if bestEmptySlot == -1 {
						bestEmptySlot = si
					}
					continue
				}
				if s.Partial() != partial {
					continue
				}
				entOff := s.Offset()
				entKey := entryKeyBytes(e.a, entOff)
				if !keysEqual(entKey, key) {
					continue
				}

				status := FoundInLeft
				if cand.side == sideRight {
					status = FoundInRight
				}
				found := findResult{
					Status: status, Lvl: lvl, LevelIdx: idx,
					BucketIdx: cand.idx, SlotIdx: si, Observed: s, EntryOff: entOff,
				}

				if haveMatch {
					if fixDup {
						e.reconcileDuplicate(match, found)
						goto retry
					}
					// Without fix_dup we keep the first match encountered
					// and ignore the later duplicate; Search itself never
					// reaches here because it returns on first match.
					continue
				}
				haveMatch = true
				match = found
			}

			if bestEmptySlot != -1 {
				status := VacancyInLeft
				if cand.side == sideRight {
					status = VacancyInRight
				}
				cur := findResult{
					Status: status, Lvl: lvl, LevelIdx: idx,
					BucketIdx: cand.idx, SlotIdx: bestEmptySlot,
				}
				// Prefer top levels (higher idx = encountered later in the
				// bottom-to-top walk); on a tie within the same level the
				// vacancy recorded first (the left bucket) stands.
				if !haveVacancy || preferVacancy(cur, vacancy) {
					haveVacancy = true
					vacancy = cur
				}
			}
		}
	}

	if e.root.Meta() != rootOff {
		goto retry
	}

	if haveMatch {
		return match
	}
	if haveVacancy {
		return vacancy
	}
	return findResult{Status: AbsentAndNoVacancy}
}

// preferVacancy reports whether cur should replace prev as the recorded
// vacancy: a strictly higher level always wins; within the same level the
// earlier-recorded side stands (left before right). The load of the two
// buckets is not compared.
func preferVacancy(cur, prev findResult) bool {
	return cur.LevelIdx > prev.LevelIdx
}

// reconcileDuplicate resolves two slots holding the same key. Clearing is a best-effort CAS — failure just
// means another goroutine already resolved (or is resolving) the
// duplicate, which the caller's retry will observe.
func (e *engineCore) reconcileDuplicate(older, newer findResult) {
	if older.Observed.Offset() == newer.Observed.Offset() {
		// Same entry referenced from two slots (a migration-copy
		// duplicate): clear the one in the lower level.
		lower, _ := pickLower(older, newer)
		casSlot(e.a, lower.Lvl.Buckets(), lower.BucketIdx, lower.SlotIdx, lower.Observed, emptySlot)
		persistSlot(e.a, lower.Lvl.Buckets(), lower.BucketIdx, lower.SlotIdx)
		return
	}

	// Different entries, equal keys: clear the older (earlier-found, i.e.
	// lower-level) slot and free its entry.
	lower, _ := pickLower(older, newer)
	if casSlot(e.a, lower.Lvl.Buckets(), lower.BucketIdx, lower.SlotIdx, lower.Observed, emptySlot) {
		persistSlot(e.a, lower.Lvl.Buckets(), lower.BucketIdx, lower.SlotIdx)
		freeEntry(e.a, lower.Observed.Offset())
	}
}

func pickLower(a, b findResult) (lower, upper findResult) {
	if a.LevelIdx <= b.LevelIdx {
		return a, b
	}
	return b, a
}
