package engine

import "github.com/calvinalkan/clevel/arena"

// InsertResult reports where Insert landed.
type InsertResult struct {
	Found    bool
	Level    int
	Bucket   uint64
	Slot     int
	Expanded bool
}

// SearchResult reports where Search found the key, if at all.
type SearchResult struct {
	Found    bool
	Level    int
	Bucket   uint64
	Slot     int
	EntryOff arena.Offset
}

// MutateResult is the shared result shape for Update and Erase: both only
// report whether the key was found.
type MutateResult struct {
	Found bool
}

// insert adds key/val under thread id tid. Key/value bytes are already
// encoded by the caller; hv/partial are the key's hash and fingerprint.
func (e *engineCore) insert(key, val []byte, hv uint64, partial uint16, tid uint64) (InsertResult, error) {
	entryOff, err := allocScratchEntry(e.a, e.root, tid, key, val)
	if err != nil {
		return InsertResult{}, err
	}
	tagged := makeSlot(entryOff, partial)
	expanded := false

	for {
		rootOff := e.root.Meta()
		res := e.find(key, hv, partial, false)

		switch res.Status {
		case FoundInLeft, FoundInRight:
			freeEntry(e.a, entryOff)
			scratchClear(e.a, e.root, tid)
			return InsertResult{Found: true, Level: res.LevelIdx, Bucket: res.BucketIdx, Slot: res.SlotIdx, Expanded: expanded}, nil

		case VacancyInLeft, VacancyInRight:
			meta := openLevelMeta(e.a, e.root.Meta())
			isBottom := res.Lvl.off == meta.LastLevel()
			if isBottom && meta.IsResizing() {
				// A vacancy on the bottom level is off-limits while a
				// migration is in flight — treat it like AbsentAndNoVacancy
				// and grow instead.
				if err := expand(e.a, e.root); err != nil {
					return InsertResult{}, err
				}
				expanded = true
				continue
			}

			if !casSlot(e.a, res.Lvl.Buckets(), res.BucketIdx, res.SlotIdx, res.Observed, tagged) {
				continue // lost the race for this slot; re-find
			}
			persistSlot(e.a, res.Lvl.Buckets(), res.BucketIdx, res.SlotIdx)
			scratchClear(e.a, e.root, tid)

			if isBottom && e.root.Meta() != rootOff {
				// A resize started between our snapshot and our CAS: a
				// concurrent migration may already have copied (or be
				// racing to copy) this bucket upward, producing a
				// duplicate. The insert itself already succeeded; run one
				// dedup pass so the duplicate gets cleaned promptly rather
				// than waiting for a later Update/Erase to find it.
				e.find(key, hv, partial, true)
			}
			return InsertResult{Found: false, Level: res.LevelIdx, Bucket: res.BucketIdx, Slot: res.SlotIdx, Expanded: expanded}, nil

		case AbsentAndNoVacancy:
			if err := expand(e.a, e.root); err != nil {
				return InsertResult{}, err
			}
			expanded = true
		}
	}
}

// search performs a lock-free walk that returns on the first key match,
// re-reading the root before trusting a not-found.
func (e *engineCore) search(key []byte, hv uint64, partial uint16) SearchResult {
retry:
	rootOff := e.root.Meta()
	meta := openLevelMeta(e.a, rootOff)
	chain := levelChain(e.a, meta)

	for idx, lvl := range chain {
		capacity := lvl.Capacity()
		fIdx := firstIndex(hv, capacity)
		sIdx := secondIndex(partial, fIdx, capacity)

		for _, bucketIdx := range [2]uint64{fIdx, sIdx} {
			for si := 0; si < assoc; si++ {
				s := readSlot(e.a, lvl.Buckets(), bucketIdx, si)
				if s.Empty() || s.Partial() != partial {
					continue
				}
				off := s.Offset()
				if keysEqual(entryKeyBytes(e.a, off), key) {
					return SearchResult{Found: true, Level: idx, Bucket: bucketIdx, Slot: si, EntryOff: off}
				}
			}
		}
	}

	if e.root.Meta() != rootOff {
		goto retry
	}
	return SearchResult{Found: false}
}

// update allocates the new Entry up front, then repeatedly calls find
// with dedup reconciliation enabled and CASes the matching slot,
// restarting on a metadata change or a bottom-level migration-window hit.
func (e *engineCore) update(key, val []byte, hv uint64, partial uint16, tid uint64) (MutateResult, error) {
	entryOff, err := allocScratchEntry(e.a, e.root, tid, key, val)
	if err != nil {
		return MutateResult{}, err
	}
	tagged := makeSlot(entryOff, partial)

	for {
		rootOff := e.root.Meta()
		res := e.find(key, hv, partial, true)

		switch res.Status {
		case VacancyInLeft, VacancyInRight, AbsentAndNoVacancy:
			freeEntry(e.a, entryOff)
			scratchClear(e.a, e.root, tid)
			return MutateResult{Found: false}, nil
		}

		meta := openLevelMeta(e.a, e.root.Meta())
		bottom := openLevel(e.a, meta.LastLevel())
		inWindow := res.Lvl.off == bottom.off && inMigrationWindow(e.root, res.BucketIdx)
		if e.root.Meta() != rootOff || inWindow {
			continue
		}

		if casSlot(e.a, res.Lvl.Buckets(), res.BucketIdx, res.SlotIdx, res.Observed, tagged) {
			persistSlot(e.a, res.Lvl.Buckets(), res.BucketIdx, res.SlotIdx)
			freeEntry(e.a, res.EntryOff)
			scratchClear(e.a, e.root, tid)
			return MutateResult{Found: true}, nil
		}
		// Lost the race for this slot; re-find and retry.
	}
}

// erase performs a direct bottom-to-top walk (not routed through find,
// which would stop reconciling duplicates as soon as it found one) that
// clears every matching slot it can, applying the same migration-window
// skip as update.
func (e *engineCore) erase(key []byte, hv uint64, partial uint16) (MutateResult, error) {
retry:
	rootOff := e.root.Meta()
	meta := openLevelMeta(e.a, rootOff)
	chain := levelChain(e.a, meta)
	bottomOff := meta.LastLevel()

	found := false
	for _, lvl := range chain {
		capacity := lvl.Capacity()
		fIdx := firstIndex(hv, capacity)
		sIdx := secondIndex(partial, fIdx, capacity)

		for _, bucketIdx := range [2]uint64{fIdx, sIdx} {
			for si := 0; si < assoc; si++ {
				s := readSlot(e.a, lvl.Buckets(), bucketIdx, si)
				if s.Empty() || s.Partial() != partial {
					continue
				}
				off := s.Offset()
				if !keysEqual(entryKeyBytes(e.a, off), key) {
					continue
				}
				if lvl.off == bottomOff && inMigrationWindow(e.root, bucketIdx) {
					// May race a concurrent migration copy; a surviving
					// copy in the top level will still be found this pass.
					continue
				}
				if casSlot(e.a, lvl.Buckets(), bucketIdx, si, s, emptySlot) {
					persistSlot(e.a, lvl.Buckets(), bucketIdx, si)
					freeEntry(e.a, off)
					found = true
				}
			}
		}
	}

	if e.root.Meta() != rootOff {
		goto retry
	}
	return MutateResult{Found: found}, nil
}
