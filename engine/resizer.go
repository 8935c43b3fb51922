package engine

import (
	"time"

	"github.com/calvinalkan/clevel/arena"
)

// resizeBulk is the number of bottom-level buckets migrated per resizer
// iteration.
const resizeBulk = 1

// idleBackoff is how long the resizer sleeps when exactly two levels are
// present and no migration is in flight.
const idleBackoff = 10 * time.Millisecond

// expand grows the level chain by one and publishes a new LevelMeta marked
// is_resizing. It is called synchronously by Insert on
// AbsentAndNoVacancy and by the background resizer when a migration step
// finds both destination buckets full.
func expand(a arena.Arena, root *persistentRoot) error {
	for {
		metaOff := root.Meta()
		meta := openLevelMeta(a, metaOff)
		top := openLevel(a, meta.FirstLevel())

		upOff := top.Up()
		if upOff == 0 {
			newOff, err := allocLevel(a, top.Capacity()*2)
			if err != nil {
				return err
			}
			if top.CASUp(newOff) {
				upOff = newOff
			} else {
				// Lost the race; someone else's level is now linked.
				freeLevel(a, newOff)
				upOff = top.Up()
			}
		}

		newMetaOff, err := allocLevelMeta(a, upOff, meta.LastLevel(), true)
		if err != nil {
			return err
		}
		if root.CASMeta(metaOff, newMetaOff) {
			root.persistMeta()
			freeLevelMeta(a, metaOff)
			return nil
		}
		// Another thread already published a new meta; drop ours and retry
		// from a fresh read — our level allocation (if any) stays linked via
		// top.up for whoever needs it next.
		freeLevelMeta(a, newMetaOff)
	}
}

// resizer drives continuous background migration. It is the sole writer of
// expand_bucket / expand_bucket_old / is_resizing's eventual clearing;
// mutators only ever read those fields.
type resizer struct {
	a    arena.Arena
	root *persistentRoot
	hash func([]byte) uint64
	stop chan struct{}
	done chan struct{}
}

func newResizer(a arena.Arena, root *persistentRoot, hash func([]byte) uint64) *resizer {
	return &resizer{a: a, root: root, hash: hash, stop: make(chan struct{}), done: make(chan struct{})}
}

func (r *resizer) Start() {
	go r.run()
}

// Stop signals the resizer goroutine and waits for it to exit.
func (r *resizer) Stop() {
	close(r.stop)
	<-r.done
}

func (r *resizer) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		metaOff := r.root.Meta()
		meta := openLevelMeta(r.a, metaOff)
		chain := levelChain(r.a, meta)

		if !meta.IsResizing() || len(chain) < 2 {
			select {
			case <-r.stop:
				return
			case <-time.After(idleBackoff):
			}
			continue
		}

		bottom := chain[0]
		top := chain[len(chain)-1]
		r.migrateStep(meta, bottom, top)
	}
}

// migrateStep performs one bulk rehash step of resizeBulk bottom buckets.
func (r *resizer) migrateStep(meta levelMeta, bottom, top level) {
	bottomCap := bottom.Capacity()

	for i := 0; i < resizeBulk; i++ {
		b := r.root.ExpandBucket()
		if b >= bottomCap {
			r.finishMigration(meta, bottom)
			return
		}
		// expand_bucket_old marks the start of the in-flight window for
		// this bucket so a racing Update/Erase can tell its bucket is
		// mid-migration. Always set immediately before the bucket it
		// guards, never left stale from a prior pass.
		r.root.SetExpandBucketOld(b)
		r.migrateBucket(bottom, top, b)
		r.root.SetExpandBucket(b + 1)
	}
}

// migrateBucket moves every occupied slot of bottom bucket b into the top
// level, recomputing candidate buckets there. If both candidates are full
// for a slot, it grows another level and keeps trying against the (now
// current) top.
func (r *resizer) migrateBucket(bottom, top level, b uint64) {
	for si := 0; si < assoc; si++ {
		for {
			s := readSlot(r.a, bottom.Buckets(), b, si)
			if s.Empty() {
				break
			}
			partial := s.Partial()
			entOff := s.Offset()
			key := entryKeyBytes(r.a, entOff)
			hv := r.hash(key)
			fIdx := firstIndex(hv, top.Capacity())
			sIdx := secondIndex(partial, fIdx, top.Capacity())

			if r.tryPlace(top, fIdx, s) || r.tryPlace(top, sIdx, s) {
				// Source is cleared only after the destination is durable.
				if casSlot(r.a, bottom.Buckets(), b, si, s, emptySlot) {
					persistSlot(r.a, bottom.Buckets(), b, si)
				}
				break
			}

			// Both candidate buckets in top are full: grow once more and
			// retry this slot against the new top.
			if err := expand(r.a, r.root); err != nil {
				return
			}
			metaOff := r.root.Meta()
			meta := openLevelMeta(r.a, metaOff)
			top = openLevel(r.a, meta.FirstLevel())
		}
	}
}

func (r *resizer) tryPlace(lvl level, bucketIdx uint64, s Slot) bool {
	for i := 0; i < assoc; i++ {
		cur := readSlot(r.a, lvl.Buckets(), bucketIdx, i)
		if !cur.Empty() {
			continue
		}
		if casSlot(r.a, lvl.Buckets(), bucketIdx, i, emptySlot, s) {
			persistSlot(r.a, lvl.Buckets(), bucketIdx, i)
			return true
		}
	}
	return false
}

// finishMigration publishes the end-of-pass state: a new LevelMeta dropping
// the bottom level, is_resizing cleared unless more than two levels remain,
// expand_bucket reset, and the retired bottom level freed.
func (r *resizer) finishMigration(meta levelMeta, bottom level) {
	newBottomOff := bottom.Up()
	if newBottomOff == 0 {
		// No level is linked above the retired bottom: first_level becomes
		// both first and last.
		newBottomOff = meta.FirstLevel()
	}

	levelsLeft := 1
	for cur := openLevel(r.a, newBottomOff); cur.off != meta.FirstLevel(); {
		up := cur.Up()
		if up == 0 {
			break
		}
		levelsLeft++
		cur = openLevel(r.a, up)
	}

	newMetaOff, err := allocLevelMeta(r.a, meta.FirstLevel(), newBottomOff, levelsLeft != 2)
	if err != nil {
		return
	}
	oldMetaOff := r.root.Meta()
	if !r.root.CASMeta(oldMetaOff, newMetaOff) {
		freeLevelMeta(r.a, newMetaOff)
		return
	}
	r.root.persistMeta()
	r.root.SetExpandBucket(0)
	r.root.SetExpandBucketOld(0)

	freeLevelMeta(r.a, oldMetaOff)
	freeLevel(r.a, bottom.off)
}
