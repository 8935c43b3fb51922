package engine

import "github.com/calvinalkan/clevel/arena"

// engineCore holds the pieces of index state the find protocol and the
// mutators operate on directly: the arena, the root, and the resizer used
// to trigger expand from Insert's AbsentAndNoVacancy path. Key/value
// encoding and hashing live one layer up, in [Engine], which is the only
// thing embedders construct.
type engineCore struct {
	a    arena.Arena
	root *persistentRoot
	rs   *resizer
}

// inMigrationWindow reports whether bucketIdx on the bottom level falls
// inside the in-flight migration window [expand_bucket_old, expand_bucket]
// (both ends included) while the published LevelMeta is resizing. Outside a
// resize the window is empty.
func inMigrationWindow(root *persistentRoot, bucketIdx uint64) bool {
	if !openLevelMeta(root.a, root.Meta()).IsResizing() {
		return false
	}
	old := root.ExpandBucketOld()
	cur := root.ExpandBucket()
	return bucketIdx >= old && bucketIdx <= cur
}
