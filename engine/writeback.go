package engine

import "github.com/calvinalkan/clevel/arena"

// syncModeArena wraps an [arena.Arena] and applies a [WritebackMode] by
// embedding it: every method not overridden below delegates straight
// through. In WritebackNone, Persist and Drain are skipped entirely instead
// of reaching the underlying arena.
type syncModeArena struct {
	arena.Arena
	mode WritebackMode
}

// withWriteback returns a, unwrapped, for the default WritebackSync mode —
// every other mode gets a decorator.
func withWriteback(a arena.Arena, mode WritebackMode) arena.Arena {
	if mode == WritebackSync {
		return a
	}
	return &syncModeArena{Arena: a, mode: mode}
}

func (s *syncModeArena) Persist(off arena.Offset, size uint64) {
	if s.mode == WritebackNone {
		return
	}
	s.Arena.Persist(off, size)
}

func (s *syncModeArena) Drain() {
	if s.mode == WritebackNone {
		return
	}
	s.Arena.Drain()
}
