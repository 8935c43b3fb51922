package engine

import (
	"errors"

	"github.com/calvinalkan/clevel/arena"
)

// ErrAllocatorFull is returned when the arena cannot satisfy an allocation.
// It is the same sentinel value as [arena.ErrFull], so errors.Is against
// either one holds; the operation that returned it leaves no observable
// state change.
var ErrAllocatorFull = arena.ErrFull

// ErrClosed is returned by any operation performed after [Engine.Close].
var ErrClosed = errors.New("engine: closed")

// ErrInvalidThread is returned when a thread id passed to an operation is
// outside [0, threadCount).
var ErrInvalidThread = errors.New("engine: invalid thread id")
