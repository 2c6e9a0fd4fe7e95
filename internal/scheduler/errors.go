package scheduler

import "errors"

// ErrCancelTask is returned by work to unschedule its own task.
// It is not treated as a failure. Wrapped values are recognised via errors.Is.
var ErrCancelTask = errors.New("scheduler: cancel task")

// Registration preconditions. These are rejected, never coerced.
var (
	ErrNilWork          = errors.New("scheduler: work is nil")
	ErrEmptyStages      = errors.New("scheduler: stage set is empty")
	ErrUnknownStage     = errors.New("scheduler: unknown stage")
	ErrNegativePriority = errors.New("scheduler: priority must be >= 0")
	ErrNegativeDelay    = errors.New("scheduler: delay must be >= 0")
	ErrNegativePeriod   = errors.New("scheduler: period must be >= 0")
	ErrDuplicateID      = errors.New("scheduler: duplicate task id")
)

// Driver errors.
var (
	ErrTickInProgress = errors.New("scheduler: tick already in progress")
	ErrNegativeDelta  = errors.New("scheduler: frame delta must be >= 0")
)
