package job

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition returned when a delta would move a job backward or change a terminal job
var ErrInvalidTransition = errors.New("invalid status transition")

// rank orders statuses along queued -> processing -> {completed, failed}
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CheckTransition validates a status change. Staying in the same non-terminal status
// is allowed (progress refresh), moving forward is allowed, anything leaving a terminal
// status or moving backward is rejected with ErrInvalidTransition.
// Callers are expected to skip records equal to the current one before calling it.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, got %s", ErrInvalidTransition, from, to)
	}
	if to.rank() < from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
