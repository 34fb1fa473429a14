package scheduler

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a violation of a scheduler invariant. Apply returns it
// for a non-positive Model.Concurrency and for a node that carries a stream
// but has zero instantaneous weight. These indicate a bug in the
// scheduler itself or invalid input, never a recoverable runtime
// condition.
var ErrInvariant = errors.New("scheduler: invariant violation")

// ErrModel wraps any error returned by a Model hook (Weight, Sched,
// Record, Wait). The underlying error is propagated unchanged: both
// ErrModel and the original error are reachable via errors.Is/errors.As
// against the value modelf returns; Apply adds no retry or rollback
// semantics on top of it.
var ErrModel = errors.New("scheduler: model failure")

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

func modelf(phase string, ir IRef, err error) error {
	return fmt.Errorf("scheduler: phase %s node %d: %w: %w", phase, ir, ErrModel, err)
}
