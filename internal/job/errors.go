package job

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrInvalidJob wraps rejected submission input.
	ErrInvalidJob = errors.New("invalid job")

	// ErrStaleRun marks a running descriptor abandoned by its worker.
	ErrStaleRun = errors.New("stale run detected")
)

// TransitionError reports an attempt to move a descriptor along an edge the
// state machine does not allow.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RecoverableError asks the dispatcher to retry with backoff.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError moves the descriptor straight to broken.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retry wraps err so the dispatcher treats it as recoverable.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// Fatal wraps err so the dispatcher stops retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError. Everything else a job
// body returns, including unclassified errors, is retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
