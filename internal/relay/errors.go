package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTaskNotFound  = errors.New("relay: task not found")
	ErrNotPaused     = errors.New("relay: task is not paused")
	ErrTooManyTasks  = errors.New("relay: active task limit reached")
	ErrPrincipalBusy = errors.New("relay: per-principal task limit reached")
	ErrBadRange      = errors.New("relay: invalid id range")
	ErrEngineStopped = errors.New("relay: engine is stopped")
)

// ThrottledError reports platform rate-limit pushback with the mandated
// wait duration.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: wait %s", e.Wait)
}

// Throttle builds a *ThrottledError for the given wait.
func Throttle(wait time.Duration) error {
	return &ThrottledError{Wait: wait}
}

// AsThrottled extracts the mandated wait from a throttle error.
func AsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.Wait, true
	}
	return 0, false
}

// FatalError marks a condition that no retry can recover: revoked
// credentials, lost feed access, deleted target. It aborts the whole task.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// WrapFatal wraps err so IsFatal reports true. A nil err returns nil.
func WrapFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
