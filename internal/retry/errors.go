package retry

import (
	"errors"
	"fmt"
	"time"
)

// Error decorates the last error of a failed execution with diagnostics.
// It unwraps to the original error, so errors.Is and errors.As see through it.
type Error struct {
	Op        string
	Attempts  int
	Duration  time.Duration
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) in %s: %v", e.Op, e.Attempts, e.Duration, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from an execution that used up its retry budget.
func IsExhausted(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Exhausted
}

// Attempts returns the number of attempts recorded in err, or 0 when err
// did not come from an Executor.
func Attempts(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Attempts
	}

	return 0
}
