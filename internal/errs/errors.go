package errs

import (
	"errors"
	"fmt"
)

// Validation errors. Surfaced to API callers and prevent the write.
var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrInvalidTimezone       = errors.New("invalid timezone")
	ErrUnknownAgentType      = errors.New("unknown agent type")
	ErrInvalidConfig         = errors.New("invalid agent config")
	ErrInvalidRetryConfig    = errors.New("invalid retry config")
	ErrInvalidSchedule       = errors.New("invalid schedule")
)

// Lookup and concurrency errors.
var (
	ErrNotFound               = errors.New("not found")
	ErrScheduleRunning        = errors.New("schedule is already running")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Dispatch errors. Never returned to API callers, only recorded.
var (
	ErrHandlerInvocation = errors.New("handler invocation failed")
	ErrHandlerPanicked   = errors.New("handler panicked")
	ErrTimeoutExceeded   = errors.New("timeout exceeded")
)

func New(err error, str string) error {
	return fmt.Errorf("%w: %s", err, str)
}

// IsValidation reports whether err is one of the validation kinds.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCronExpression) ||
		errors.Is(err, ErrInvalidTimezone) ||
		errors.Is(err, ErrUnknownAgentType) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidRetryConfig) ||
		errors.Is(err, ErrInvalidSchedule)
}
