package jobs

import (
	"errors"
	"fmt"
)

// ErrJobAlreadyActive is returned by QueueJob when an identical job is
// already pending or in progress.
var ErrJobAlreadyActive = errors.New("job already active")

// Error is an expected job failure. Its message is recorded on the job as is,
// without an error-level log.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds an expected job failure.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// failureMessage returns the message to record for a failed job and whether
// the failure was expected.
func failureMessage(err error) (string, bool) {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Message, true
	}
	return err.Error(), false
}
