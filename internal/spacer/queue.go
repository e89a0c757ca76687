package spacer

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for compute service failures.
var (
	ErrSpacerUnreachable = errors.New("spacer unreachable")
	ErrSpacerTimeout     = errors.New("spacer request timeout")
	ErrSpacerRejected    = errors.New("spacer rejected request")
)

// Queue carries job messages to the compute service and brings results back.
// Implementations must be safe for concurrent use.
type Queue interface {
	Submit(ctx context.Context, msg *JobMsg) error
	// Next returns the next available result, or nil when there is none.
	Next(ctx context.Context) (*JobReturnMsg, error)
}

// LostDetector is implemented by queues that remember their submissions and
// can report the ones that never produced a result.
type LostDetector interface {
	// Lost returns and forgets the tokens of jobs submitted before the
	// cutoff that have no result yet.
	Lost(ctx context.Context, submittedBefore time.Time) ([]string, error)
}
