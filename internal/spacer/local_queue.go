package spacer

import (
	"context"
	"fmt"
	"sync"
)

// LocalQueue processes each job at submission time and holds the results
// until they are collected.
type LocalQueue struct {
	processor *Processor

	mu      sync.Mutex
	results []*JobReturnMsg
}

func NewLocalQueue(p *Processor) *LocalQueue {
	return &LocalQueue{processor: p}
}

func (q *LocalQueue) Submit(_ context.Context, msg *JobMsg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	res := q.processor.Process(msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, res)
	return nil
}

func (q *LocalQueue) Next(_ context.Context) (*JobReturnMsg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.results) == 0 {
		return nil, nil
	}
	res := q.results[0]
	q.results = q.results[1:]
	return res, nil
}

// Len is the number of uncollected results.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.results)
}
