package submit

import (
	"context"
	"sync/atomic"
)

// Queue bounds how many local proving processes run at once.
type Queue struct {
	workers int
	sem     chan struct{}

	waiting   atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Uint64
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Workers   int    `json:"workers"`
	Waiting   int64  `json:"waiting"`
	InFlight  int64  `json:"inFlight"`
	Completed uint64 `json:"completed"`
}

// NewQueue returns a queue admitting up to workers concurrent jobs (min 1).
func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{workers: workers, sem: make(chan struct{}, workers)}
}

// Do waits for a slot, runs fn and releases the slot.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	q.waiting.Add(1)
	select {
	case q.sem <- struct{}{}:
		q.waiting.Add(-1)
	case <-ctx.Done():
		q.waiting.Add(-1)
		return ctx.Err()
	}
	q.inFlight.Add(1)
	defer func() {
		q.inFlight.Add(-1)
		q.completed.Add(1)
		<-q.sem
	}()
	return fn(ctx)
}

func (q *Queue) Snapshot() QueueStats {
	if q == nil {
		return QueueStats{}
	}
	return QueueStats{
		Workers:   q.workers,
		Waiting:   q.waiting.Load(),
		InFlight:  q.inFlight.Load(),
		Completed: q.completed.Load(),
	}
}
