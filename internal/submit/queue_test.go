package submit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueBoundsConcurrency(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 3} {
		q := NewQueue(workers)
		var cur, peak atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Do(context.Background(), func(ctx context.Context) error {
					n := cur.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					cur.Add(-1)
					return nil
				})
			}()
		}
		wg.Wait()
		if got := peak.Load(); got > int64(workers) {
			t.Fatalf("workers=%d peak=%d", workers, got)
		}
		if s := q.Snapshot(); s.Completed != 10 || s.InFlight != 0 || s.Waiting != 0 {
			t.Fatalf("snapshot = %+v", s)
		}
	}
}

func TestQueueWaitHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	release := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	defer close(release)

	for q.Snapshot().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Do(ctx, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected context error while queue is full")
	}
}
