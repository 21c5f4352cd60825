package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownJobKind  = errors.New("unknown job kind")
	ErrNotConfigured   = errors.New("coin not configured for job")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Kind names a job type.
type Kind string

const (
	KindPeriodic  Kind = "periodic"
	KindDeviation Kind = "deviation"
)

// Kinds lists every schedulable job kind.
var Kinds = []Kind{KindPeriodic, KindDeviation}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPeriodic, KindDeviation:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobKind, s)
}

// Outcome is what a job body reports back for stats.
type Outcome struct {
	// Submitted is false when the body decided no submission was needed.
	Submitted bool
	TxID      string
}

// Runner executes one run of a job. The error decides success or failure.
type Runner interface {
	Run(ctx context.Context, coin string, kind Kind) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, coin string, kind Kind) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, coin string, kind Kind) (Outcome, error) {
	return f(ctx, coin, kind)
}

// JobSpec is the configured schedule of one (coin, kind) pair.
type JobSpec struct {
	Coin     string
	Kind     Kind
	Schedule string
	// Autostart starts the job when the service starts.
	Autostart bool
}

// Config controls the scheduler.
type Config struct {
	Timezone string
	// RunTimeout bounds a single run; zero means no bound.
	RunTimeout time.Duration
	// StartupSpread randomizes the first fire of interval schedules.
	StartupSpread bool
}

// JobStats is the observable state of a running job.
type JobStats struct {
	Coin               string     `json:"coin"`
	Kind               Kind       `json:"kind"`
	Enabled            bool       `json:"enabled"`
	ScheduleExpression string     `json:"scheduleExpression"`
	StartedAt          time.Time  `json:"startedAt"`
	TotalRuns          uint64     `json:"totalRuns"`
	SuccessfulRuns     uint64     `json:"successfulRuns"`
	FailedRuns         uint64     `json:"failedRuns"`
	Submissions        uint64     `json:"submissions"`
	Skipped            uint64     `json:"skipped"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt      *time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt        *time.Time `json:"lastErrorAt,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	LastTxID           string     `json:"lastTxId,omitempty"`
	LastDuration       string     `json:"lastDuration,omitempty"`
	NextRunAt          *time.Time `json:"nextRunAt,omitempty"`
}

// runState owns the stats of one started job. Counters are only updated
// together under mu. The overlap guard lives on the Service, keyed by
// (coin, kind), so it outlives a stop and restart.
type runState struct {
	mu    sync.Mutex
	stats JobStats
}

func (s *runState) skip() {
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
}

func (s *runState) finish(start time.Time, took time.Duration, out Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := start
	s.stats.TotalRuns++
	s.stats.LastRunAt = &at
	s.stats.LastDuration = took.String()
	if err != nil {
		s.stats.FailedRuns++
		s.stats.LastErrorAt = &at
		s.stats.LastError = err.Error()
		return
	}
	s.stats.SuccessfulRuns++
	s.stats.LastSuccessAt = &at
	if out.Submitted {
		s.stats.Submissions++
	}
	if out.TxID != "" {
		s.stats.LastTxID = out.TxID
	}
}

func (s *runState) snapshot() JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
