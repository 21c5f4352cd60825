package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pricefeeder/internal/eventbus"
	"pricefeeder/internal/notify"
	logx "pricefeeder/pkg/logx"
)

const skipWarnEvery = time.Minute

// Notifier receives rejected schedules and failed runs.
type Notifier interface {
	Notify(kind string, payload notify.Payload) bool
}

// Action results reported by StartJob and StopJob.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusRejected       = "rejected"
	StatusNotConfigured  = "not_configured"
	StatusStopped        = "stopped"
	StatusNotRunning     = "not_running"
)

// ActionResult is the per-coin outcome of a start or stop request.
type ActionResult struct {
	Coin   string `json:"coin"`
	Kind   Kind   `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type jobKey struct {
	coin string
	kind Kind
}

type job struct {
	key   jobKey
	expr  string
	entry cron.EntryID
	state *runState
	// busy is shared by every job started for key.
	busy  *atomic.Bool

	lastSkipWarn atomic.Int64
}

// Service owns the cron instance and the registry of running jobs.
type Service struct {
	mu sync.Mutex

	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	specs map[jobKey]JobSpec
	jobs  map[jobKey]*job
	// busy holds one in-flight flag per (coin, kind). Entries are never
	// removed so a run that outlives StopJob still blocks the restarted job.
	busy  map[jobKey]*atomic.Bool

	runner   Runner
	log      logx.Logger
	bus      eventbus.Bus
	notifier Notifier
	now      func() time.Time
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus, n Notifier) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		parser:   newParser(),
		specs:    map[jobKey]JobSpec{},
		jobs:     map[jobKey]*job{},
		busy:     map[jobKey]*atomic.Bool{},
		runner:   runner,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		notifier: n,
		now:      time.Now,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.c = s.newCron()
	return s
}

func (s *Service) newCron() *cron.Cron {
	return cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// SetSpecs replaces the configured schedules. Running jobs keep the
// expression they were started with until restarted.
func (s *Service) SetSpecs(specs []JobSpec) error {
	m := make(map[jobKey]JobSpec, len(specs))
	for _, sp := range specs {
		if _, err := ParseKind(string(sp.Kind)); err != nil {
			return err
		}
		if sp.Coin == "" {
			return fmt.Errorf("job spec for %s has no coin", sp.Kind)
		}
		m[jobKey{sp.Coin, sp.Kind}] = sp
	}
	s.mu.Lock()
	s.specs = m
	s.mu.Unlock()
	return nil
}

// Apply updates scheduler settings. A timezone change re-arms every running
// job on a fresh cron instance; stats are kept.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.restartLocked()
}

func (s *Service) restartLocked() {
	s.c.Stop()
	s.c = s.newCron()
	for _, j := range s.jobs {
		sched, _, err := compile(s.parser, j.expr)
		if err != nil {
			continue
		}
		j.entry = s.c.Schedule(sched, s.jobFunc(j))
	}
	if s.started {
		s.c.Start()
	}
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Start runs the cron loop and starts every autostart job.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.c.Start()

	auto := map[Kind][]string{}
	for k, sp := range s.specs {
		if sp.Autostart {
			auto[k.kind] = append(auto[k.kind], k.coin)
		}
	}
	s.mu.Unlock()

	for _, kind := range Kinds {
		if coins := auto[kind]; len(coins) > 0 {
			sort.Strings(coins)
			s.StartJob(kind, coins...)
		}
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop stops every job and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for k, j := range s.jobs {
		s.c.Remove(j.entry)
		delete(s.jobs, k)
	}
	done := s.c.Stop()
	cancel := s.cancel
	s.mu.Unlock()

	var err error
	select {
	case <-done.Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	s.log.Info("scheduler stopped")
	return err
}

// Coins returns the configured coins for kind, sorted.
func (s *Service) Coins(kind Kind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.specs {
		if k.kind == kind {
			out = append(out, k.coin)
		}
	}
	sort.Strings(out)
	return out
}

// StartJob starts kind for the given coins, or every configured coin when
// none are named.
func (s *Service) StartJob(kind Kind, coins ...string) []ActionResult {
	if len(coins) == 0 {
		coins = s.Coins(kind)
	}
	out := make([]ActionResult, 0, len(coins))
	for _, coin := range coins {
		out = append(out, s.startOne(jobKey{coin, kind}))
	}
	return out
}

func (s *Service) startOne(k jobKey) ActionResult {
	res := ActionResult{Coin: k.coin, Kind: k.kind}
	log := s.log.With(logx.String("coin", k.coin), logx.String("kind", string(k.kind)))

	s.mu.Lock()
	if _, ok := s.jobs[k]; ok {
		s.mu.Unlock()
		log.Info("job already running")
		res.Status = StatusAlreadyRunning
		return res
	}
	sp, ok := s.specs[k]
	if !ok {
		s.mu.Unlock()
		res.Status = StatusNotConfigured
		res.Error = ErrNotConfigured.Error()
		return res
	}
	sched, parsed, err := compile(s.parser, sp.Schedule)
	if err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		log.Warn("schedule rejected", logx.String("schedule", sp.Schedule), logx.Err(err))
		s.notify(notify.KindScheduleInvalid, notify.Payload{
			"coin": k.coin, "kind": string(k.kind), "schedule": sp.Schedule, "error": err.Error(),
		})
		res.Status = StatusRejected
		res.Error = err.Error()
		return res
	}

	now := s.now()
	if parsed.Kind == SpecInterval && s.cfg.StartupSpread {
		var jitter time.Duration
		sched, jitter = withStartupSpread(parsed.Every, now)
		log.Debug("interval start spread", logx.Duration("jitter", jitter))
	}
	busy, ok := s.busy[k]
	if !ok {
		busy = new(atomic.Bool)
		s.busy[k] = busy
	}
	j := &job{
		key:   k,
		expr:  sp.Schedule,
		busy:  busy,
		state: &runState{stats: JobStats{
			Coin:               k.coin,
			Kind:               k.kind,
			Enabled:            true,
			ScheduleExpression: sp.Schedule,
			StartedAt:          now,
		}},
	}
	j.entry = s.c.Schedule(sched, s.jobFunc(j))
	s.jobs[k] = j
	s.mu.Unlock()

	log.Info("job started", logx.String("schedule", parsed.String()))
	res.Status = StatusStarted
	return res
}

// StopJob stops kind for the given coins, or every running coin of that
// kind when none are named. Stopping a stopped job is a no-op.
func (s *Service) StopJob(kind Kind, coins ...string) []ActionResult {
	s.mu.Lock()
	if len(coins) == 0 {
		for k := range s.jobs {
			if k.kind == kind {
				coins = append(coins, k.coin)
			}
		}
		sort.Strings(coins)
	}
	out := make([]ActionResult, 0, len(coins))
	for _, coin := range coins {
		k := jobKey{coin, kind}
		res := ActionResult{Coin: coin, Kind: kind, Status: StatusNotRunning}
		if j, ok := s.jobs[k]; ok {
			s.c.Remove(j.entry)
			delete(s.jobs, k)
			res.Status = StatusStopped
		}
		out = append(out, res)
	}
	s.mu.Unlock()

	for _, r := range out {
		if r.Status == StatusStopped {
			s.log.Info("job stopped", logx.String("coin", r.Coin), logx.String("kind", string(kind)))
		}
	}
	return out
}

// Status returns the stats of a running job.
func (s *Service) Status(coin string, kind Kind) (JobStats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[jobKey{coin, kind}]
	var next time.Time
	if ok {
		next = s.c.Entry(j.entry).Next
	}
	s.mu.Unlock()
	if !ok {
		return JobStats{}, false
	}
	return withNext(j.state.snapshot(), next), true
}

// Stats returns the stats of every running job of coin, keyed by kind.
func (s *Service) Stats(coin string) map[Kind]JobStats {
	out := map[Kind]JobStats{}
	for _, kind := range Kinds {
		if st, ok := s.Status(coin, kind); ok {
			out[kind] = st
		}
	}
	return out
}

// Snapshot returns the stats of every running job ordered by coin then kind.
func (s *Service) Snapshot() []JobStats {
	s.mu.Lock()
	type pair struct {
		j    *job
		next time.Time
	}
	ps := make([]pair, 0, len(s.jobs))
	for _, j := range s.jobs {
		ps = append(ps, pair{j, s.c.Entry(j.entry).Next})
	}
	s.mu.Unlock()

	out := make([]JobStats, 0, len(ps))
	for _, p := range ps {
		out = append(out, withNext(p.j.state.snapshot(), p.next))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Coin != out[b].Coin {
			return out[a].Coin < out[b].Coin
		}
		return out[a].Kind < out[b].Kind
	})
	return out
}

func withNext(st JobStats, next time.Time) JobStats {
	if !next.IsZero() {
		st.NextRunAt = &next
	}
	return st
}

func (s *Service) jobFunc(j *job) cron.Job {
	return cron.FuncJob(func() { s.tick(j) })
}

// tick runs one scheduled execution. It never propagates errors or panics.
func (s *Service) tick(j *job) {
	coin, kind := j.key.coin, string(j.key.kind)
	log := s.log.With(logx.String("coin", coin), logx.String("kind", kind))

	if !j.busy.CompareAndSwap(false, true) {
		j.state.skip()
		s.publish(eventbus.JobSkipped, eventbus.JobEvent{Coin: coin, Kind: kind})
		now := s.now().UnixNano()
		if last := j.lastSkipWarn.Load(); now-last >= int64(skipWarnEvery) && j.lastSkipWarn.CompareAndSwap(last, now) {
			log.Warn("previous run still in flight; tick skipped")
		} else {
			log.Debug("tick skipped")
		}
		return
	}
	defer j.busy.Store(false)

	s.mu.Lock()
	base, timeout := s.ctx, s.cfg.RunTimeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := base, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	}
	defer cancel()

	start := s.now()
	s.publish(eventbus.JobStarted, eventbus.JobEvent{Coin: coin, Kind: kind})
	out, err := s.run(ctx, j, log)
	took := time.Since(start)
	j.state.finish(start, took, out, err)

	if err != nil {
		log.Warn("job run failed", logx.Duration("took", took), logx.Err(err))
		s.publish(eventbus.JobFailed, eventbus.JobEvent{Coin: coin, Kind: kind, Duration: took, Err: err})
		s.notify(notify.KindJobFailed, notify.Payload{"coin": coin, "kind": kind, "error": err.Error()})
		return
	}
	log.Debug("job run finished", logx.Duration("took", took), logx.Bool("submitted", out.Submitted))
	s.publish(eventbus.JobFinished, eventbus.JobEvent{Coin: coin, Kind: kind, Duration: took})
}

func (s *Service) run(ctx context.Context, j *job, log logx.Logger) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s job: %v", j.key.kind, r)
			log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.runner == nil {
		return Outcome{}, fmt.Errorf("no runner for %s", j.key.kind)
	}
	return s.runner.Run(ctx, j.key.coin, j.key.kind)
}

func (s *Service) publish(typ string, ev eventbus.JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}
}

func (s *Service) notify(kind string, p notify.Payload) {
	if s.notifier != nil {
		s.notifier.Notify(kind, p)
	}
}
