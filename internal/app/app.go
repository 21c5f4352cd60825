// Package app wires the feeder together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/config"
	"pricefeeder/internal/deviation"
	"pricefeeder/internal/eventbus"
	"pricefeeder/internal/httpapi"
	"pricefeeder/internal/metrics"
	"pricefeeder/internal/notify"
	"pricefeeder/internal/pricelog"
	rtsup "pricefeeder/internal/runtime/supervisor"
	"pricefeeder/internal/scheduler"
	"pricefeeder/internal/submit"
	"pricefeeder/internal/updater"
	logx "pricefeeder/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     pricelog.Store
	metrics   *metrics.Metrics
	retriever *attest.Retriever
	eval      *deviation.Evaluator
	submitter *submit.Submitter
	queue     *submit.Queue
	upd       *updater.Updater
	sched     *scheduler.Service
	notif     *notify.Service
	http      *httpapi.Server

	reqs atomic.Pointer[requestSet]
	// applied is the config the running components were last set from.
	applied atomic.Pointer[config.Config]
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	a.reqs.Store(mapRequests(cfg))
	a.applied.Store(cfg)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(ncfg, nil, log, a.bus)
	logSvc.SetAlertSink(a.alert)

	plc, err := mapPriceLogConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = pricelog.Open(plc, log.With(logx.String("comp", "pricelog"))); err != nil {
		return nil, err
	}

	timeout, err := config.ParseDurationOrDefault("attestation.timeout", cfg.Attestation.Timeout, 30*time.Second)
	if err != nil {
		return nil, a.abort(err)
	}
	a.retriever, err = attest.NewRetriever(attest.RetrieverOptions{
		Endpoints: mapEndpoints(cfg),
		Provider:  attest.NewHTTPProvider(timeout),
		Recorder:  a.store,
		Requests:  func(coin string) attest.Request { return a.reqs.Load().build(coin) },
		Log:       log,
		OnAttempt: a.metrics.ObserveAttempt,
		OnRecordError: func(coin string, err error) {
			a.notif.Notify(notify.KindPriceLogError, notify.Payload{"coin": coin, "error": err.Error()})
		},
	})
	if err != nil {
		return nil, a.abort(err)
	}

	a.eval = deviation.NewEvaluator(a.store, cfg.Thresholds())

	bs, err := buildBackend(cfg, log)
	if err != nil {
		return nil, a.abort(err)
	}
	a.queue = bs.queue
	if a.submitter, err = submit.NewSubmitter(bs.backend, cfg.Submitter.Program, bs.policy, log); err != nil {
		return nil, a.abort(err)
	}
	a.submitter.OnResult = a.metrics.ObserveSubmission
	if a.queue != nil {
		if err := a.metrics.RegisterQueue(a.queue); err != nil {
			return nil, a.abort(err)
		}
	}

	a.upd, err = updater.New(updater.Options{
		Attestor:   a.retriever,
		Evaluator:  a.eval,
		Submitter:  a.submitter,
		Notifier:   a.notif,
		Bus:        a.bus,
		Log:        log,
		Function:   cfg.Submitter.Function,
		Coins:      func() []string { return a.cfgm.Get().CoinNames() },
		OnDecision: a.metrics.ObserveDecision,
	})
	if err != nil {
		return nil, a.abort(err)
	}

	a.sched = scheduler.New(cfg.SchedulerSettings(), a.upd, log, a.bus, a.notif)
	if err := a.sched.SetSpecs(cfg.JobSpecs()); err != nil {
		return nil, a.abort(err)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	deps := httpapi.Deps{
		Scheduler: a.sched,
		Updater:   a.upd,
		Prices:    a.store,
		Notifier:  a.notif,
		Metrics:   a.metrics.Handler(),
	}
	if a.queue != nil {
		deps.Queue = a.queue
	}
	a.http = httpapi.NewServer(hc, deps, log)

	a.log.Info("feeder configured",
		logx.Strings("coins", cfg.CoinNames()),
		logx.Int("notarizers", len(cfg.Notarizers)),
		logx.String("backend", a.submitter.Backend()),
		logx.String("price_log", plc.Driver),
	)
	return a, nil
}

// abort releases what New opened before failing.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

// alert forwards alert-level log lines to the notifier. Lines from the
// notifier itself are skipped so a failing webhook cannot feed itself.
func (a *App) alert(level, text string) {
	if a.notif == nil || strings.Contains(text, "comp=notify") {
		return
	}
	a.notif.Notify(notify.KindLog, notify.Payload{"level": level, "message": text})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Logger() logx.Logger { return a.log }

// Context is canceled when the app stops. Before Start it is already done.
func (a *App) Context() context.Context {
	if a.sup == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return a.sup.Context()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Trigger runs a one-off update for coins (all configured coins when empty).
// It works without Start.
func (a *App) Trigger(ctx context.Context, coins []string) []submit.Result {
	return a.upd.Trigger(ctx, coins)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	for _, err := range a.cfgm.Get().ScheduleProblems() {
		a.log.Warn("job schedule invalid; job will not start", logx.Err(err))
	}

	a.notif.Start(c)
	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	a.sched.Start(c)
	if err := a.http.Start(); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("control surface: %w", err)
	}

	reloads := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reloads)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-reloads:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case next, ok := <-reloads:
						if !ok {
							return
						}
						cfg = next
					default:
						drained = true
					}
				}
				a.applyConfig(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(a.applied.Load(), cfg)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.eval.Apply(cfg.Thresholds())
	a.reqs.Store(mapRequests(cfg))
	a.retriever.SetEndpoints(mapEndpoints(cfg))
	a.upd.SetFunction(cfg.Submitter.Function)

	if err := a.sched.SetSpecs(cfg.JobSpecs()); err != nil {
		a.log.Warn("invalid job specs; keeping previous", logx.Err(err))
	}
	a.sched.Apply(cfg.SchedulerSettings())
	for _, err := range cfg.ScheduleProblems() {
		a.log.Warn("job schedule invalid; job will not start", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Reconfigure(ctx, hc); err != nil {
		a.log.Warn("control surface reconfigure failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Time: time.Now(), Data: sections})
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
	a.applied.Store(cfg)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// In-flight runs may be mid-submission; give them the longest window.
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("pricelog", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
