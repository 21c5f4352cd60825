// Package updater holds the job bodies: periodic, deviation-based and
// one-off updates. Each run is strictly sequential:
// retrieve, evaluate, submit, record.
package updater

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/deviation"
	"pricefeeder/internal/eventbus"
	"pricefeeder/internal/notify"
	"pricefeeder/internal/pricelog"
	"pricefeeder/internal/scheduler"
	"pricefeeder/internal/submit"
	logx "pricefeeder/pkg/logx"
)

var (
	ErrUnknownCoin      = errors.New("coin not configured")
	ErrSubmissionFailed = errors.New("submission failed")
)

// Attestor obtains a signed price for a coin.
type Attestor interface {
	GetAttestation(ctx context.Context, coin string) (attest.Result, error)
}

// Evaluator is the deviation rule with its baseline source.
type Evaluator interface {
	Baseline(ctx context.Context, coin string) (pricelog.Entry, bool, error)
	Evaluate(coin string, last pricelog.Entry, ok bool, current string) (deviation.Decision, error)
}

// Submitter sends program inputs on-chain.
type Submitter interface {
	Submit(ctx context.Context, inputs []string, function, label string) submit.Result
	Backend() string
}

// Notifier is the alerting sink.
type Notifier interface {
	Notify(kind string, payload notify.Payload) bool
	NotifySuccess() bool
}

type Options struct {
	Attestor  Attestor
	Evaluator Evaluator
	Submitter Submitter
	Notifier  Notifier
	Bus       eventbus.Bus
	Log       logx.Logger

	// Function is the program function called with the proof inputs.
	Function string
	// Coins lists the configured coins; Trigger with no coins updates all.
	Coins func() []string

	// OnDecision observes every deviation decision (metrics).
	OnDecision func(coin string, d deviation.Decision)
}

// Updater implements scheduler.Runner.
type Updater struct {
	att  Attestor
	eval Evaluator
	sub  Submitter
	n    Notifier
	bus  eventbus.Bus
	log  logx.Logger

	mu       sync.RWMutex
	function string

	coins      func() []string
	onDecision func(string, deviation.Decision)
}

func New(opts Options) (*Updater, error) {
	if opts.Attestor == nil || opts.Submitter == nil {
		return nil, errors.New("updater needs an attestor and a submitter")
	}
	if opts.Function == "" {
		return nil, errors.New("submitter function is required")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	coins := opts.Coins
	if coins == nil {
		coins = func() []string { return nil }
	}
	return &Updater{
		att:        opts.Attestor,
		eval:       opts.Evaluator,
		sub:        opts.Submitter,
		n:          opts.Notifier,
		bus:        opts.Bus,
		log:        opts.Log.With(logx.String("comp", "updater")),
		function:   opts.Function,
		coins:      coins,
		onDecision: opts.OnDecision,
	}, nil
}

// SetFunction changes the program function for subsequent runs.
func (u *Updater) SetFunction(fn string) {
	if fn == "" {
		return
	}
	u.mu.Lock()
	u.function = fn
	u.mu.Unlock()
}

func (u *Updater) fn() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.function
}

// Run dispatches a scheduled tick to the job body of kind.
func (u *Updater) Run(ctx context.Context, coin string, kind scheduler.Kind) (scheduler.Outcome, error) {
	var (
		rep Report
		err error
	)
	switch kind {
	case scheduler.KindPeriodic:
		rep, err = u.Periodic(ctx, coin)
	case scheduler.KindDeviation:
		rep, err = u.Deviation(ctx, coin)
	default:
		return scheduler.Outcome{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownJobKind, kind)
	}
	return scheduler.Outcome{Submitted: rep.Submitted, TxID: rep.TxID}, err
}

// Periodic retrieves a fresh attestation and always submits it.
func (u *Updater) Periodic(ctx context.Context, coin string) (Report, error) {
	rep := Report{Coin: coin, Kind: scheduler.KindPeriodic}
	res, err := u.retrieve(ctx, coin)
	if err != nil {
		return rep.fail(err)
	}
	rep.withAttestation(res)
	return u.submit(ctx, rep, res)
}

// Deviation submits only when the new price moved at least the coin's
// threshold away from the last tracked price. The baseline is read before
// retrieval appends the new entry.
func (u *Updater) Deviation(ctx context.Context, coin string) (Report, error) {
	rep := Report{Coin: coin, Kind: scheduler.KindDeviation}
	if u.eval == nil {
		return rep.fail(errors.New("deviation evaluator not configured"))
	}
	last, ok, err := u.eval.Baseline(ctx, coin)
	if err != nil {
		return rep.fail(fmt.Errorf("read baseline: %w", err))
	}
	res, err := u.retrieve(ctx, coin)
	if err != nil {
		return rep.fail(err)
	}
	rep.withAttestation(res)

	dec, err := u.eval.Evaluate(coin, last, ok, res.Price)
	if err != nil {
		return rep.fail(err)
	}
	rep.Decision = &dec
	if u.onDecision != nil {
		u.onDecision(coin, dec)
	}
	log := u.log.With(logx.String("coin", coin), logx.String("price", res.Price), logx.String("reason", string(dec.Reason)))
	if !dec.Update {
		log.Info("deviation below threshold; no update", logx.Float64("deviation_pct", dec.DeviationPct), logx.Float64("threshold", dec.Threshold))
		return rep, nil
	}
	log.Info("deviation update required", logx.Float64("deviation_pct", dec.DeviationPct), logx.Float64("threshold", dec.Threshold))
	return u.submit(ctx, rep, res)
}

func (u *Updater) retrieve(ctx context.Context, coin string) (attest.Result, error) {
	res, err := u.att.GetAttestation(ctx, coin)
	if err != nil {
		return attest.Result{}, err
	}
	if u.bus != nil {
		u.bus.Publish(eventbus.Event{Type: eventbus.PriceUpdated, Data: eventbus.PriceEvent{
			Coin: coin, Price: res.Price, Timestamp: res.Timestamp, Endpoint: res.Endpoint,
		}})
	}
	return res, nil
}

func (u *Updater) submit(ctx context.Context, rep Report, res attest.Result) (Report, error) {
	sr := u.sub.Submit(ctx, Inputs(res.Proof), u.fn(), res.Coin)
	rep.Submitted = true
	rep.Result = &sr
	if !sr.OK() {
		return rep.fail(fmt.Errorf("%w: %s", ErrSubmissionFailed, *sr.Error))
	}
	rep.TxID = sr.TxIDString()
	if u.n != nil && u.n.NotifySuccess() {
		u.n.Notify(notify.KindSubmitted, notify.Payload{
			"coin": res.Coin, "price": res.Price, "tx": rep.TxID, "backend": u.sub.Backend(), "kind": string(rep.Kind),
		})
	}
	return rep, nil
}

// Trigger runs a one-off unconditional update for each coin concurrently,
// or for every configured coin when none are named. A failing coin never
// fails the batch; results keep the request order.
func (u *Updater) Trigger(ctx context.Context, coins []string) []submit.Result {
	known := u.coins()
	if len(coins) == 0 {
		coins = known
	}
	out := make([]submit.Result, len(coins))
	var wg sync.WaitGroup
	for i, coin := range coins {
		if len(known) > 0 && !slices.Contains(known, coin) {
			out[i] = submit.Failure(coin, fmt.Errorf("%w: %s", ErrUnknownCoin, coin))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = u.triggerOne(ctx, coin)
		}()
	}
	wg.Wait()
	return out
}

func (u *Updater) triggerOne(ctx context.Context, coin string) (res submit.Result) {
	start := time.Now()
	log := u.log.With(logx.String("coin", coin), logx.String("kind", "trigger"))
	defer func() {
		if r := recover(); r != nil {
			log.Error("trigger panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = submit.Failure(coin, fmt.Errorf("panic: %v", r))
		}
		if !res.OK() && u.n != nil {
			u.n.Notify(notify.KindSubmitFailed, notify.Payload{"coin": coin, "kind": "trigger", "error": *res.Error})
		}
	}()

	rep, err := u.Periodic(ctx, coin)
	if err != nil {
		log.Warn("one-off update failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		if rep.Result != nil {
			return *rep.Result
		}
		return submit.Failure(coin, err)
	}
	log.Info("one-off update done", logx.String("tx", rep.TxID), logx.Duration("took", time.Since(start)))
	return *rep.Result
}
