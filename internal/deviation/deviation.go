// Package deviation decides whether a new price differs enough from the last
// tracked price to warrant an on-chain update.
package deviation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"pricefeeder/internal/pricelog"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonNoBaseline   Reason = "no_baseline"
	ReasonZeroBaseline Reason = "zero_baseline"
	ReasonAbove        Reason = "threshold_met"
	ReasonBelow        Reason = "below_threshold"
)

type Decision struct {
	Update       bool    `json:"update"`
	Reason       Reason  `json:"reason"`
	DeviationPct float64 `json:"deviationPct"`
	Threshold    float64 `json:"threshold"`
	Last         string  `json:"last,omitempty"`
	Current      string  `json:"current"`
}

// Decide is the pure evaluation rule:
//   - no baseline: update
//   - baseline of exactly zero: update (ratio undefined)
//   - |current-last| / last * 100 >= threshold: update
func Decide(baseline pricelog.Entry, ok bool, current string, threshold float64) (Decision, error) {
	d := Decision{Threshold: threshold, Current: current}
	cur, err := decimal.NewFromString(current)
	if err != nil {
		return d, fmt.Errorf("parse current price %q: %w", current, err)
	}
	if !ok {
		d.Update, d.Reason = true, ReasonNoBaseline
		return d, nil
	}
	d.Last = baseline.Price
	last, err := decimal.NewFromString(baseline.Price)
	if err != nil {
		return d, fmt.Errorf("parse last price %q: %w", baseline.Price, err)
	}
	if last.IsZero() {
		d.Update, d.Reason = true, ReasonZeroBaseline
		return d, nil
	}

	c, _ := cur.Float64()
	l, _ := last.Float64()
	d.DeviationPct = math.Abs(c-l) / l * 100
	if d.DeviationPct >= threshold {
		d.Update, d.Reason = true, ReasonAbove
	} else {
		d.Reason = ReasonBelow
	}
	return d, nil
}

// Baseline is the read side of the price log.
type Baseline interface {
	Last(ctx context.Context, coin string) (pricelog.Entry, bool, error)
}

// Evaluator applies Decide with per-coin thresholds.
type Evaluator struct {
	store Baseline

	mu         sync.RWMutex
	thresholds map[string]float64
}

func NewEvaluator(store Baseline, thresholds map[string]float64) *Evaluator {
	e := &Evaluator{store: store}
	e.Apply(thresholds)
	return e
}

// Apply swaps the per-coin thresholds (config reload).
func (e *Evaluator) Apply(thresholds map[string]float64) {
	cp := make(map[string]float64, len(thresholds))
	for k, v := range thresholds {
		cp[k] = v
	}
	e.mu.Lock()
	e.thresholds = cp
	e.mu.Unlock()
}

func (e *Evaluator) Threshold(coin string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.thresholds[coin]
	return t, ok
}

// Baseline returns the last tracked price of a coin.
func (e *Evaluator) Baseline(ctx context.Context, coin string) (pricelog.Entry, bool, error) {
	return e.store.Last(ctx, coin)
}

// ShouldUpdate compares current against the stored baseline.
func (e *Evaluator) ShouldUpdate(ctx context.Context, coin, current string) (Decision, error) {
	last, ok, err := e.store.Last(ctx, coin)
	if err != nil {
		return Decision{}, fmt.Errorf("read baseline for %s: %w", coin, err)
	}
	return e.Evaluate(coin, last, ok, current)
}

// Evaluate decides against an explicitly supplied baseline.
func (e *Evaluator) Evaluate(coin string, last pricelog.Entry, ok bool, current string) (Decision, error) {
	t, found := e.Threshold(coin)
	if !found {
		return Decision{}, fmt.Errorf("no deviation threshold configured for %s", coin)
	}
	return Decide(last, ok, current, t)
}
