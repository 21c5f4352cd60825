package attest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"pricefeeder/internal/pricelog"
	logx "pricefeeder/pkg/logx"
)

// PriceRecorder is the append side of the price log.
type PriceRecorder interface {
	Append(ctx context.Context, coin string, e pricelog.Entry) error
}

// RetrieverOptions configures a Retriever.
type RetrieverOptions struct {
	Endpoints []Endpoint
	Provider  Provider
	Recorder  PriceRecorder
	// Requests maps a coin to its notarization request.
	Requests func(coin string) Request
	Log      logx.Logger

	// OnAttempt observes every notarizer call (metrics).
	OnAttempt func(ep Endpoint, err error)
	// OnRecordError is called when the price log append fails.
	OnRecordError func(coin string, err error)

	// IntN defaults to math/rand/v2.IntN. Overridable in tests.
	IntN func(n int) int
}

// Retriever obtains attestations with randomized failover across notarizers.
type Retriever struct {
	endpoints atomic.Pointer[[]Endpoint]
	provider  Provider
	recorder  PriceRecorder
	requests  func(string) Request
	log       logx.Logger

	onAttempt     func(Endpoint, error)
	onRecordError func(string, error)
	intn          func(int) int
}

func NewRetriever(opts RetrieverOptions) (*Retriever, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("at least one notarizer endpoint is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("attestation provider is required")
	}
	if opts.Requests == nil {
		return nil, errors.New("request builder is required")
	}
	r := &Retriever{
		provider:      opts.Provider,
		recorder:      opts.Recorder,
		requests:      opts.Requests,
		log:           opts.Log.With(logx.String("comp", "attest")),
		onAttempt:     opts.OnAttempt,
		onRecordError: opts.OnRecordError,
		intn:          opts.IntN,
	}
	if r.intn == nil {
		r.intn = rand.IntN
	}
	r.SetEndpoints(opts.Endpoints)
	return r, nil
}

// SetEndpoints replaces the notarizer set. Empty sets are ignored. A
// provider that caches per-endpoint transports is reset.
func (r *Retriever) SetEndpoints(eps []Endpoint) {
	if len(eps) == 0 {
		return
	}
	cp := append([]Endpoint(nil), eps...)
	r.endpoints.Store(&cp)
	if rs, ok := r.provider.(interface{ Reset() }); ok {
		rs.Reset()
	}
}

func (r *Retriever) Endpoints() []Endpoint {
	return append([]Endpoint(nil), (*r.endpoints.Load())...)
}

// outcome is the result of asking one notarizer.
type outcome struct {
	res Result
	err error
}

// GetAttestation tries each notarizer at most once in random order and
// returns the first success. Every success is appended to the price log.
func (r *Retriever) GetAttestation(ctx context.Context, coin string) (Result, error) {
	req := r.requests(coin)

	// Per-call candidate array: shuffle, then pick a random index from the
	// remaining window and swap-remove it.
	cands := r.Endpoints()
	for i := len(cands) - 1; i > 0; i-- {
		j := r.intn(i + 1)
		cands[i], cands[j] = cands[j], cands[i]
	}

	var last error
	for n := len(cands); n > 0; n-- {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			break
		}
		k := r.intn(n)
		ep := cands[k]
		cands[k] = cands[n-1]

		o := r.try(ctx, coin, ep, req)
		if r.onAttempt != nil {
			r.onAttempt(ep, o.err)
		}
		if o.err == nil {
			r.record(ctx, o.res)
			return o.res, nil
		}
		last = o.err
		r.log.Warn("notarizer failed", logx.String("coin", coin), logx.String("endpoint", ep.String()), logx.Err(o.err))
	}
	return Result{}, fmt.Errorf("%w for %s: %v", ErrNoAttestation, coin, last)
}

func (r *Retriever) try(ctx context.Context, coin string, ep Endpoint, req Request) outcome {
	atts, err := r.provider.Notarize(ctx, ep, req)
	if err != nil {
		return outcome{err: err}
	}
	if len(atts) == 0 {
		return outcome{err: errors.New("empty attestation response")}
	}
	a := atts[0]
	src := a.SourceURL
	if src == "" {
		src = req.URL
	}
	return outcome{res: Result{
		Coin:      coin,
		Timestamp: a.Timestamp,
		Price:     a.Price,
		Proof:     a.Proof,
		SourceURL: src,
		Endpoint:  ep.String(),
	}}
}

func (r *Retriever) record(ctx context.Context, res Result) {
	if r.recorder == nil {
		return
	}
	ts := res.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	err := r.recorder.Append(ctx, res.Coin, pricelog.Entry{Timestamp: ts, Price: res.Price})
	if err == nil {
		return
	}
	r.log.Error("price log append failed", logx.String("coin", res.Coin), logx.Err(err))
	if r.onRecordError != nil {
		r.onRecordError(res.Coin, err)
	}
}
