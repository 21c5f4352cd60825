package updater

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/deviation"
	"pricefeeder/internal/notify"
	"pricefeeder/internal/pricelog"
	"pricefeeder/internal/retry"
	"pricefeeder/internal/scheduler"
	"pricefeeder/internal/submit"
	logx "pricefeeder/pkg/logx"
)

var txID = "at1" + strings.Repeat("q", 55)

type fakeBackend struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  submit.Call
	out   submit.Output
	err   error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Execute(ctx context.Context, call submit.Call) (submit.Output, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.last = call
	b.mu.Unlock()
	return b.out, b.err
}

type recNotifier struct {
	mu      sync.Mutex
	kinds   []string
	success bool
}

func (n *recNotifier) Notify(kind string, _ notify.Payload) bool {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
	return true
}

func (n *recNotifier) NotifySuccess() bool { return n.success }

func (n *recNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

type fixture struct {
	store   pricelog.Store
	backend *fakeBackend
	notes   *recNotifier
	u       *Updater
	price   atomic.Value
	ts      atomic.Int64
}

func newFixture(t *testing.T, thresholds map[string]float64) *fixture {
	t.Helper()
	f := &fixture{backend: &fakeBackend{}, notes: &recNotifier{}}
	f.price.Store("50000")
	f.ts.Store(1_700_000_000_000)

	st, err := pricelog.Open(pricelog.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f.store = st

	r, err := attest.NewRetriever(attest.RetrieverOptions{
		Endpoints: []attest.Endpoint{{Address: "n1.test", Port: 443, UseTLS: true}},
		Recorder:  st,
		Requests:  func(coin string) attest.Request { return attest.Request{URL: "https://px.test/" + coin} },
		Provider: attest.ProviderFunc(func(ctx context.Context, ep attest.Endpoint, req attest.Request) ([]attest.Attestation, error) {
			return []attest.Attestation{{
				Price:     f.price.Load().(string),
				Timestamp: f.ts.Add(1000),
				Proof:     attest.Proof{UserData: "ud", Report: "rep", Signature: "sig", Address: "addr"},
			}}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := submit.NewSubmitter(f.backend, "price_oracle.aleo", retry.Policy{MaxAttempts: 1}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	f.u, err = New(Options{
		Attestor:  r,
		Evaluator: deviation.NewEvaluator(st, thresholds),
		Submitter: sub,
		Notifier:  f.notes,
		Function:  "set_price",
		Coins:     func() []string { return []string{"BTC", "ETH"} },
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) seed(t *testing.T, coin, price string, ts int64) {
	t.Helper()
	if err := f.store.Append(context.Background(), coin, pricelog.Entry{Timestamp: ts, Price: price}); err != nil {
		t.Fatal(err)
	}
}

func TestDeviationBelowThresholdSkipsSubmission(t *testing.T) {
	f := newFixture(t, map[string]float64{"BTC": 2})
	f.seed(t, "BTC", "50000", 1_600_000_000_000)
	f.price.Store("50900")

	rep, err := f.u.Deviation(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Submitted || f.backend.calls.Load() != 0 {
		t.Fatal("1.8% move must not submit at a 2% threshold")
	}
	if rep.Decision == nil || rep.Decision.Reason != deviation.ReasonBelow {
		t.Fatalf("decision: %+v", rep.Decision)
	}
	last, ok, err := f.store.Last(context.Background(), "BTC")
	if err != nil || !ok || last.Price != "50900" || last.Timestamp != rep.Timestamp {
		t.Fatalf("price log should hold the new price: %+v ok=%v err=%v", last, ok, err)
	}
	if rep.TxID != "" {
		t.Fatalf("no tx expected, got %q", rep.TxID)
	}
}

func TestDeviationAboveThresholdSubmits(t *testing.T) {
	f := newFixture(t, map[string]float64{"BTC": 2})
	f.seed(t, "BTC", "50000", 1_600_000_000_000)
	f.price.Store("51500")
	f.backend.out = submit.Output{Text: "Broadcasting transaction " + txID + "\n"}

	rep, err := f.u.Deviation(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Submitted || rep.Result == nil {
		t.Fatalf("3%% move should submit: %+v", rep)
	}
	r := *rep.Result
	if r.Coin != "BTC" || r.TxIDString() != txID || r.Error != nil {
		t.Fatalf("result: %+v", r)
	}
	if got := f.backend.last; got.Function != "set_price" || strings.Join(got.Inputs, ",") != "ud,rep,sig,addr" {
		t.Fatalf("call: %+v", got)
	}
}

func TestDeviationWithoutBaselineSubmits(t *testing.T) {
	f := newFixture(t, map[string]float64{"ETH": 50})
	f.price.Store("3000")
	rep, err := f.u.Deviation(context.Background(), "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Submitted || rep.Decision.Reason != deviation.ReasonNoBaseline {
		t.Fatalf("first price must submit: %+v", rep)
	}
}

func TestPeriodicAlwaysSubmits(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "BTC", "50000", 1)
	f.backend.out = submit.Output{TxID: txID}

	for range 2 {
		rep, err := f.u.Periodic(context.Background(), "BTC")
		if err != nil || !rep.Submitted {
			t.Fatalf("periodic: %+v %v", rep, err)
		}
	}
	if n := f.backend.calls.Load(); n != 2 {
		t.Fatalf("calls=%d", n)
	}
}

func TestSubmissionFailureFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.err = retry.NoRetry(retry.ErrBroadcastRejected)

	out, err := f.u.Run(context.Background(), "BTC", scheduler.KindPeriodic)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("want ErrSubmissionFailed, got %v", err)
	}
	if !out.Submitted || out.TxID != "" {
		t.Fatalf("outcome: %+v", out)
	}
	// Retrieval still recorded the price.
	if _, ok, _ := f.store.Last(context.Background(), "BTC"); !ok {
		t.Fatal("price log should be appended even when submission fails")
	}
}

func TestRunRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.u.Run(context.Background(), "BTC", "hourly"); !errors.Is(err, scheduler.ErrUnknownJobKind) {
		t.Fatalf("got %v", err)
	}
}

func TestSuccessNotificationOptIn(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.out = submit.Output{TxID: txID}
	if _, err := f.u.Periodic(context.Background(), "BTC"); err != nil {
		t.Fatal(err)
	}
	if len(f.notes.got()) != 0 {
		t.Fatal("success is silent by default")
	}
	f.notes.success = true
	if _, err := f.u.Periodic(context.Background(), "BTC"); err != nil {
		t.Fatal(err)
	}
	if got := f.notes.got(); len(got) != 1 || got[0] != notify.KindSubmitted {
		t.Fatalf("notifications: %v", got)
	}
}

func TestTriggerPerCoinResults(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.out = submit.Output{TxID: txID}

	res := f.u.Trigger(context.Background(), []string{"BTC", "DOGE", "ETH"})
	if len(res) != 3 {
		t.Fatalf("results: %+v", res)
	}
	if !res[0].OK() || res[0].Coin != "BTC" || res[0].TxIDString() != txID {
		t.Fatalf("BTC: %+v", res[0])
	}
	if res[1].OK() || !strings.Contains(*res[1].Error, "not configured") {
		t.Fatalf("DOGE should fail alone: %+v", res[1])
	}
	if !res[2].OK() || res[2].Coin != "ETH" {
		t.Fatalf("ETH: %+v", res[2])
	}
}

func TestTriggerAllCoinsReportsFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.err = errors.New("cli exploded")

	res := f.u.Trigger(context.Background(), nil)
	if len(res) != 2 {
		t.Fatalf("want both configured coins, got %+v", res)
	}
	for _, r := range res {
		if r.OK() || r.TxID != nil {
			t.Fatalf("expected failure: %+v", r)
		}
	}
	if got := f.notes.got(); len(got) != 2 || got[0] != notify.KindSubmitFailed {
		t.Fatalf("notifications: %v", got)
	}
}

func TestInputsOrder(t *testing.T) {
	in := Inputs(attest.Proof{UserData: " u ", Report: "r", Signature: "s", Address: "a", RequestHash: "h"})
	if strings.Join(in, "|") != "u|r|s|a" {
		t.Fatalf("inputs: %v", in)
	}
}
