package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pricefeeder/internal/retry"
	logx "pricefeeder/pkg/logx"
)

var sampleTx = "at1" + strings.Repeat("q9", 29)

type fakeBackend struct {
	calls int
	fn    func(n int) (Output, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Execute(ctx context.Context, call Call) (Output, error) {
	f.calls++
	return f.fn(f.calls)
}

func fastPolicy(n int) retry.Policy { return retry.Policy{MaxAttempts: n, Base: time.Millisecond} }

func TestSubmitExtractsTxIDFromText(t *testing.T) {
	t.Parallel()

	be := &fakeBackend{fn: func(int) (Output, error) {
		return Output{Text: "broadcasting...\ntransaction " + sampleTx + " accepted"}, nil
	}}
	s, err := NewSubmitter(be, "price_oracle.aleo", fastPolicy(3), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res := s.Submit(context.Background(), []string{"a", "b"}, "set_price", "BTC")
	if !res.OK() || res.TxIDString() != sampleTx || res.Coin != "BTC" {
		t.Fatalf("res = %+v", res)
	}

	b, _ := json.Marshal(res)
	want := fmt.Sprintf(`{"coinName":"BTC","txnId":%q,"errorMsg":null}`, sampleTx)
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	be := &fakeBackend{fn: func(n int) (Output, error) {
		if n < 3 {
			return Output{}, errors.New("node unreachable")
		}
		return Output{TxID: sampleTx}, nil
	}}
	s, _ := NewSubmitter(be, "", fastPolicy(3), logx.Nop())
	res := s.Submit(context.Background(), nil, "f", "ETH")
	if !res.OK() || be.calls != 3 {
		t.Fatalf("res = %+v calls = %d", res, be.calls)
	}
}

func TestSubmitBroadcastRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	be := &fakeBackend{fn: func(int) (Output, error) {
		return Output{}, retry.NoRetry(fmt.Errorf("%w: status 500", retry.ErrBroadcastRejected))
	}}
	s, _ := NewSubmitter(be, "", fastPolicy(5), logx.Nop())
	res := s.Submit(context.Background(), nil, "f", "BTC")
	if res.OK() || res.TxID != nil || res.Error == nil {
		t.Fatalf("res = %+v", res)
	}
	if be.calls != 1 {
		t.Fatalf("calls = %d, want 1", be.calls)
	}
}

func TestSubmitExhaustedReportsError(t *testing.T) {
	t.Parallel()

	var observed Result
	be := &fakeBackend{fn: func(int) (Output, error) { return Output{}, errors.New("boom") }}
	s, _ := NewSubmitter(be, "", fastPolicy(2), logx.Nop())
	s.OnResult = func(backend string, res Result, took time.Duration) { observed = res }

	res := s.Submit(context.Background(), nil, "f", "SOL")
	if res.OK() || !strings.Contains(*res.Error, "boom") || be.calls != 2 {
		t.Fatalf("res = %+v calls = %d", res, be.calls)
	}
	if observed.Coin != "SOL" {
		t.Fatalf("OnResult not called: %+v", observed)
	}
}

func TestNewSubmitterPresets(t *testing.T) {
	t.Parallel()

	cli, _ := NewCLIBackend(CLIConfig{Binary: "true"}, nil, logx.Nop())
	s, _ := NewSubmitter(cli, "", retry.Policy{}, logx.Nop())
	if s.policy.MaxAttempts != 3 {
		t.Fatalf("cli attempts = %d, want 3", s.policy.MaxAttempts)
	}
	pb, _ := NewProverBackend(ProverConfig{URL: "http://p", ConsumerID: "c", APIKey: "k"}, AuthorizerFunc(func(context.Context, Call) (Authorization, error) {
		return Authorization{}, nil
	}), logx.Nop())
	s, _ = NewSubmitter(pb, "", retry.Policy{}, logx.Nop())
	if s.policy.MaxAttempts != 1 {
		t.Fatalf("delegated attempts = %d, want 1", s.policy.MaxAttempts)
	}
}

func TestExtractTxID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"tx: " + sampleTx, sampleTx},
		{"short at123 token", ""},
		{"aleo1qat" + strings.Repeat("x", 60), ""},
		{"transaction_" + sampleTx + " done", sampleTx},
		{"id=" + sampleTx + ",", sampleTx},
		{sampleTx, sampleTx},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractTxID(tc.in); got != tc.want {
			t.Fatalf("ExtractTxID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
