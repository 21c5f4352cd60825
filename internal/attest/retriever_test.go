package attest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"pricefeeder/internal/pricelog"
	logx "pricefeeder/pkg/logx"
)

type memRecorder struct {
	mu      sync.Mutex
	entries map[string][]pricelog.Entry
	err     error
}

func (m *memRecorder) Append(ctx context.Context, coin string, e pricelog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.entries == nil {
		m.entries = map[string][]pricelog.Entry{}
	}
	m.entries[coin] = append(m.entries[coin], e)
	return nil
}

func endpoints(n int) []Endpoint {
	out := make([]Endpoint, n)
	for i := range out {
		out[i] = Endpoint{Address: fmt.Sprintf("n%d.test", i), Port: 8000 + i}
	}
	return out
}

func staticRequests(coin string) Request { return Request{URL: "https://px.test/" + coin} }

func TestGetAttestationFirstSuccessWins(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	rec := &memRecorder{}
	r, err := NewRetriever(RetrieverOptions{
		Endpoints: endpoints(4),
		Requests:  staticRequests,
		Recorder:  rec,
		Log:       logx.Nop(),
		Provider: ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return []Attestation{{Price: "50900", Timestamp: 1700000000000, Proof: Proof{Signature: "sig"}}}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.GetAttestation(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if res.Coin != "BTC" || res.Price != "50900" || res.SourceURL != "https://px.test/BTC" || res.Proof.Signature != "sig" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := rec.entries["BTC"]; len(got) != 1 || got[0].Price != "50900" || got[0].Timestamp != 1700000000000 {
		t.Fatalf("recorded = %+v", got)
	}
}

func TestGetAttestationTriesEachCandidateOnce(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 5, 9} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			t.Parallel()

			seen := map[string]int{}
			rec := &memRecorder{}
			r, err := NewRetriever(RetrieverOptions{
				Endpoints: endpoints(n),
				Requests:  staticRequests,
				Recorder:  rec,
				Provider: ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
					seen[ep.String()]++
					return nil, fmt.Errorf("down %s", ep.Address)
				}),
			})
			if err != nil {
				t.Fatal(err)
			}

			_, err = r.GetAttestation(context.Background(), "ETH")
			if !errors.Is(err, ErrNoAttestation) {
				t.Fatalf("err = %v, want ErrNoAttestation", err)
			}
			if len(seen) != n {
				t.Fatalf("distinct endpoints tried = %d, want %d", len(seen), n)
			}
			for ep, c := range seen {
				if c != 1 {
					t.Fatalf("%s tried %d times", ep, c)
				}
			}
			if len(rec.entries) != 0 {
				t.Fatalf("nothing should be recorded on failure")
			}
		})
	}
}

func TestGetAttestationFailsOverToHealthyNotarizer(t *testing.T) {
	t.Parallel()

	eps := endpoints(3)
	healthy := eps[2].String()
	attempts := 0
	r, err := NewRetriever(RetrieverOptions{
		Endpoints: eps,
		Requests:  staticRequests,
		// Always pick the first remaining slot.
		IntN: func(n int) int { return 0 },
		Provider: ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
			attempts++
			if ep.String() != healthy {
				return nil, errors.New("unavailable")
			}
			return []Attestation{{Price: "1.5", Timestamp: 1}}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.GetAttestation(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if res.Endpoint != healthy {
		t.Fatalf("endpoint = %s, want %s", res.Endpoint, healthy)
	}
	if attempts > len(eps) {
		t.Fatalf("attempts = %d exceeds candidates", attempts)
	}
}

func TestGetAttestationReturnsLastError(t *testing.T) {
	t.Parallel()

	r, err := NewRetriever(RetrieverOptions{
		Endpoints: endpoints(1),
		Requests:  staticRequests,
		Provider: ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
			return nil, errors.New("tls handshake timeout")
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.GetAttestation(context.Background(), "BTC")
	if err == nil || !errors.Is(err, ErrNoAttestation) {
		t.Fatalf("err = %v", err)
	}
	if want := "tls handshake timeout"; !strings.Contains(err.Error(), want) {
		t.Fatalf("err %q does not mention %q", err, want)
	}
}

func TestGetAttestationRecordFailureKeepsResult(t *testing.T) {
	t.Parallel()

	var reported error
	r, err := NewRetriever(RetrieverOptions{
		Endpoints:     endpoints(2),
		Requests:      staticRequests,
		Recorder:      &memRecorder{err: errors.New("disk full")},
		OnRecordError: func(coin string, err error) { reported = err },
		Provider: ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
			return []Attestation{{Price: "10", Timestamp: 5}}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.GetAttestation(context.Background(), "BTC")
	if err != nil || res.Price != "10" {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if reported == nil {
		t.Fatalf("record failure was not reported")
	}
}

func TestNewRetrieverValidates(t *testing.T) {
	t.Parallel()

	p := ProviderFunc(func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) { return nil, nil })
	if _, err := NewRetriever(RetrieverOptions{Provider: p, Requests: staticRequests}); err == nil {
		t.Fatalf("expected error for empty endpoints")
	}
	if _, err := NewRetriever(RetrieverOptions{Endpoints: endpoints(1), Requests: staticRequests}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}
