package attest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func endpointFor(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return Endpoint{Address: host, Port: p}
}

func TestHTTPProviderNotarize(t *testing.T) {
	t.Parallel()

	var got notarizeBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/notarize" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`[{
			"attestationData": "50900.12",
			"timestamp": 1700000000,
			"attestationReport": "cmVwb3J0",
			"oracleData": {"userData": "ud", "signature": "sig", "address": "aleo1xyz", "requestHash": "rh"},
			"attestationRequest": {"url": "https://px.test/BTC"}
		}]`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(5 * time.Second)
	req := RequestTemplate{URLTemplate: "https://px.test/{COIN}", Selector: "price", Precision: 6}.Build("btc")
	atts, err := p.Notarize(context.Background(), endpointFor(t, srv), req)
	if err != nil {
		t.Fatalf("Notarize: %v", err)
	}
	if got.URL != "https://px.test/BTC" || got.Selector != "price" || got.EncodingOptions.Precision != 6 || got.RequestMethod != "GET" {
		t.Fatalf("request body = %+v", got)
	}
	if len(atts) != 1 {
		t.Fatalf("len = %d", len(atts))
	}
	a := atts[0]
	if a.Price != "50900.12" || a.Timestamp != 1700000000000 {
		t.Fatalf("price/ts = %s/%d", a.Price, a.Timestamp)
	}
	if a.Proof.Signature != "sig" || a.Proof.Address != "aleo1xyz" || a.Proof.UserData != "ud" || a.Proof.Report != "cmVwb3J0" {
		t.Fatalf("proof = %+v", a.Proof)
	}
}

func TestHTTPProviderErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `upstream down`},
		{"invalid json", http.StatusOK, `{"attestationData":`},
		{"bad price", http.StatusOK, `{"attestationData":"NaN-ish","timestamp":1}`},
		{"missing timestamp", http.StatusOK, `{"attestationData":"1"}`},
		{"empty array", http.StatusOK, `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPProvider(time.Second).Notarize(context.Background(), endpointFor(t, srv), Request{URL: "x"})
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestHTTPProviderResolveKeepsHost(t *testing.T) {
	t.Parallel()

	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.Host
		_, _ = w.Write([]byte(`{"attestationData":"1","timestamp":1700000000000}`))
	}))
	defer srv.Close()

	ep := endpointFor(t, srv)
	ep.Address = "notary.test"
	ep.Resolve = true

	p := NewHTTPProvider(time.Second)
	p.LookupHost = func(ctx context.Context, h string) ([]string, error) {
		// first address refuses connections
		return []string{"127.0.0.2", "127.0.0.1"}, nil
	}
	if _, err := p.Notarize(context.Background(), ep, Request{URL: "x"}); err != nil {
		t.Fatalf("Notarize: %v", err)
	}
	if want := net.JoinHostPort("notary.test", strconv.Itoa(ep.Port)); host != want {
		t.Fatalf("Host = %q, want %q", host, want)
	}
}

func TestRequestTemplateMerge(t *testing.T) {
	t.Parallel()

	base := RequestTemplate{URLTemplate: "https://a/{coin}", Selector: "price", Precision: 6}
	got := base.Merge(RequestTemplate{Selector: "data.last", Precision: 8}).Build("ETH")
	if got.URL != "https://a/ETH" || got.Selector != "data.last" || got.Precision != 8 || got.ValueKind != "float" {
		t.Fatalf("merged = %+v", got)
	}
}

func TestHTTPProviderTLSChangeRebuildsClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"attestationData": "1.5", "timestamp": 1700000000}]`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(time.Second)
	ep := endpointFor(t, srv)
	ep.UseTLS = true
	req := Request{URL: "https://px.test/BTC"}
	if _, err := p.Notarize(context.Background(), ep, req); err == nil {
		t.Fatal("self-signed notarizer must be rejected without trust settings")
	}

	ep.TLS = &TLSMaterial{InsecureSkipVerify: true}
	if _, err := p.Notarize(context.Background(), ep, req); err != nil {
		t.Fatalf("changed TLS settings for the same address were ignored: %v", err)
	}
}

func TestRetrieverSetEndpointsResetsProvider(t *testing.T) {
	t.Parallel()

	p := NewHTTPProvider(time.Second)
	r, err := NewRetriever(RetrieverOptions{
		Endpoints: []Endpoint{{Address: "n1.test", Port: 7047}},
		Provider:  p,
		Requests:  func(coin string) Request { return Request{URL: coin} },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.client(Endpoint{Address: "n1.test", Port: 7047}); err != nil {
		t.Fatal(err)
	}
	r.SetEndpoints([]Endpoint{{Address: "n1.test", Port: 7047}})

	p.mu.Lock()
	n := len(p.clients)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("cached clients after SetEndpoints = %d", n)
	}
}
