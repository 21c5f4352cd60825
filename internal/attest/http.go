package attest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const maxResponseBytes = 1 << 20

// HTTPProvider calls the notarizer's POST /notarize endpoint.
type HTTPProvider struct {
	Timeout time.Duration
	// LookupHost resolves endpoints with Resolve set. Defaults to net.DefaultResolver.
	LookupHost func(ctx context.Context, host string) ([]string, error)

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewHTTPProvider(timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{Timeout: timeout, clients: map[string]*http.Client{}}
}

type notarizeBody struct {
	URL             string          `json:"url"`
	RequestMethod   string          `json:"requestMethod"`
	Selector        string          `json:"selector"`
	ResponseFormat  string          `json:"responseFormat"`
	EncodingOptions encodingOptions `json:"encodingOptions"`
}

type encodingOptions struct {
	Value     string `json:"value"`
	Precision int    `json:"precision"`
}

func (p *HTTPProvider) Notarize(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
	client, err := p.client(ep)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(notarizeBody{
		URL:             req.URL,
		RequestMethod:   req.Method,
		Selector:        req.Selector,
		ResponseFormat:  req.ResponseFormat,
		EncodingOptions: encodingOptions{Value: req.ValueKind, Precision: req.Precision},
	})
	if err != nil {
		return nil, err
	}

	if !ep.Resolve {
		return p.post(ctx, client, ep.Scheme()+"://"+ep.HostPort()+"/notarize", "", body, req.URL)
	}

	lookup := p.LookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	addrs, err := lookup(ctx, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ep.Address, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", ep.Address)
	}
	_, port, _ := net.SplitHostPort(ep.HostPort())
	var last error
	for _, ip := range addrs {
		u := ep.Scheme() + "://" + net.JoinHostPort(ip, port) + "/notarize"
		out, err := p.post(ctx, client, u, ep.HostPort(), body, req.URL)
		if err == nil {
			return out, nil
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, last
}

func (p *HTTPProvider) post(ctx context.Context, client *http.Client, url, host string, body []byte, source string) ([]Attestation, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if host != "" {
		hreq.Host = host
	}

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("notarizer %s: status %d: %s", url, resp.StatusCode, truncate(string(b), 200))
	}
	return parseAttestations(b, source)
}

// parseAttestations accepts a single object or an array of objects.
func parseAttestations(b []byte, source string) ([]Attestation, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.New("notarizer returned invalid JSON")
	}
	root := gjson.ParseBytes(b)
	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}

	out := make([]Attestation, 0, len(items))
	for _, it := range items {
		a, err := parseAttestation(it, source)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("notarizer returned no attestations")
	}
	return out, nil
}

func parseAttestation(r gjson.Result, source string) (Attestation, error) {
	price := strings.TrimSpace(r.Get("attestationData").String())
	if _, err := decimal.NewFromString(price); err != nil {
		return Attestation{}, fmt.Errorf("invalid attestation price %q", price)
	}
	ts := r.Get("timestamp").Int()
	if ts <= 0 {
		return Attestation{}, errors.New("attestation missing timestamp")
	}
	// Seconds are promoted to millis.
	if ts < 1e12 {
		ts *= 1000
	}
	if u := r.Get("attestationRequest.url").String(); u != "" {
		source = u
	}
	return Attestation{
		Price:     price,
		Timestamp: ts,
		SourceURL: source,
		Proof: Proof{
			Report:      r.Get("attestationReport").String(),
			UserData:    oracleField(r, "userData"),
			Signature:   oracleField(r, "signature"),
			Address:     oracleField(r, "address"),
			RequestHash: oracleField(r, "requestHash"),
		},
	}, nil
}

// oracleField reads a proof field from "oracleData", falling back to the top level.
func oracleField(r gjson.Result, name string) string {
	if v := r.Get("oracleData." + name); v.Exists() {
		return v.String()
	}
	return r.Get(name).String()
}

// Reset drops cached clients so TLS files are read again on next use.
func (p *HTTPProvider) Reset() {
	p.mu.Lock()
	p.clients = nil
	p.mu.Unlock()
}

// clientKey covers everything the transport is built from.
func clientKey(ep Endpoint) string {
	key := ep.String()
	if m := ep.TLS; m != nil {
		key += fmt.Sprintf("|ca=%s|cert=%s|key=%s|insecure=%t", m.CAFile, m.CertFile, m.KeyFile, m.InsecureSkipVerify)
	}
	return key
}

func (p *HTTPProvider) client(ep Endpoint) (*http.Client, error) {
	key := clientKey(ep)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		p.clients = map[string]*http.Client{}
	}
	if c := p.clients[key]; c != nil {
		return c, nil
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if ep.UseTLS {
		tc, err := tlsConfig(ep)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = tc
	}
	c := &http.Client{Timeout: p.Timeout, Transport: tr}
	p.clients[key] = c
	return c, nil
}

func tlsConfig(ep Endpoint) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: ep.Address}
	m := ep.TLS
	if m == nil {
		return tc, nil
	}
	tc.InsecureSkipVerify = m.InsecureSkipVerify
	if m.CAFile != "" {
		pem, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", m.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", m.CAFile)
		}
		tc.RootCAs = pool
	}
	if m.CertFile != "" || m.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..." + strconv.Itoa(len(s)-n) + " more bytes"
}
