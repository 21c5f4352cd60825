package attest

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrNoAttestation is returned when every notarizer failed.
var ErrNoAttestation = errors.New("no attestation")

// Endpoint is a configured notarizer.
type Endpoint struct {
	Address string
	Port    int
	UseTLS  bool
	// Resolve makes the provider resolve Address and try each IP in turn.
	Resolve bool
	TLS     *TLSMaterial
}

// TLSMaterial is optional client-side TLS configuration for one endpoint.
type TLSMaterial struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

func (e Endpoint) Scheme() string {
	if e.UseTLS {
		return "https"
	}
	return "http"
}

func (e Endpoint) HostPort() string {
	port := e.Port
	if port == 0 {
		port = 80
		if e.UseTLS {
			port = 443
		}
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

func (e Endpoint) String() string { return e.Scheme() + "://" + e.HostPort() }

// Request asks a notarizer to fetch and attest a value.
type Request struct {
	URL            string
	Method         string
	Selector       string
	ResponseFormat string
	ValueKind      string
	Precision      int
}

// Proof is the signed material produced inside the enclave.
type Proof struct {
	Report      string `json:"report"`
	UserData    string `json:"userData"`
	Signature   string `json:"signature"`
	Address     string `json:"address"`
	RequestHash string `json:"requestHash"`
}

// Attestation is what a notarizer returns for one request.
type Attestation struct {
	Price     string
	Timestamp int64 // unix millis
	Proof     Proof
	SourceURL string
}

// Result is a successful retrieval for a coin. Never mutated after creation.
type Result struct {
	Coin      string `json:"coinName"`
	Timestamp int64  `json:"timestamp"`
	Price     string `json:"price"`
	Proof     Proof  `json:"proof"`
	SourceURL string `json:"sourceUrl"`
	Endpoint  string `json:"endpoint"`
}

// Provider talks to a single notarizer.
type Provider interface {
	Notarize(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error)

func (f ProviderFunc) Notarize(ctx context.Context, ep Endpoint, req Request) ([]Attestation, error) {
	return f(ctx, ep, req)
}
