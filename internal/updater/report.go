package updater

import (
	"strings"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/deviation"
	"pricefeeder/internal/scheduler"
	"pricefeeder/internal/submit"
)

// Report describes one job execution.
type Report struct {
	Coin      string              `json:"coin"`
	Kind      scheduler.Kind      `json:"kind"`
	Price     string              `json:"price,omitempty"`
	Timestamp int64               `json:"timestamp,omitempty"`
	Endpoint  string              `json:"endpoint,omitempty"`
	Decision  *deviation.Decision `json:"decision,omitempty"`
	Submitted bool                `json:"submitted"`
	TxID      string              `json:"txnId,omitempty"`
	Result    *submit.Result      `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (r *Report) withAttestation(res attest.Result) {
	r.Price, r.Timestamp, r.Endpoint = res.Price, res.Timestamp, res.Endpoint
}

func (r Report) fail(err error) (Report, error) {
	r.Error = err.Error()
	return r, err
}

// Inputs builds the program inputs from an attestation proof, in the
// order the on-chain function expects.
func Inputs(p attest.Proof) []string {
	return []string{
		strings.TrimSpace(p.UserData),
		strings.TrimSpace(p.Report),
		strings.TrimSpace(p.Signature),
		strings.TrimSpace(p.Address),
	}
}
