package submit

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var ErrNotAccepted = errors.New("submission not accepted")

// Result is the uniform outcome of a submission regardless of backend.
type Result struct {
	Coin  string  `json:"coinName"`
	TxID  *string `json:"txnId"`
	Error *string `json:"errorMsg"`
}

func (r Result) OK() bool { return r.Error == nil }

func (r Result) TxIDString() string {
	if r.TxID == nil {
		return ""
	}
	return *r.TxID
}

// Success builds a successful result; an empty tx leaves TxID nil.
func Success(coin, tx string) Result {
	r := Result{Coin: coin}
	if tx != "" {
		r.TxID = &tx
	}
	return r
}

// Failure builds a terminal failure result.
func Failure(coin string, err error) Result {
	msg := err.Error()
	return Result{Coin: coin, Error: &msg}
}

// Call is one program execution request.
type Call struct {
	Program  string
	Function string
	Inputs   []string
	Label    string
}

// Output is what a backend observed for an accepted execution.
type Output struct {
	TxID string
	Text string
}

// Backend executes a program call. Implementations return an error when the
// execution was not accepted.
type Backend interface {
	Name() string
	Execute(ctx context.Context, call Call) (Output, error)
}

// txIDRe: an id must not continue a lowercase alphanumeric run.
var txIDRe = regexp.MustCompile(`(?:^|[^0-9a-z])(at[0-9a-z]{50,})`)

// acceptedMarker is printed by the CLI when the network took the transaction
// even if the process later exits non-zero.
const acceptedMarker = "status code 201"

// ExtractTxID returns the first transaction id found in text.
func ExtractTxID(text string) string {
	if m := txIDRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func hasAcceptedMarker(text string) bool {
	return strings.Contains(strings.ToLower(text), acceptedMarker)
}
