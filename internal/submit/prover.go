package submit

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/nacl/box"

	"pricefeeder/internal/retry"
	logx "pricefeeder/pkg/logx"
)

const (
	apiKeyHeader    = "X-Provable-API-Key"
	requestIDHeader = "X-Request-Id"
	maxProverBody   = 4 << 20
)

// Authorization is the locally built proving request material.
type Authorization struct {
	Authorization    json.RawMessage `json:"authorization"`
	FeeAuthorization json.RawMessage `json:"fee_authorization,omitempty"`
}

// Authorizer builds the authorization for a call without proving it.
type Authorizer interface {
	Authorize(ctx context.Context, call Call) (Authorization, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, call Call) (Authorization, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, call Call) (Authorization, error) {
	return f(ctx, call)
}

// CommandAuthorizer runs an external command that prints the authorization
// JSON ({"authorization": ..., "fee_authorization": ...}) on stdout.
type CommandAuthorizer struct {
	Binary string
	Args   []string
}

func (a CommandAuthorizer) Authorize(ctx context.Context, call Call) (Authorization, error) {
	args := append(append([]string(nil), a.Args...), call.Program, call.Function)
	args = append(args, call.Inputs...)
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	b, err := cmd.Output()
	if err != nil {
		return Authorization{}, fmt.Errorf("authorize: %w: %s", err, tail(stderr.String(), 300))
	}
	if !gjson.ValidBytes(b) || !gjson.GetBytes(b, "authorization").Exists() {
		return Authorization{}, retry.NoRetry(errors.New("authorize: output has no authorization object"))
	}
	var auth Authorization
	if err := json.Unmarshal(b, &auth); err != nil {
		return Authorization{}, err
	}
	return auth, nil
}

// ProverConfig configures the delegated-proving backend.
type ProverConfig struct {
	URL        string
	ConsumerID string
	APIKey     string
	Broadcast  bool
	Timeout    time.Duration
	// HTTPRetry governs each individual HTTP call.
	HTTPRetry retry.Policy
}

// ProverBackend offloads proving to a remote service. It does not use the
// local admission queue.
type ProverBackend struct {
	cfg  ProverConfig
	auth Authorizer
	http *http.Client
	log  logx.Logger
}

func NewProverBackend(cfg ProverConfig, auth Authorizer, log logx.Logger) (*ProverBackend, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, errors.New("submitter.delegated.url is required")
	}
	if cfg.ConsumerID == "" || cfg.APIKey == "" {
		return nil, errors.New("submitter.delegated consumer_id and api_key are required")
	}
	if auth == nil {
		return nil, errors.New("delegated proving needs an authorizer")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.HTTPRetry.MaxAttempts == 0 {
		cfg.HTTPRetry = retry.Generic
	}
	return &ProverBackend{
		cfg:  cfg,
		auth: auth,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "submit.prover")),
	}, nil
}

func (b *ProverBackend) Name() string { return "delegated" }

type proverKey struct {
	ID  string
	Key [32]byte
}

type provingRequest struct {
	Authorization    json.RawMessage `json:"authorization"`
	FeeAuthorization json.RawMessage `json:"fee_authorization,omitempty"`
	Broadcast        bool            `json:"broadcast"`
}

func (b *ProverBackend) Execute(ctx context.Context, call Call) (Output, error) {
	reqID := uuid.NewString()
	log := b.log.With(logx.String("label", call.Label), logx.String("request_id", reqID))

	token, err := b.token(ctx, reqID)
	if err != nil {
		return Output{}, fmt.Errorf("obtain token: %w", err)
	}
	key, err := b.pubkey(ctx, reqID, token)
	if err != nil {
		return Output{}, fmt.Errorf("fetch prover key: %w", err)
	}

	auth, err := b.auth.Authorize(ctx, call)
	if err != nil {
		return Output{}, err
	}
	plain, err := json.Marshal(provingRequest{
		Authorization:    auth.Authorization,
		FeeAuthorization: auth.FeeAuthorization,
		Broadcast:        b.cfg.Broadcast,
	})
	if err != nil {
		return Output{}, err
	}
	sealed, err := box.SealAnonymous(nil, plain, &key.Key, rand.Reader)
	if err != nil {
		return Output{}, fmt.Errorf("encrypt proving request: %w", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"key_id":     key.ID,
		"ciphertext": base64.StdEncoding.EncodeToString(sealed),
	})

	var body []byte
	err = retry.Do(ctx, b.cfg.HTTPRetry, func(ctx context.Context, attempt int) error {
		var err error
		body, _, err = b.do(ctx, http.MethodPost, "/prove/encrypted", reqID, token, payload)
		return err
	})
	if err != nil {
		return Output{}, fmt.Errorf("prove: %w", err)
	}

	res := gjson.ParseBytes(body)
	if b.cfg.Broadcast {
		if st := res.Get("broadcast_result.status"); st.Int() != http.StatusOK {
			return Output{Text: string(body)}, retry.NoRetry(fmt.Errorf("%w: status %s", retry.ErrBroadcastRejected, st.Raw))
		}
	}

	out := Output{Text: string(body), TxID: res.Get("transaction.id").String()}
	if out.TxID == "" {
		out.TxID = ExtractTxID(out.Text)
	}
	log.Info("delegated proving accepted", logx.String("tx", out.TxID))
	return out, nil
}

func (b *ProverBackend) token(ctx context.Context, reqID string) (string, error) {
	var token string
	err := retry.Do(ctx, b.cfg.HTTPRetry, func(ctx context.Context, attempt int) error {
		_, hdr, err := b.do(ctx, http.MethodPost, "/jwts/"+b.cfg.ConsumerID, reqID, "", nil)
		if err != nil {
			return err
		}
		token = hdr.Get("Authorization")
		if token == "" {
			return errors.New("no Authorization header in token response")
		}
		return nil
	})
	return token, err
}

func (b *ProverBackend) pubkey(ctx context.Context, reqID, token string) (proverKey, error) {
	var k proverKey
	err := retry.Do(ctx, b.cfg.HTTPRetry, func(ctx context.Context, attempt int) error {
		body, _, err := b.do(ctx, http.MethodGet, "/pubkey", reqID, token, nil)
		if err != nil {
			return err
		}
		id := gjson.GetBytes(body, "key_id").String()
		raw, err := base64.StdEncoding.DecodeString(gjson.GetBytes(body, "public_key").String())
		if err != nil || len(raw) != 32 || id == "" {
			return retry.NoRetry(fmt.Errorf("malformed prover key response: %s", tail(string(body), 200)))
		}
		k.ID = id
		copy(k.Key[:], raw)
		return nil
	})
	return k, err
}

func (b *ProverBackend) do(ctx context.Context, method, path, reqID, token string, body []byte) ([]byte, http.Header, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.URL+path, rd)
	if err != nil {
		return nil, nil, retry.NoRetry(err)
	}
	req.Header.Set(apiKeyHeader, b.cfg.APIKey)
	req.Header.Set(requestIDHeader, reqID)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProverBody))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return data, resp.Header, nil
	}
	err = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, tail(string(data), 200))
	// Client errors other than throttling will not improve on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
		return nil, nil, retry.NoRetry(err)
	}
	return nil, nil, err
}
