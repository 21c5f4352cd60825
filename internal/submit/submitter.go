package submit

import (
	"context"
	"errors"
	"time"

	"pricefeeder/internal/retry"
	logx "pricefeeder/pkg/logx"
)

// Submitter drives exactly one backend, chosen at construction.
type Submitter struct {
	backend Backend
	program string
	policy  retry.Policy
	log     logx.Logger

	// OnResult observes every terminal result (metrics).
	OnResult func(backend string, res Result, took time.Duration)
}

// NewSubmitter wraps backend with policy. A zero policy picks the preset
// for the backend (CLI: 3 attempts, delegated: 1, otherwise generic).
func NewSubmitter(backend Backend, program string, policy retry.Policy, log logx.Logger) (*Submitter, error) {
	if backend == nil {
		return nil, errors.New("submission backend is required")
	}
	if policy.MaxAttempts == 0 {
		switch backend.(type) {
		case *CLIBackend:
			policy = retry.CLI
		case *ProverBackend:
			policy = retry.Delegated
		default:
			policy = retry.Generic
		}
	}
	return &Submitter{
		backend: backend,
		program: program,
		policy:  policy,
		log:     log.With(logx.String("comp", "submit"), logx.String("backend", backend.Name())),
	}, nil
}

func (s *Submitter) Backend() string { return s.backend.Name() }

// Submit executes function with inputs and returns the uniform result.
// label is the coin name.
func (s *Submitter) Submit(ctx context.Context, inputs []string, function, label string) Result {
	start := time.Now()
	call := Call{Program: s.program, Function: function, Inputs: inputs, Label: label}

	var out Output
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		var err error
		out, err = s.backend.Execute(ctx, call)
		if err != nil {
			s.log.Warn("submission attempt failed", logx.String("label", label), logx.Int("attempt", attempt), logx.Int("max", s.policy.MaxAttempts), logx.Err(err))
		}
		return err
	})

	var res Result
	if err != nil {
		res = Failure(label, err)
		s.log.Error("submission failed", logx.String("label", label), logx.Err(err))
	} else {
		tx := out.TxID
		if tx == "" {
			tx = ExtractTxID(out.Text)
		}
		res = Success(label, tx)
		s.log.Info("submission succeeded", logx.String("label", label), logx.String("tx", tx))
	}
	if s.OnResult != nil {
		s.OnResult(s.backend.Name(), res, time.Since(start))
	}
	return res
}
