package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "pricefeeder/pkg/logx"
)

const (
	defaultThreadsEnv = "RAYON_NUM_THREADS"
	maxCapturedOutput = 64 << 10
)

// CLIConfig configures the local command-line backend.
type CLIConfig struct {
	Binary     string
	ArgsPrefix []string
	Workdir    string
	Network    string
	Endpoint   string
	Broadcast  bool
	// Threads caps proving threads via ThreadsEnv (0 leaves it unset).
	Threads    int
	ThreadsEnv string
	Env        []string
}

// CLIBackend runs the external executable once per execution. Every run
// passes through the admission queue.
type CLIBackend struct {
	cfg   CLIConfig
	queue *Queue
	log   logx.Logger
}

func NewCLIBackend(cfg CLIConfig, q *Queue, log logx.Logger) (*CLIBackend, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.New("submitter.cli.binary is required")
	}
	if q == nil {
		q = NewQueue(1)
	}
	if cfg.ThreadsEnv == "" {
		cfg.ThreadsEnv = defaultThreadsEnv
	}
	return &CLIBackend{cfg: cfg, queue: q, log: log.With(logx.String("comp", "submit.cli"))}, nil
}

func (b *CLIBackend) Name() string { return "cli" }

func (b *CLIBackend) Queue() *Queue { return b.queue }

// Args returns the argument vector for call.
func (b *CLIBackend) Args(call Call) []string {
	args := append([]string(nil), b.cfg.ArgsPrefix...)
	if call.Program != "" {
		args = append(args, call.Program)
	}
	args = append(args, call.Function)
	args = append(args, call.Inputs...)
	if b.cfg.Network != "" {
		args = append(args, "--network", b.cfg.Network)
	}
	if b.cfg.Endpoint != "" {
		args = append(args, "--endpoint", b.cfg.Endpoint)
	}
	if b.cfg.Broadcast {
		args = append(args, "--broadcast")
	}
	return append(args, "-y")
}

func (b *CLIBackend) Execute(ctx context.Context, call Call) (Output, error) {
	var out Output
	err := b.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.run(ctx, call)
		return err
	})
	return out, err
}

// streamState collects both output streams and watches for acceptance.
type streamState struct {
	mu       sync.Mutex
	text     strings.Builder
	stderr   bool
	txID     string
	accepted bool
}

func (s *streamState) line(l string, isErr bool) (found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.text.Len() < maxCapturedOutput {
		s.text.WriteString(l)
		s.text.WriteByte('\n')
	}
	if isErr && strings.TrimSpace(l) != "" {
		s.stderr = true
	}
	if hasAcceptedMarker(l) {
		s.accepted = true
	}
	if s.txID == "" {
		if id := ExtractTxID(l); id != "" {
			s.txID = id
			return true
		}
	}
	return false
}

func (b *CLIBackend) run(ctx context.Context, call Call) (Output, error) {
	runCtx, kill := context.WithCancel(ctx)
	defer kill()

	args := b.Args(call)
	cmd := exec.CommandContext(runCtx, b.cfg.Binary, args...)
	cmd.Dir = b.cfg.Workdir
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	if b.cfg.Threads > 0 {
		cmd.Env = append(cmd.Env, b.cfg.ThreadsEnv+"="+strconv.Itoa(b.cfg.Threads))
	}
	cmd.WaitDelay = 2 * time.Second

	log := b.log.With(logx.String("label", call.Label), logx.String("function", call.Function))
	log.Debug("spawning cli", logx.String("binary", b.cfg.Binary), logx.Strings("args", args))

	st := &streamState{}
	onTx := func() {
		// Transaction id observed: no need to wait for the process.
		log.Info("transaction id observed; terminating cli early")
		kill()
	}
	stdout := &lineWriter{st: st, onTx: onTx}
	stderr := &lineWriter{st: st, isErr: true, onTx: onTx}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("start %s: %w", b.cfg.Binary, err)
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	st.mu.Lock()
	defer st.mu.Unlock()
	out := Output{TxID: st.txID, Text: st.text.String()}
	took := time.Since(start)

	switch {
	case st.txID != "":
		log.Info("cli submission accepted", logx.String("tx", st.txID), logx.Duration("took", took))
		return out, nil
	case st.accepted:
		log.Info("cli reported accepted status", logx.Duration("took", took))
		return out, nil
	case waitErr == nil && !st.stderr:
		log.Info("cli exited cleanly", logx.Duration("took", took))
		return out, nil
	}

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if waitErr == nil {
		waitErr = errors.New("error output")
	}
	return out, fmt.Errorf("%w: %s: %v: %s", ErrNotAccepted, b.cfg.Binary, waitErr, tail(out.Text, 400))
}

// lineWriter splits a process stream into lines for streamState.
type lineWriter struct {
	st    *streamState
	isErr bool
	onTx  func()
	buf   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxCapturedOutput {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.st.line(strings.TrimRight(line, "\r"), w.isErr) && w.onTx != nil {
		w.onTx()
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
