package app

import (
	"fmt"
	"strings"
	"time"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/config"
	"pricefeeder/internal/httpapi"
	"pricefeeder/internal/notify"
	"pricefeeder/internal/pricelog"
	"pricefeeder/internal/retry"
	"pricefeeder/internal/submit"
	logx "pricefeeder/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapPriceLogConfig(cfg *config.Config) (pricelog.Config, error) {
	busy, err := config.ParseDurationField("price_log.busy_timeout", cfg.PriceLog.BusyTimeout)
	if err != nil {
		return pricelog.Config{}, err
	}
	return pricelog.Config{
		Driver:      cfg.PriceLog.Driver,
		Dir:         cfg.PriceLog.Dir,
		Path:        cfg.PriceLog.Path,
		BusyTimeout: busy,
	}, nil
}

// mapNotifierConfig returns a disabled config when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		WebhookURL:      n.WebhookURL,
		Username:        n.Username,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		NotifySuccess:   n.NotifySuccess,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// One-off updates can run for minutes, so writes get a generous default.
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 5*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapEndpoints(cfg *config.Config) []attest.Endpoint {
	out := make([]attest.Endpoint, 0, len(cfg.Notarizers))
	for _, n := range cfg.Notarizers {
		ep := attest.Endpoint{
			Address: strings.TrimSpace(n.Address),
			Port:    n.Port,
			UseTLS:  n.TLS,
			Resolve: n.Resolve,
		}
		if n.CAFile != "" || n.CertFile != "" || n.KeyFile != "" || n.InsecureSkipVerify {
			ep.TLS = &attest.TLSMaterial{
				CAFile:             n.CAFile,
				CertFile:           n.CertFile,
				KeyFile:            n.KeyFile,
				InsecureSkipVerify: n.InsecureSkipVerify,
			}
		}
		out = append(out, ep)
	}
	return out
}

func requestTemplate(r config.RequestConfig) attest.RequestTemplate {
	return attest.RequestTemplate{
		URLTemplate:    r.URL,
		Method:         r.Method,
		Selector:       r.Selector,
		ResponseFormat: r.ResponseFormat,
		ValueKind:      r.ValueKind,
		Precision:      r.Precision,
	}
}

// requestSet resolves the notarization request per coin: the attestation
// defaults overlaid with the coin's own request section.
type requestSet struct {
	def   attest.RequestTemplate
	coins map[string]attest.RequestTemplate
}

func mapRequests(cfg *config.Config) *requestSet {
	rs := &requestSet{
		def:   requestTemplate(cfg.Attestation.RequestConfig),
		coins: map[string]attest.RequestTemplate{},
	}
	for name, cc := range cfg.Coins {
		t := rs.def
		if cc.Request != nil {
			t = t.Merge(requestTemplate(*cc.Request))
		}
		rs.coins[name] = t
	}
	return rs
}

func (rs *requestSet) build(coin string) attest.Request {
	if t, ok := rs.coins[coin]; ok {
		return t.Build(coin)
	}
	return rs.def.Build(coin)
}

// mapRetry overlays the configured ceilings and base delay on a preset.
func mapRetry(cfg *config.Config, preset retry.Policy, override int) (retry.Policy, error) {
	base, err := config.ParseDurationField("retry.base", cfg.Retry.Base)
	if err != nil {
		return retry.Policy{}, err
	}
	p := preset
	if override > 0 {
		p.MaxAttempts = override
	}
	if base > 0 {
		p.Base = base
	}
	return p, nil
}

// backendSet is the chosen submission backend plus the policy wrapping it.
type backendSet struct {
	backend submit.Backend
	policy  retry.Policy
	// queue is nil for backends that bypass local admission.
	queue *submit.Queue
}

func buildBackend(cfg *config.Config, log logx.Logger) (backendSet, error) {
	s := cfg.Submitter
	switch s.BackendName() {
	case "cli":
		policy, err := mapRetry(cfg, retry.CLI, cfg.Retry.CLI)
		if err != nil {
			return backendSet{}, err
		}
		q := submit.NewQueue(max(1, s.Workers))
		b, err := submit.NewCLIBackend(submit.CLIConfig{
			Binary:     s.CLI.Binary,
			ArgsPrefix: s.CLI.Args,
			Workdir:    s.CLI.Workdir,
			Network:    s.CLI.Network,
			Endpoint:   s.CLI.Endpoint,
			Broadcast:  s.CLI.Broadcast,
			Threads:    s.CLI.Threads,
			ThreadsEnv: s.CLI.ThreadsEnv,
			Env:        s.CLI.Env,
		}, q, log)
		if err != nil {
			return backendSet{}, err
		}
		return backendSet{backend: b, policy: policy, queue: q}, nil

	case "delegated":
		policy, err := mapRetry(cfg, retry.Delegated, cfg.Retry.Delegated)
		if err != nil {
			return backendSet{}, err
		}
		httpRetry, err := mapRetry(cfg, retry.Generic, cfg.Retry.Generic)
		if err != nil {
			return backendSet{}, err
		}
		timeout, err := config.ParseDurationOrDefault("submitter.delegated.timeout", s.Delegated.Timeout, 2*time.Minute)
		if err != nil {
			return backendSet{}, err
		}
		d := s.Delegated
		b, err := submit.NewProverBackend(submit.ProverConfig{
			URL:        d.URL,
			ConsumerID: d.ConsumerID,
			APIKey:     d.APIKey,
			Broadcast:  d.Broadcast,
			Timeout:    timeout,
			HTTPRetry:  httpRetry,
		}, submit.CommandAuthorizer{Binary: d.Authorizer.Binary, Args: d.Authorizer.Args}, log)
		if err != nil {
			return backendSet{}, err
		}
		return backendSet{backend: b, policy: policy}, nil
	}
	return backendSet{}, fmt.Errorf("unknown submitter backend %q", s.Backend)
}
