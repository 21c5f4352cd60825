package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"pricefeeder/internal/scheduler"
)

var coinName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Validate checks the whole document and returns every problem found.
// Invalid schedules are reported but are not fatal: the job simply refuses
// to start.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(c.Notarizers) == 0 {
		add("notarizers: at least one endpoint is required")
	}
	for i, n := range c.Notarizers {
		if strings.TrimSpace(n.Address) == "" {
			add("notarizers[%d].address is required", i)
		}
		if n.Port < 0 || n.Port > 65535 {
			add("notarizers[%d].port out of range", i)
		}
		if (n.CertFile == "") != (n.KeyFile == "") {
			add("notarizers[%d]: cert_file and key_file go together", i)
		}
	}

	if len(c.Coins) == 0 {
		add("coins: at least one coin is required")
	}
	for _, name := range c.CoinNames() {
		cc := c.Coins[name]
		if !coinName.MatchString(name) {
			add("coins.%s: invalid coin name", name)
		}
		req := c.Attestation.RequestConfig
		if cc.Request != nil && cc.Request.URL != "" {
			req.URL = cc.Request.URL
		}
		if strings.TrimSpace(req.URL) == "" {
			add("coins.%s: no attestation url (set attestation.url or coins.%s.request.url)", name, name)
		} else if _, err := url.Parse(req.URL); err != nil {
			add("coins.%s: invalid attestation url: %v", name, err)
		}
		if d := cc.Deviation; d != nil && d.Threshold <= 0 {
			add("coins.%s.deviation.threshold must be > 0", name)
		}
	}

	switch c.Submitter.BackendName() {
	case "cli":
		if strings.TrimSpace(c.Submitter.CLI.Binary) == "" {
			add("submitter.cli.binary is required")
		}
	case "delegated":
		d := c.Submitter.Delegated
		if d.URL == "" || d.ConsumerID == "" || d.APIKey == "" {
			add("submitter.delegated: url, consumer_id and api_key are required")
		}
		if d.Authorizer.Binary == "" {
			add("submitter.delegated.authorizer.binary is required")
		}
	default:
		add("submitter.backend must be \"cli\" or \"delegated\", got %q", c.Submitter.Backend)
	}
	if strings.TrimSpace(c.Submitter.Function) == "" {
		add("submitter.function is required")
	}
	if c.Submitter.Workers < 0 {
		add("submitter.workers must be >= 0")
	}

	if c.Retry.Generic < 0 || c.Retry.CLI < 0 || c.Retry.Delegated < 0 {
		add("retry: attempt ceilings must be >= 0")
	}

	durations := map[string]string{
		"attestation.timeout":         c.Attestation.Timeout,
		"submitter.delegated.timeout": c.Submitter.Delegated.Timeout,
		"retry.base":                  c.Retry.Base,
		"price_log.busy_timeout":      c.PriceLog.BusyTimeout,
		"scheduler.run_timeout":       c.Scheduler.RunTimeout,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"http.idle_timeout":           c.HTTP.IdleTimeout,
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
		if n.Enabled && strings.TrimSpace(n.WebhookURL) == "" {
			add("notifier.webhook_url is required when the notifier is enabled")
		}
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := ParseDurationField(k, durations[k]); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	return errors.Join(errs...)
}

// ScheduleProblems lists jobs whose schedule expression is invalid.
func (c *Config) ScheduleProblems() []error {
	var out []error
	for _, sp := range c.JobSpecs() {
		if err := scheduler.Validate(sp.Schedule); err != nil {
			out = append(out, fmt.Errorf("coins.%s.%s.schedule: %w", sp.Coin, sp.Kind, err))
		}
	}
	return out
}

// BackendName normalizes the backend selector; empty means "cli".
func (s SubmitterConfig) BackendName() string {
	b := strings.ToLower(strings.TrimSpace(s.Backend))
	if b == "" {
		return "cli"
	}
	return b
}

// CoinNames returns the configured coins, sorted.
func (c *Config) CoinNames() []string {
	out := make([]string, 0, len(c.Coins))
	for k := range c.Coins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Thresholds returns the deviation threshold of every coin with a deviation job.
func (c *Config) Thresholds() map[string]float64 {
	out := map[string]float64{}
	for name, cc := range c.Coins {
		if cc.Deviation != nil {
			out[name] = cc.Deviation.Threshold
		}
	}
	return out
}

// JobSpecs flattens the per-coin job sections.
func (c *Config) JobSpecs() []scheduler.JobSpec {
	var out []scheduler.JobSpec
	for _, name := range c.CoinNames() {
		cc := c.Coins[name]
		if p := cc.Periodic; p != nil {
			out = append(out, scheduler.JobSpec{Coin: name, Kind: scheduler.KindPeriodic, Schedule: p.Schedule, Autostart: p.Autostart})
		}
		if d := cc.Deviation; d != nil {
			out = append(out, scheduler.JobSpec{Coin: name, Kind: scheduler.KindDeviation, Schedule: d.Schedule, Autostart: d.Autostart})
		}
	}
	return out
}

func (c *Config) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		Timezone:      c.Scheduler.Timezone,
		RunTimeout:    mustDuration(c.Scheduler.RunTimeout, 0),
		StartupSpread: c.Scheduler.StartupSpread,
	}
}
