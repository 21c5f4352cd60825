package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pricefeeder/internal/scheduler"
	logx "pricefeeder/pkg/logx"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "http": {"enabled": true, "addr": "127.0.0.1:8088"},
  "notarizers": [{"address": "notary.test", "port": 443, "tls": true}],
  "attestation": {"url": "https://api.exchange.test/ticker?symbol={COIN}USDT", "selector": "price", "precision": 6, "timeout": "20s"},
  "coins": {
    "BTC": {"periodic": {"schedule": "*/10 * * * *", "autostart": true}, "deviation": {"schedule": "1m", "autostart": true, "threshold": 2}},
    "ETH": {"deviation": {"schedule": "00:05", "autostart": false, "threshold": 0.5}}
  },
  "submitter": {"backend": "cli", "program": "oracle.aleo", "function": "set_price", "cli": {"binary": "leo", "args": ["execute"], "broadcast": true}},
  "price_log": {"dir": "./prices"},
  "scheduler": {"timezone": "UTC", "run_timeout": "5m"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "feeder.json", sampleJSON), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.CoinNames(); strings.Join(got, ",") != "BTC,ETH" {
		t.Fatalf("coins: %v", got)
	}
	if th := cfg.Thresholds(); th["BTC"] != 2 || th["ETH"] != 0.5 {
		t.Fatalf("thresholds: %v", th)
	}
	specs := cfg.JobSpecs()
	if len(specs) != 3 || specs[0].Kind != scheduler.KindPeriodic || !specs[0].Autostart {
		t.Fatalf("specs: %+v", specs)
	}
	if s := cfg.SchedulerSettings(); s.RunTimeout != 5*time.Minute || s.Timezone != "UTC" {
		t.Fatalf("scheduler: %+v", s)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestStrictDecoding(t *testing.T) {
	_, err := Decode("x.json", []byte(`{"coins": {}, "surprise": 1}`))
	if err == nil || !strings.Contains(err.Error(), "surprise") {
		t.Fatalf("unknown field should fail: %v", err)
	}
	if _, err := Decode("x.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data should fail")
	}
}

func TestYAMLAndTOMLMatchJSON(t *testing.T) {
	yml := `
notarizers:
  - address: notary.test
    port: 443
    tls: true
attestation:
  url: https://api.exchange.test/{coin_lower}
coins:
  BTC:
    deviation: {schedule: "1m", threshold: 1.5}
submitter:
  function: set_price
  cli: {binary: leo}
`
	tml := `
[[notarizers]]
address = "notary.test"
port = 443
tls = true

[attestation]
url = "https://api.exchange.test/{coin_lower}"

[coins.BTC.deviation]
schedule = "1m"
threshold = 1.5

[submitter]
function = "set_price"

[submitter.cli]
binary = "leo"
`
	for name, body := range map[string]string{"feeder.yaml": yml, "feeder.toml": tml} {
		cfg, err := NewManager(writeFile(t, name, body), logx.Nop()).Load()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cfg.Coins["BTC"].Deviation.Threshold != 1.5 || cfg.Notarizers[0].Port != 443 || !cfg.Notarizers[0].TLS {
			t.Fatalf("%s decoded wrong: %+v", name, cfg)
		}
		if cfg.Submitter.BackendName() != "cli" {
			t.Fatalf("%s: default backend", name)
		}
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("FEEDER_TEST_KEY", "k-123")
	cfg, err := Decode("x.json", []byte(`{"submitter": {"delegated": {"api_key": "${FEEDER_TEST_KEY}"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Submitter.Delegated.APIKey != "k-123" {
		t.Fatalf("got %q", cfg.Submitter.Delegated.APIKey)
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := &Config{
		Coins:     map[string]CoinConfig{"B T C": {Deviation: &DeviationConfig{Schedule: "1m"}}},
		Submitter: SubmitterConfig{Backend: "carrier-pigeon"},
		Scheduler: SchedulerConfig{RunTimeout: "soon"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"notarizers", "invalid coin name", "threshold", "submitter.backend", "submitter.function", "scheduler.run_timeout", "attestation url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in:\n%v", want, err)
		}
	}
}

func TestScheduleProblemsAreSeparate(t *testing.T) {
	cfg, err := Decode("x.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	btc := cfg.Coins["BTC"]
	btc.Periodic.Schedule = "whenever"
	cfg.Coins["BTC"] = btc
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bad schedule must not fail validation: %v", err)
	}
	if p := cfg.ScheduleProblems(); len(p) != 1 || !strings.Contains(p[0].Error(), "coins.BTC.periodic") {
		t.Fatalf("problems: %v", p)
	}
}

func TestSummarizeChange(t *testing.T) {
	a, _ := Decode("x.json", []byte(sampleJSON))
	b, _ := Decode("x.json", []byte(sampleJSON))
	b.Logging.Level = "debug"
	b.Submitter.Function = "set_price_v2"
	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "logging,submitter" || len(attrs) == 0 {
		t.Fatalf("changed: %v", changed)
	}
	if r := RestartRequired(changed); len(r) != 1 || r[0] != "submitter" {
		t.Fatalf("restart: %v", r)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "feeder.json", sampleJSON)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(strings.Replace(sampleJSON, `"threshold": 2`, `"threshold": 3`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Coins["BTC"].Deviation.Threshold != 3 {
			t.Fatalf("reloaded threshold = %v", cfg.Coins["BTC"].Deviation.Threshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	// An invalid edit keeps the previous config.
	if err := os.WriteFile(path, []byte(`{"coins": {}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(reloadDebounce + 300*time.Millisecond)
	if m.Get().Coins["BTC"].Deviation.Threshold != 3 {
		t.Fatal("invalid config must not be committed")
	}
}
