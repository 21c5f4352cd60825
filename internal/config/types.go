package config

// Config is the root of the feeder configuration file (JSON, YAML or TOML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging     LoggingConfig         `json:"logging"`
	HTTP        HTTPConfig            `json:"http"`
	Notarizers  []NotarizerConfig     `json:"notarizers"`
	Attestation AttestationConfig     `json:"attestation"`
	Coins       map[string]CoinConfig `json:"coins"`
	Submitter   SubmitterConfig       `json:"submitter"`
	Retry       RetryConfig           `json:"retry,omitempty"`
	PriceLog    PriceLogConfig        `json:"price_log"`
	Scheduler   SchedulerConfig       `json:"scheduler"`

	// Notifier defaults to disabled when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at or above MinLevel to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the control surface.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotarizerConfig is one attestation endpoint.
type NotarizerConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port,omitempty"`
	TLS     bool   `json:"tls"`
	Resolve bool   `json:"resolve,omitempty"`

	CAFile             string `json:"ca_file,omitempty"`
	CertFile           string `json:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// RequestConfig describes what the notarizer should fetch. url may contain
// {coin}, {COIN} and {coin_lower}.
type RequestConfig struct {
	URL            string `json:"url,omitempty"`
	Method         string `json:"method,omitempty"`
	Selector       string `json:"selector,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	ValueKind      string `json:"value_kind,omitempty"`
	Precision      int    `json:"precision,omitempty"`
}

type AttestationConfig struct {
	RequestConfig
	Timeout string `json:"timeout,omitempty"`
}

// CoinConfig enables zero, one or both job kinds for a coin.
type CoinConfig struct {
	Periodic  *JobConfig       `json:"periodic,omitempty"`
	Deviation *DeviationConfig `json:"deviation,omitempty"`
	// Request overrides attestation defaults for this coin.
	Request *RequestConfig `json:"request,omitempty"`
}

type JobConfig struct {
	Schedule  string `json:"schedule"`
	Autostart bool   `json:"autostart"`
}

type DeviationConfig struct {
	Schedule  string `json:"schedule"`
	Autostart bool   `json:"autostart"`
	// Threshold is a percentage; a move of at least this much triggers an update.
	Threshold float64 `json:"threshold"`
}

type SubmitterConfig struct {
	// Backend is "cli" (default) or "delegated".
	Backend  string `json:"backend"`
	Program  string `json:"program"`
	Function string `json:"function"`
	// Workers bounds concurrent CLI executions (default 1).
	Workers   int             `json:"workers,omitempty"`
	CLI       CLIConfig       `json:"cli,omitempty"`
	Delegated DelegatedConfig `json:"delegated,omitempty"`
}

type CLIConfig struct {
	Binary     string   `json:"binary"`
	Args       []string `json:"args,omitempty"`
	Workdir    string   `json:"workdir,omitempty"`
	Network    string   `json:"network,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Broadcast  bool     `json:"broadcast"`
	Threads    int      `json:"threads,omitempty"`
	ThreadsEnv string   `json:"threads_env,omitempty"`
	Env        []string `json:"env,omitempty"`
}

type DelegatedConfig struct {
	URL        string `json:"url"`
	ConsumerID string `json:"consumer_id"`
	APIKey     string `json:"api_key"` // do not log
	Broadcast  bool   `json:"broadcast"`
	Timeout    string `json:"timeout,omitempty"`
	// Authorizer builds the proving request locally.
	Authorizer CommandConfig `json:"authorizer"`
}

type CommandConfig struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args,omitempty"`
}

// RetryConfig overrides the attempt ceilings. Zero keeps the defaults
// (generic 5, cli 3, delegated 1).
type RetryConfig struct {
	Base      string `json:"base,omitempty"`
	Generic   int    `json:"generic,omitempty"`
	CLI       int    `json:"cli,omitempty"`
	Delegated int    `json:"delegated,omitempty"`
}

// PriceLogConfig selects the price log driver.
//
// Example:
//
//	"price_log": { "driver": "file", "dir": "./prices" }
type PriceLogConfig struct {
	Driver      string `json:"driver,omitempty"`
	Dir         string `json:"dir,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	WebhookURL      string `json:"webhook_url"` // do not log
	Username        string `json:"username,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	NotifySuccess   bool   `json:"notify_success,omitempty"`
}

type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	RunTimeout    string `json:"run_timeout,omitempty"`
	StartupSpread bool   `json:"startup_spread,omitempty"`
}
