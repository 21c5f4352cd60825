package config

import (
	"reflect"
	"strings"

	logx "pricefeeder/pkg/logx"
)

// SummarizeChange lists the changed sections plus safe log fields (never
// tokens, api keys or webhook URLs).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notarizers, newCfg.Notarizers) {
		changed = append(changed, "notarizers")
		attrs = append(attrs, logx.Int("notarizers.count", len(newCfg.Notarizers)))
	}
	if !reflect.DeepEqual(oldCfg.Attestation, newCfg.Attestation) {
		changed = append(changed, "attestation")
	}
	if !reflect.DeepEqual(oldCfg.Coins, newCfg.Coins) {
		changed = append(changed, "coins")
		attrs = append(attrs, logx.Strings("coins", newCfg.CoinNames()))
	}
	if !reflect.DeepEqual(oldCfg.Submitter, newCfg.Submitter) {
		changed = append(changed, "submitter")
		attrs = append(attrs,
			logx.String("submitter.backend", newCfg.Submitter.BackendName()),
			logx.String("submitter.function", newCfg.Submitter.Function),
		)
	}
	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
	}
	if oldCfg.PriceLog != newCfg.PriceLog {
		changed = append(changed, "price_log")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier != nil && newCfg.Notifier.Enabled))
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "submitter", "price_log", "retry":
			out = append(out, s)
		}
	}
	return out
}
