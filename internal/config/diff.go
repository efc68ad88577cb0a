package config

import (
	"reflect"
	"strings"

	logx "fitsched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (telegram token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.String("queue.driver", newCfg.Queue.Driver), logx.Int("queue.workers", newCfg.Queue.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.tick", strings.TrimSpace(newCfg.Executor.Tick)),
			logx.String("executor.timezone", strings.TrimSpace(newCfg.Executor.Timezone)),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
	}
	oldTok := oldCfg.Telegram != nil && strings.TrimSpace(oldCfg.Telegram.Token) != ""
	newTok := newCfg.Telegram != nil && strings.TrimSpace(newCfg.Telegram.Token) != ""
	if oldTok != newTok || !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", newTok))
	}
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after
// restart. HTTP listener settings apply live; see the app reload loop.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "queue", "metrics", "telegram":
			out = append(out, c)
		}
	}
	return out
}
