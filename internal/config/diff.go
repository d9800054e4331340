package config

import (
	"sort"
	"strings"

	logx "tripdesk/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens) are never included; only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if hashJSON(oldCfg.HTTP) != hashJSON(newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.token_count", len(newCfg.HTTP.Tokens)),
		)
	}
	if hashJSON(oldCfg.Logging) != hashJSON(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if hashJSON(oldCfg.Scheduler) != hashJSON(newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.delivery_timeout", newCfg.Dispatcher.DeliveryTimeout),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
			logx.Int("dispatcher.max_concurrent", newCfg.Dispatcher.MaxConcurrent),
			logx.Int("dispatcher.history_size", newCfg.Dispatcher.HistorySize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.prune_schedule", newCfg.Storage.PruneSchedule),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.log", newCfg.Notify.Log),
			logx.Bool("notify.telegram_enabled", newCfg.Notify.Telegram.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
		)
	}
	if hashJSON(oldCfg.Users) != hashJSON(newCfg.Users) {
		changed = append(changed, "users")
		attrs = append(attrs, logx.Int("users.count", len(newCfg.Users)))
	}
	if hashJSON(oldCfg.Jobs) != hashJSON(newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "storage", "notify", "jobs", "scheduler":
			out = append(out, s)
		}
	}
	return out
}
