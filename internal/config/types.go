package config

import (
	"tripdesk/internal/schedule"
)

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Notify     NotifyConfig     `json:"notify"`

	// Users is the user directory: the audience of system-wide reminders
	// and the Telegram chat of each user.
	Users []UserConfig `json:"users,omitempty"`
	// Jobs is the catalog provisioned on startup. Jobs already stored keep
	// their persisted schedule.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

// HTTPConfig controls the REST API.
//
// Security note: with no tokens configured every route is open. Bind to
// localhost in that case.
type HTTPConfig struct {
	Addr         string   `json:"addr"`                    // default: "127.0.0.1:8080"
	Tokens       []string `json:"tokens,omitempty"`        // bearer tokens (do not log)
	ReadTimeout  string   `json:"read_timeout,omitempty"`  // default: "10s"
	WriteTimeout string   `json:"write_timeout,omitempty"` // default: "30s"
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn/error lines to the Telegram operator chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Timezone seeds the scheduling zone on first start only. Afterwards the
	// persisted zone wins and is changed through the API.
	Timezone string `json:"timezone,omitempty"`
	Tick     string `json:"tick,omitempty"` // default: "1s"
}

// DispatcherConfig tunes delivery. Defaults: delivery_timeout "30s",
// max_attempts 3, max_concurrent 8, history_size 200.
type DispatcherConfig struct {
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tripdesk.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// PruneSchedule is a five-field cron expression (UTC) or a descriptor
	// such as "@daily". Empty disables pruning.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// Retention is how long sent and cancelled reminders are kept.
	Retention string `json:"retention,omitempty"`
}

type NotifyConfig struct {
	// Log writes every notification to the log as well.
	Log      bool           `json:"log"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled        bool    `json:"enabled"`
	Token          string  `json:"token,omitempty"` // do not log
	OperatorChatID int64   `json:"operator_chat_id,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	APIURL         string  `json:"api_url,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
}

type UserConfig struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// JobConfig declares one catalog job. Enabled defaults to true.
type JobConfig struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty"`
	ScheduleType string            `json:"schedule_type"`
	Metadata     schedule.Metadata `json:"metadata"`
}

// IsEnabled reports the effective enabled flag.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
