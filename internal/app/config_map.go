package app

import (
	"strings"
	"time"

	"tripdesk/internal/config"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/httpapi"
	"tripdesk/internal/notify"
	"tripdesk/internal/storage"
	logx "tripdesk/pkg/logx"
)

// Config.Validate has run before any of these, so duration parse errors
// cannot happen here and fall back to defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Tick:            cfg.Tick(),
		DeliveryTimeout: cfg.DeliveryTimeout(),
		MaxAttempts:     cfg.MaxAttempts(),
		MaxConcurrent:   cfg.Dispatcher.MaxConcurrent,
		HistorySize:     cfg.Dispatcher.HistorySize,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	read, _ := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	write, _ := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		Tokens:       cfg.HTTP.Tokens,
		ReadTimeout:  read,
		WriteTimeout: write,
	}
}

func mapTelegramConfig(cfg *config.Config) notify.TelegramConfig {
	timeout, _ := config.ParseDurationField("notify.telegram.timeout", cfg.Notify.Telegram.Timeout)
	return notify.TelegramConfig{
		Token:          cfg.Notify.Telegram.Token,
		OperatorChatID: cfg.Notify.Telegram.OperatorChatID,
		RatePerSec:     cfg.Notify.Telegram.RatePerSec,
		APIURL:         cfg.Notify.Telegram.APIURL,
		Timeout:        timeout,
	}
}

func mapUsers(cfg *config.Config) []notify.User {
	out := make([]notify.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		out = append(out, notify.User{
			ID:             strings.TrimSpace(u.ID),
			Name:           u.Name,
			TelegramChatID: u.TelegramChatID,
		})
	}
	return out
}
