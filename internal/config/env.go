package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets belong here rather than in the config file.
const (
	EnvAPIToken      = "TRIPDESK_API_TOKEN"
	EnvTelegramToken = "TRIPDESK_TELEGRAM_TOKEN"
	EnvStoragePath   = "TRIPDESK_STORAGE_PATH"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// applyEnv overlays the environment onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvAPIToken)); v != "" {
		cfg.HTTP.Tokens = []string{v}
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvStoragePath)); v != "" {
		cfg.Storage.Path = v
	}
}
