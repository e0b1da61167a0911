package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys that override secrets from the file.
const (
	EnvTelegramToken = "ANNOUNCER_TELEGRAM_TOKEN"
	EnvPostgresDSN   = "ANNOUNCER_POSTGRES_DSN"
)

// loadEnv reads the .env next to the config file. The process environment wins
// over the file; a missing .env is not an error.
func loadEnv(configPath string) (func(string) string, error) {
	vals, err := godotenv.Read(filepath.Join(filepath.Dir(configPath), ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return vals[key]
	}, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvPostgresDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}
