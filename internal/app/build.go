package app

import (
	"context"
	"errors"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/config"
	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	"github.com/koorzenb/announcement-scheduler/internal/storage"
	"github.com/koorzenb/announcement-scheduler/internal/transport/telegram"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// ErrNoPermission is returned when the delivery target refuses us at boot.
var ErrNoPermission = errors.New("delivery permission denied")

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" && (cfg.Storage.Driver == "" || cfg.Storage.Driver == "file") {
		path = "./data/announcements"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func timersOptions(cfg *config.Config) ([]delivery.TimersOption, error) {
	maxSleep, err := config.ParseDuration("delivery.max_sleep", cfg.Delivery.MaxSleep, 0)
	if err != nil {
		return nil, err
	}
	return []delivery.TimersOption{
		delivery.WithMaxSleep(maxSleep),
		delivery.WithFiredBuffer(cfg.Delivery.FiredBuffer),
	}, nil
}

// buildSender picks the delivery sink and its permission gate.
func buildSender(cfg *config.Config, log logx.Logger) (delivery.Sender, delivery.Gate, error) {
	if cfg.Sink() != "telegram" {
		return delivery.LogSender{Log: log.With(logx.String("comp", "announcement"))}, delivery.AllowAll{}, nil
	}
	tc := cfg.Telegram
	retryBase, err := config.ParseDuration("telegram.retry_base", tc.RetryBase, 0)
	if err != nil {
		return nil, nil, err
	}
	sendTimeout, err := config.ParseDuration("telegram.send_timeout", tc.SendTimeout, 0)
	if err != nil {
		return nil, nil, err
	}
	s, err := telegram.New(telegram.Config{
		Token:       tc.Token,
		ChatID:      tc.ChatID,
		ThreadID:    tc.ThreadID,
		ParseMode:   tc.ParseMode,
		RatePerSec:  tc.RatePerSec,
		RetryMax:    tc.RetryMax,
		RetryBase:   retryBase,
		SendTimeout: sendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func checkPermission(ctx context.Context, gate delivery.Gate) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if !gate.HasPermission(ctx) {
		return ErrNoPermission
	}
	return nil
}
