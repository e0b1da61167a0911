package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints that strict decoding cannot.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	loc, err := time.LoadLocation(c.Zone())
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
		loc = time.UTC
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if _, err := ParseDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn (or ANNOUNCER_POSTGRES_DSN) is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if _, err := ParseDuration("delivery.max_sleep", c.Delivery.MaxSleep, 0); err != nil {
		errs = append(errs, err)
	}
	switch c.Sink() {
	case "log":
	case "telegram":
		if strings.TrimSpace(c.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token (or ANNOUNCER_TELEGRAM_TOKEN) is required for the telegram sink"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required for the telegram sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("delivery.sink: unknown sink %q", c.Delivery.Sink))
	}
	for _, f := range [][2]string{
		{"telegram.retry_base", c.Telegram.RetryBase},
		{"telegram.send_timeout", c.Telegram.SendTimeout},
	} {
		if _, err := ParseDuration(f[0], f[1], 0); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.Announcements))
	for i, a := range c.Announcements {
		p, err := a.Resolve(loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("announcements[%d]: %w", i, err))
			continue
		}
		if seen[p.Key] {
			errs = append(errs, fmt.Errorf("announcements[%d]: duplicate key %q", i, p.Key))
		}
		seen[p.Key] = true
	}
	return errors.Join(errs...)
}

// Zone returns the configured zone name or DefaultTimezone.
func (c *Config) Zone() string {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		return tz
	}
	return DefaultTimezone
}

func (c *Config) Retain() bool {
	return c.RetainFired == nil || *c.RetainFired
}

// Sink returns the normalized delivery sink name.
func (c *Config) Sink() string {
	s := strings.ToLower(strings.TrimSpace(c.Delivery.Sink))
	if s == "" {
		return "log"
	}
	return s
}

// Plans resolves every declared announcement. Call after Validate.
func (c *Config) Plans(loc *time.Location) ([]Plan, error) {
	out := make([]Plan, 0, len(c.Announcements))
	for _, a := range c.Announcements {
		p, err := a.Resolve(loc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
