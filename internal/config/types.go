package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/clock"
	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
)

// DefaultTimezone is used when the timezone key is omitted.
const DefaultTimezone = clock.DefaultZone

type Config struct {
	// Timezone is an IANA zone name. All wall-clock rules resolve in it.
	Timezone string `json:"timezone,omitempty"`

	// RetainFired keeps delivered one-time entries (reported inactive).
	// Omitted means true.
	RetainFired *bool `json:"retain_fired,omitempty"`

	Logging       LoggingConfig        `json:"logging"`
	Storage       StorageConfig        `json:"storage"`
	Delivery      DeliveryConfig       `json:"delivery"`
	Telegram      TelegramConfig       `json:"telegram"`
	Events        EventsConfig         `json:"events"`
	Metrics       MetricsConfig        `json:"metrics"`
	Announcements []AnnouncementConfig `json:"announcements,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable medium.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/announcements.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; prefer ANNOUNCER_POSTGRES_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DeliveryConfig controls the in-process timer loop.
type DeliveryConfig struct {
	// Sink is "log" (default) or "telegram".
	Sink string `json:"sink,omitempty"`
	// MaxSleep caps one timer wait (Go duration string, default 60s).
	MaxSleep    string `json:"max_sleep,omitempty"`
	FiredBuffer int    `json:"fired_buffer,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"` // prefer ANNOUNCER_TELEGRAM_TOKEN
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// EventsConfig controls the status event stream.
type EventsConfig struct {
	// Log writes every status event to the log at info level.
	Log bool `json:"log"`
	// Buffer is the per-subscriber queue length (default 64).
	Buffer int `json:"buffer,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
}

// AnnouncementConfig declares one announcement owned by the config file.
//
// Exactly one of At (one-time) or Time (recurring) is set.
// Key ties the declaration to its scheduled entry across reloads.
type AnnouncementConfig struct {
	Key      string         `json:"key"`
	Content  string         `json:"content"`
	At       string         `json:"at,omitempty"`   // RFC 3339, or "2006-01-02 15:04" in the configured zone
	Time     string         `json:"time,omitempty"` // "HH:MM"
	Rule     string         `json:"rule,omitempty"` // daily | weekdays | custom
	Days     []int          `json:"days,omitempty"` // ISO weekdays for custom
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Plan is a resolved announcement declaration.
type Plan struct {
	Key       string
	Content   string
	At        time.Time // one-time only
	Rule      recurrence.Rule
	TimeOfDay recurrence.TimeOfDay
	Metadata  map[string]any
}

func (p Plan) Recurring() bool { return p.Rule.IsRecurring() }

const localAtLayout = "2006-01-02 15:04"

// Resolve validates the declaration and resolves times in loc.
func (a AnnouncementConfig) Resolve(loc *time.Location) (Plan, error) {
	p := Plan{Key: strings.TrimSpace(a.Key), Content: a.Content, Metadata: a.Metadata}
	if p.Key == "" {
		return Plan{}, errors.New("key is required")
	}
	if strings.TrimSpace(a.Content) == "" {
		return Plan{}, fmt.Errorf("%s: content is required", p.Key)
	}
	at := strings.TrimSpace(a.At)
	tod := strings.TrimSpace(a.Time)
	switch {
	case at != "" && tod != "":
		return Plan{}, fmt.Errorf("%s: set either at or time, not both", p.Key)
	case at != "":
		if r := strings.TrimSpace(a.Rule); r != "" && r != "once" && r != string(recurrence.KindNone) {
			return Plan{}, fmt.Errorf("%s: rule %q needs time, not at", p.Key, r)
		}
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			t, err = time.ParseInLocation(localAtLayout, at, loc)
		}
		if err != nil {
			return Plan{}, fmt.Errorf("%s: invalid at %q", p.Key, a.At)
		}
		p.At = t.In(loc)
		p.Rule = recurrence.None()
		return p, nil
	case tod != "":
		rule := a.Rule
		if strings.TrimSpace(rule) == "" {
			rule = string(recurrence.KindDaily)
		}
		r, err := recurrence.ParseRule(rule, a.Days)
		if err != nil {
			return Plan{}, fmt.Errorf("%s: %w", p.Key, err)
		}
		if !r.IsRecurring() {
			return Plan{}, fmt.Errorf("%s: one-time announcements use at", p.Key)
		}
		t, err := recurrence.ParseTimeOfDay(tod)
		if err != nil {
			return Plan{}, fmt.Errorf("%s: %w", p.Key, err)
		}
		p.Rule, p.TimeOfDay = r, t
		return p, nil
	default:
		return Plan{}, fmt.Errorf("%s: at or time is required", p.Key)
	}
}
