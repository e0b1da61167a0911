package config

import (
	"reflect"
	"slices"
	"strings"

	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// Change describes the difference between two configs.
type Change struct {
	// Sections lists changed top-level keys in file order.
	Sections []string
	// Fields are safe log attributes for the new values. Secrets are reduced to "set" flags.
	Fields []logx.Field
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// RestartOnly lists sections that cannot be applied while running.
var RestartOnly = []string{"timezone", "storage", "delivery", "telegram", "metrics"}

// NeedsRestart returns the changed sections that only take effect after a restart.
func (c Change) NeedsRestart() []string {
	var out []string
	for _, s := range c.Sections {
		if slices.Contains(RestartOnly, s) {
			out = append(out, s)
		}
	}
	return out
}

// Diff compares oldCfg to newCfg. Nil configs compare as empty.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	if oldCfg.Zone() != newCfg.Zone() {
		mark("timezone", logx.String("timezone", newCfg.Zone()))
	}
	if oldCfg.Retain() != newCfg.Retain() {
		mark("retain_fired", logx.Bool("retain_fired", newCfg.Retain()))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery", logx.String("delivery.sink", newCfg.Sink()))
	}
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram",
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}
	if oldCfg.Events != newCfg.Events {
		mark("events", logx.Bool("events.log", newCfg.Events.Log))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics", logx.Bool("metrics.enabled", newCfg.Metrics.Enabled), logx.String("metrics.addr", newCfg.Metrics.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Announcements, newCfg.Announcements) {
		mark("announcements", logx.Int("announcements.count", len(newCfg.Announcements)))
	}
	return ch
}
