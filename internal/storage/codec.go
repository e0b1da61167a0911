package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
)

// sqlRow is the column form shared by the SQL drivers.
type sqlRow struct {
	ID          int64
	Content     string
	RuleKind    string
	RuleDays    string // JSON array or ""
	TimeOfDay   string // "HH:MM" or ""
	ScheduledAt int64  // unix nanos
	Metadata    string // JSON object or ""
	CreatedAt   int64  // unix nanos
}

func encodeRow(e Entry) (sqlRow, error) {
	r := sqlRow{
		ID:          e.ID,
		Content:     e.Content,
		RuleKind:    string(e.Rule.Kind),
		ScheduledAt: e.ScheduledAt.UnixNano(),
	}
	if r.RuleKind == "" {
		r.RuleKind = string(recurrence.KindNone)
	}
	if !e.CreatedAt.IsZero() {
		r.CreatedAt = e.CreatedAt.UnixNano()
	}
	if len(e.Rule.Days) > 0 {
		b, err := json.Marshal(e.Rule.Days)
		if err != nil {
			return sqlRow{}, err
		}
		r.RuleDays = string(b)
	}
	if e.TimeOfDay != nil {
		r.TimeOfDay = e.TimeOfDay.String()
	}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return sqlRow{}, fmt.Errorf("entry %d metadata: %w", e.ID, err)
		}
		r.Metadata = string(b)
	}
	return r, nil
}

func (r sqlRow) decode() (Entry, error) {
	e := Entry{
		ID:          r.ID,
		Content:     r.Content,
		Rule:        recurrence.Rule{Kind: recurrence.Kind(r.RuleKind)},
		ScheduledAt: unixNano(r.ScheduledAt),
	}
	if r.CreatedAt != 0 {
		e.CreatedAt = unixNano(r.CreatedAt)
	}
	if strings.TrimSpace(r.RuleDays) != "" {
		if err := json.Unmarshal([]byte(r.RuleDays), &e.Rule.Days); err != nil {
			return Entry{}, fmt.Errorf("entry %d rule days: %w", r.ID, err)
		}
	}
	if r.TimeOfDay != "" {
		tod, err := recurrence.ParseTimeOfDay(r.TimeOfDay)
		if err != nil {
			return Entry{}, fmt.Errorf("entry %d: %w", r.ID, err)
		}
		e.TimeOfDay = &tod
	}
	if strings.TrimSpace(r.Metadata) != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("entry %d metadata: %w", r.ID, err)
		}
	}
	return e, nil
}

func unixNano(n int64) time.Time { return time.Unix(0, n) }

const selectColumns = `id, content, rule_kind, COALESCE(rule_days, ''), COALESCE(time_of_day, ''), scheduled_at, COALESCE(metadata, ''), created_at`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Entry, error) {
	var r sqlRow
	if err := sc.Scan(&r.ID, &r.Content, &r.RuleKind, &r.RuleDays, &r.TimeOfDay, &r.ScheduledAt, &r.Metadata, &r.CreatedAt); err != nil {
		return Entry{}, err
	}
	return r.decode()
}
