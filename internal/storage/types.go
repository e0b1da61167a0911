package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
)

var (
	ErrNotFound = errors.New("entry not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres".
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string        // file prefix or sqlite database path
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is the persisted unit for one announcement.
//
// ScheduledAt is the next fire time as of the last computation, never the
// creation time. TimeOfDay is nil only for one-time entries created from an
// absolute instant. Metadata values must be JSON-representable.
type Entry struct {
	ID          int64                 `json:"id"`
	Content     string                `json:"content"`
	Rule        recurrence.Rule       `json:"rule"`
	TimeOfDay   *recurrence.TimeOfDay `json:"time_of_day,omitempty"`
	ScheduledAt time.Time             `json:"scheduled_at"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Entry) Clone() Entry {
	cp := e
	if e.TimeOfDay != nil {
		tod := *e.TimeOfDay
		cp.TimeOfDay = &tod
	}
	if e.Metadata != nil {
		cp.Metadata = maps.Clone(e.Metadata)
	}
	if e.Rule.Days != nil {
		cp.Rule.Days = append([]int(nil), e.Rule.Days...)
	}
	return cp
}

// Store is the persistence contract for scheduled entries.
//
// All methods are safe for concurrent use; conflicting writes to the same
// identifier are serialized by the store. Readers never observe a partially
// written entry.
type Store interface {
	// Put upserts e by ID.
	Put(ctx context.Context, e Entry) error
	// Get returns ErrNotFound for unknown identifiers.
	Get(ctx context.Context, id int64) (Entry, error)
	// List returns every entry in no particular order.
	List(ctx context.Context) ([]Entry, error)
	// Delete removes id; deleting an unknown id is not an error.
	Delete(ctx context.Context, id int64) error
	// NextID advances and returns the persisted identifier sequence.
	NextID(ctx context.Context) (int64, error)
	Close() error
}

func validateEntry(e Entry) error {
	if e.ID <= 0 {
		return fmt.Errorf("entry id must be positive, got %d", e.ID)
	}
	if e.ScheduledAt.IsZero() {
		return fmt.Errorf("entry %d: scheduled_at required", e.ID)
	}
	return nil
}
