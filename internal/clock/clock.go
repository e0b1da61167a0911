// Package clock supplies the current time pinned to one process-wide IANA zone.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	_ "time/tzdata"
)

// DefaultZone is used when no timezone is configured.
const DefaultZone = "America/Halifax"

// Clock is the read-only time source shared by every component.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Zone is the system clock expressed in a fixed location.
type Zone struct {
	loc *time.Location
}

// Load resolves name (empty means DefaultZone) into a Zone.
func Load(name string) (*Zone, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Zone{loc: loc}, nil
}

func (z *Zone) Now() time.Time           { return time.Now().In(z.loc) }
func (z *Zone) Location() *time.Location { return z.loc }

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewManual(now time.Time, loc *time.Location) *Manual {
	if loc == nil {
		loc = now.Location()
	}
	return &Manual{now: now.In(loc), loc: loc}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Location() *time.Location { return m.loc }

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.In(m.loc)
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Wall builds an instant from wall-clock fields in c's location.
func Wall(c Clock, year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, c.Location())
}
