// Package eventbus fans announcement status changes out to any number of
// buffered subscribers. Publishing never waits: a full subscriber loses the
// event and the bus counts it. Subscribers only see events published after
// they joined.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies a status event.
type Kind string

const (
	Scheduled Kind = "scheduled"
	Fired     Kind = "fired"
	Cancelled Kind = "cancelled"
	Error     Kind = "error"
)

// Event is a status change for one announcement. ID is 0 for errors raised
// before an identifier was allocated.
type Event struct {
	ID     int64
	Kind   Kind
	Detail string
	Time   time.Time
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s #%d", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s #%d: %s", e.Kind, e.ID, e.Detail)
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped on full subscribers.
	Dropped() uint64
}

const defaultBuffer = 8

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &fanout{}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is safe; unsubscribe
	// takes the write lock before closing a channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, func() { b.remove(s) }
}

func (b *fanout) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
