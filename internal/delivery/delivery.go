// Package delivery is the boundary to whatever actually presents an
// announcement: registrations go in, "fired" notifications come out.
package delivery

import (
	"context"
	"errors"
	"time"

	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

var ErrStopped = errors.New("delivery subsystem stopped")

// Payload is what gets handed to a Sender when a registration fires.
type Payload struct {
	Content  string
	Metadata map[string]any
}

// Fired reports one elapsed registration. Err is the sender's failure, if any;
// the registration is consumed either way.
type Fired struct {
	ID      int64
	At      time.Time // registered instant
	FiredAt time.Time
	Err     error
}

// Subsystem is a one-shot delivery registry. Re-arming recurring
// announcements is the caller's job.
type Subsystem interface {
	// Register arms id for at, replacing any existing registration for id.
	Register(ctx context.Context, id int64, at time.Time, p Payload) error
	// Deregister disarms id. Unknown ids are not an error.
	Deregister(ctx context.Context, id int64) error
	// Active returns the armed registrations.
	Active(ctx context.Context) (map[int64]time.Time, error)
	// Fired streams elapsed registrations.
	Fired() <-chan Fired
}

// Sender presents one announcement.
type Sender interface {
	Send(ctx context.Context, id int64, p Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, id int64, p Payload) error

func (f SenderFunc) Send(ctx context.Context, id int64, p Payload) error { return f(ctx, id, p) }

// Gate is the permission precondition checked once before scheduling starts.
type Gate interface {
	HasPermission(ctx context.Context) bool
}

// AllowAll grants permission unconditionally.
type AllowAll struct{}

func (AllowAll) HasPermission(context.Context) bool { return true }

// LogSender delivers announcements as structured log lines.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, id int64, p Payload) error {
	log := s.Log
	if log.IsZero() {
		return nil
	}
	fields := []logx.Field{logx.Int64("id", id), logx.String("content", p.Content)}
	if len(p.Metadata) > 0 {
		fields = append(fields, logx.Any("metadata", p.Metadata))
	}
	log.Info("announcement", fields...)
	return nil
}
