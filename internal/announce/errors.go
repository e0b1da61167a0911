package announce

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSchedule rejects a one-time instant that is not in the future.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrExternal wraps delivery subsystem failures.
	ErrExternal = errors.New("delivery subsystem error")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("store error")
)

// Error is returned by every Service operation that fails.
//
// Kind is one of ErrInvalidSchedule, ErrExternal, ErrStore,
// recurrence.ErrInvalidRule or recurrence.ErrInvalidTime. ID is 0 when the
// failure happened before an identifier was allocated.
type Error struct {
	Op   string
	ID   int64
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ID != 0 {
		fmt.Fprintf(&b, " #%d", e.ID)
	}
	if e.Kind != nil && (e.Err == nil || !errors.Is(e.Err, e.Kind)) {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// CancelFailure is one entry CancelAll could not cancel.
type CancelFailure struct {
	ID  int64
	Err error
}

// CancelReport is the outcome of CancelAll.
type CancelReport struct {
	Cancelled []int64
	Failed    []CancelFailure
}

// Err joins the collected failures, or returns nil.
func (r CancelReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}
