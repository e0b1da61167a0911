package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// NextOccurrence returns the first instant strictly after now whose wall-clock
// fields in loc match tod on a day allowed by rule.
//
// The search runs on wall-clock fields, so a DST change moves the elapsed
// distance, never the displayed hour. A time of day that does not exist on a
// spring-forward date is skipped to the next qualifying day. A time of day
// inside the repeated hour of a fall-back date occurs once, at its first pass.
// now equal to the target counts as elapsed.
func NextOccurrence(rule Rule, tod TimeOfDay, loc *time.Location, now time.Time) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	if !rule.IsRecurring() {
		return time.Time{}, fmt.Errorf("%w: one-time entries have no next occurrence", ErrInvalidRule)
	}
	if err := tod.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}

	sched, err := cron.ParseStandard(cronSpec(rule, tod))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no occurrence for %s at %s", ErrInvalidRule, rule, tod)
	}
	if repeatsEarlier(next, now) {
		y, m, d := next.Date()
		next = sched.Next(time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Second))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: no occurrence for %s at %s", ErrInvalidRule, rule, tod)
		}
	}
	return next, nil
}

// repeatsEarlier reports whether next is the second pass through a wall-clock
// time on a fall-back date and the first pass is not after now. cron walks
// the repeated hour minute by minute, so it matches both passes.
func repeatsEarlier(next, now time.Time) bool {
	loc := next.Location()
	y, m, d := next.Date()
	_, dayOffset := time.Date(y, m, d, 0, 0, 0, 0, loc).Zone()
	_, offset := next.Zone()
	if dayOffset <= offset {
		return false
	}
	first := next.Add(-time.Duration(dayOffset-offset) * time.Second)
	fy, fm, fd := first.Date()
	if fy != y || fm != m || fd != d || first.Hour() != next.Hour() || first.Minute() != next.Minute() {
		return false
	}
	return !first.After(now)
}

// cronSpec compiles a recurring rule into a five-field cron expression.
// Call only with a validated recurring rule.
func cronSpec(rule Rule, tod TimeOfDay) string {
	dow := "*"
	switch rule.Kind {
	case KindWeekdays:
		dow = "1-5"
	case KindCustom:
		days := rule.Normalize().Days
		parts := make([]string, 0, len(days))
		for _, d := range days {
			// cron counts Sunday as 0.
			parts = append(parts, strconv.Itoa(d%7))
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", tod.Minute, tod.Hour, dow)
}
