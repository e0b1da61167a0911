package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidRule = errors.New("invalid recurrence rule")
	ErrInvalidTime = errors.New("invalid time of day")
)

// Kind names a recurrence cadence.
type Kind string

const (
	KindNone     Kind = "none"
	KindDaily    Kind = "daily"
	KindWeekdays Kind = "weekdays"
	KindCustom   Kind = "custom"
)

// ISO weekday numbers used by custom rules.
const (
	Monday    = 1
	Tuesday   = 2
	Wednesday = 3
	Thursday  = 4
	Friday    = 5
	Saturday  = 6
	Sunday    = 7
)

var dayNames = [...]string{"", "mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Rule is a recurrence rule. Days holds ISO weekdays (Mon=1 .. Sun=7)
// and is only meaningful for KindCustom.
type Rule struct {
	Kind Kind  `json:"kind"`
	Days []int `json:"days,omitempty"`
}

func None() Rule     { return Rule{Kind: KindNone} }
func Daily() Rule    { return Rule{Kind: KindDaily} }
func Weekdays() Rule { return Rule{Kind: KindWeekdays} }

// Custom builds a rule for an arbitrary weekday set. Call Validate before use.
func Custom(days ...int) Rule {
	return Rule{Kind: KindCustom, Days: append([]int(nil), days...)}
}

// ParseRule builds a rule from its configuration form.
func ParseRule(kind string, days []int) (Rule, error) {
	r := Rule{Kind: Kind(strings.ToLower(strings.TrimSpace(kind))), Days: days}
	if r.Kind == "" || r.Kind == "once" {
		r.Kind = KindNone
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r.Normalize(), nil
}

// IsRecurring reports whether the rule repeats.
func (r Rule) IsRecurring() bool { return r.Kind != KindNone && r.Kind != "" }

func (r Rule) Validate() error {
	switch r.Kind {
	case KindNone, KindDaily, KindWeekdays:
		return nil
	case KindCustom:
		if len(r.Days) == 0 {
			return fmt.Errorf("%w: custom rule needs at least one weekday", ErrInvalidRule)
		}
		for _, d := range r.Days {
			if d < Monday || d > Sunday {
				return fmt.Errorf("%w: weekday %d out of range 1..7", ErrInvalidRule, d)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
}

// Normalize returns a copy with custom days deduplicated and sorted.
func (r Rule) Normalize() Rule {
	if r.Kind != KindCustom {
		return Rule{Kind: r.Kind}
	}
	seen := make(map[int]bool, len(r.Days))
	days := make([]int, 0, len(r.Days))
	for _, d := range r.Days {
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)
	return Rule{Kind: KindCustom, Days: days}
}

func (r Rule) String() string {
	if r.Kind != KindCustom {
		if r.Kind == "" {
			return string(KindNone)
		}
		return string(r.Kind)
	}
	names := make([]string, 0, len(r.Days))
	for _, d := range r.Days {
		if d >= Monday && d <= Sunday {
			names = append(names, dayNames[d])
		} else {
			names = append(names, strconv.Itoa(d))
		}
	}
	return "custom(" + strings.Join(names, ",") + ")"
}

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range 0..23", ErrInvalidTime, t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range 0..59", ErrInvalidTime, t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: invalid hour in %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: invalid minute in %q", ErrInvalidTime, s)
	}
	tod := TimeOfDay{Hour: h, Minute: m}
	if err := tod.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}
