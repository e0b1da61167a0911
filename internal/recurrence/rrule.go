package recurrence

import (
	"github.com/teambition/rrule-go"
)

var isoToRRule = [...]rrule.Weekday{
	Monday:    rrule.MO,
	Tuesday:   rrule.TU,
	Wednesday: rrule.WE,
	Thursday:  rrule.TH,
	Friday:    rrule.FR,
	Saturday:  rrule.SA,
	Sunday:    rrule.SU,
}

// ROption maps a recurring rule onto RFC 5545 options (no DTSTART).
// ok is false for one-time or invalid rules.
func (r Rule) ROption(tod TimeOfDay) (opt rrule.ROption, ok bool) {
	if !r.IsRecurring() || r.Validate() != nil || tod.Validate() != nil {
		return rrule.ROption{}, false
	}
	opt = rrule.ROption{
		Freq:     rrule.DAILY,
		Byhour:   []int{tod.Hour},
		Byminute: []int{tod.Minute},
		Bysecond: []int{0},
	}
	switch r.Kind {
	case KindWeekdays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
	case KindCustom:
		opt.Freq = rrule.WEEKLY
		for _, d := range r.Normalize().Days {
			opt.Byweekday = append(opt.Byweekday, isoToRRule[d])
		}
	}
	return opt, true
}

// RRule renders the rule as an RFC 5545 RRULE value, or "" for one-time rules.
func (r Rule) RRule(tod TimeOfDay) string {
	opt, ok := r.ROption(tod)
	if !ok {
		return ""
	}
	return opt.RRuleString()
}
