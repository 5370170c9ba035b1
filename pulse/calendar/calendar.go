// Package calendar computes next-fire instants for recurrence descriptors.
//
// Every computation is pure: the same descriptor and anchor always produce
// the same instant. Wall-clock fields are evaluated in the descriptor's IANA
// timezone; times skipped by a DST jump fire at the first valid instant
// after the gap, and times repeated by a DST fall-back fire once, at the
// earlier instant.
package calendar

import (
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
)

// Kind selects how a descriptor recurs.
type Kind string

const (
	KindCron          Kind = "cron"
	KindInterval      Kind = "interval"
	KindDaily         Kind = "daily"
	KindWeekly        Kind = "weekly"
	KindMonthly       Kind = "monthly"
	KindSpecificTimes Kind = "specific_times"
)

var (
	// ErrInvalidExpression is returned when a descriptor cannot be parsed or can never fire.
	ErrInvalidExpression = errors.New("invalid expression")
	// ErrUnbounded is returned when the next fire time would fall past the end date.
	ErrUnbounded = errors.New("schedule has no fire time before its end date")
)

// enumerateDays bounds the search for day-based kinds.
const enumerateDays = 366

// cronSearchYears bounds the search for cron expressions such as "0 0 31 2 *".
const cronSearchYears = 5

// Descriptor describes a recurrence. Only the fields relevant to Kind are read.
type Descriptor struct {
	Kind Kind

	// Cron: 5-field (m h dom mon dow) or 6-field (s m h dom mon dow).
	Expression string

	// Interval: fires at Start + k*Interval, or anchor + Interval without a Start.
	Interval time.Duration

	// Daily, Weekly, Monthly: times of day to fire.
	Times []TimeOfDay
	// Daily, Weekly: days allowed to fire. Empty means every day for Daily.
	Days Weekdays
	// Monthly: day of month, clamped to the month's last day.
	DayOfMonth int

	// SpecificTimes: (weekday, time of day) slots.
	Slots []Slot

	// Timezone is an IANA name; empty means UTC.
	Timezone string

	Start *time.Time
	End   *time.Time
}

// Schedule is a compiled descriptor.
type Schedule interface {
	// Next returns the first fire instant strictly after anchor.
	Next(anchor time.Time) (time.Time, error)
}

// Next compiles d and returns its first fire instant strictly after anchor.
func Next(d Descriptor, anchor time.Time) (time.Time, error) {
	s, err := Compile(d)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(anchor)
}

// Compile validates d and prepares it for repeated Next calls.
func Compile(d Descriptor) (Schedule, error) {
	loc, err := LoadLocation(d.Timezone)
	if err != nil {
		return nil, err
	}
	if d.Start != nil && d.End != nil && d.End.Before(*d.Start) {
		return nil, errors.Wrap(ErrInvalidExpression, "end date is before start date")
	}

	var inner func(anchor time.Time) (time.Time, bool)
	switch d.Kind {
	case KindCron:
		spec, err := parseCron(d.Expression)
		if err != nil {
			return nil, err
		}
		inner = func(anchor time.Time) (time.Time, bool) { return spec.next(anchor, loc) }

	case KindInterval:
		if d.Interval < time.Second {
			return nil, errors.Wrapf(ErrInvalidExpression, "interval must be at least one second, got %s", d.Interval)
		}
		inner = func(anchor time.Time) (time.Time, bool) { return nextInterval(d.Interval, d.Start, anchor), true }

	case KindDaily, KindWeekly, KindMonthly, KindSpecificTimes:
		slots, err := d.daySlots()
		if err != nil {
			return nil, err
		}
		inner = func(anchor time.Time) (time.Time, bool) { return slots.next(anchor, loc) }

	default:
		return nil, errors.Wrapf(ErrInvalidExpression, "unknown schedule kind %q", d.Kind)
	}

	return &compiled{inner: inner, start: d.Start, end: d.End}, nil
}

type compiled struct {
	inner func(anchor time.Time) (time.Time, bool)
	start *time.Time
	end   *time.Time
}

func (c *compiled) Next(anchor time.Time) (time.Time, error) {
	anchor = anchor.UTC()
	if c.end != nil && !anchor.Before(*c.end) {
		return time.Time{}, ErrUnbounded
	}
	// Fires before the start date are not allowed; the start itself is.
	if c.start != nil && anchor.Before(*c.start) {
		anchor = c.start.UTC().Add(-time.Nanosecond)
	}

	next, ok := c.inner(anchor)
	if !ok {
		return time.Time{}, errors.Wrap(ErrInvalidExpression, "expression never fires")
	}
	if c.end != nil && next.After(*c.end) {
		return time.Time{}, ErrUnbounded
	}
	return next, nil
}

// nextInterval returns base + k*iv for the smallest k with a result after anchor.
func nextInterval(iv time.Duration, base *time.Time, anchor time.Time) time.Time {
	if base == nil {
		return anchor.Add(iv)
	}
	b := base.UTC()
	if b.After(anchor) {
		return b
	}
	k := anchor.Sub(b)/iv + 1
	return b.Add(k * iv)
}

// LoadLocation resolves an IANA zone name; empty and "UTC" mean UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidExpression, "unknown timezone %q", name)
	}
	return loc, nil
}

// IsInvalid reports whether err is an expression error.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidExpression) }

// IsUnbounded reports whether err means the schedule has run past its end date.
func IsUnbounded(err error) bool { return errors.Is(err, ErrUnbounded) }
