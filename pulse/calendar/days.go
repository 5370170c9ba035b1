package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
)

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, errors.Wrapf(ErrInvalidExpression, "time of day %q: want HH:MM or HH:MM:SS", s)
	}
	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, errors.Wrapf(ErrInvalidExpression, "time of day %q out of range", s)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// ParseTimes parses a list of times of day.
func ParseTimes(list []string) ([]TimeOfDay, error) {
	out := make([]TimeOfDay, 0, len(list))
	for _, s := range list {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute + time.Duration(t.Second)*time.Second
}

// Weekdays is a bitmask where bit i is time.Weekday(i).
type Weekdays uint8

// AllWeekdays allows every day.
const AllWeekdays Weekdays = 0x7f

// WeekdaysOf builds a mask from days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<uint(d)) != 0 }

func (w Weekdays) String() string {
	var names []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			names = append(names, strings.ToLower(d.String()[:3]))
		}
	}
	return strings.Join(names, ",")
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		if d, ok := dowNames[s[:3]]; ok {
			return time.Weekday(d), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 7 {
		return 0, errors.Wrapf(ErrInvalidExpression, "unknown weekday %q", s)
	}
	return time.Weekday(n % 7), nil
}

// ParseWeekdays parses a comma-separated list such as "mon,wed,fri" or "1,3,5".
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := parseWeekday(part)
		if err != nil {
			return 0, err
		}
		w |= WeekdaysOf(d)
	}
	return w, nil
}

// Slot is one weekly fire time.
type Slot struct {
	Day time.Weekday
	At  TimeOfDay
}

// ParseSlot parses "mon 09:30".
func ParseSlot(s string) (Slot, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Slot{}, errors.Wrapf(ErrInvalidExpression, "slot %q: want \"<weekday> HH:MM\"", s)
	}
	d, err := parseWeekday(fields[0])
	if err != nil {
		return Slot{}, err
	}
	at, err := ParseTimeOfDay(fields[1])
	if err != nil {
		return Slot{}, err
	}
	return Slot{Day: d, At: at}, nil
}

// ParseSlots parses a list of slots.
func ParseSlots(list []string) ([]Slot, error) {
	out := make([]Slot, 0, len(list))
	for _, s := range list {
		slot, err := ParseSlot(s)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, nil
}

func (s Slot) String() string {
	return strings.ToLower(s.Day.String()[:3]) + " " + s.At.String()
}

type dayPlan struct {
	kind  Kind
	times []TimeOfDay
	days  Weekdays
	dom   int
	slots []Slot
}

func (d Descriptor) daySlots() (*dayPlan, error) {
	p := &dayPlan{kind: d.Kind, days: d.Days, dom: d.DayOfMonth, slots: d.Slots}
	p.times = append([]TimeOfDay(nil), d.Times...)
	if len(p.times) == 0 {
		p.times = []TimeOfDay{{}}
	}
	sort.Slice(p.times, func(i, j int) bool { return p.times[i].offset() < p.times[j].offset() })

	switch d.Kind {
	case KindDaily:
		if p.days == 0 {
			p.days = AllWeekdays
		}
	case KindWeekly:
		if p.days == 0 {
			return nil, errors.Wrap(ErrInvalidExpression, "weekly schedule needs at least one weekday")
		}
	case KindMonthly:
		if p.dom < 1 || p.dom > 31 {
			return nil, errors.Wrapf(ErrInvalidExpression, "day of month must be 1-31, got %d", p.dom)
		}
	case KindSpecificTimes:
		if len(p.slots) == 0 {
			return nil, errors.Wrap(ErrInvalidExpression, "specific-times schedule needs at least one slot")
		}
	}
	return p, nil
}

// fires returns the times of day that fire on the local date day.
func (p *dayPlan) fires(day time.Time) []TimeOfDay {
	switch p.kind {
	case KindDaily, KindWeekly:
		if p.days.Has(day.Weekday()) {
			return p.times
		}
	case KindMonthly:
		last := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
		if day.Day() == min(p.dom, last) {
			return p.times
		}
	case KindSpecificTimes:
		var out []TimeOfDay
		for _, s := range p.slots {
			if s.Day == day.Weekday() {
				out = append(out, s.At)
			}
		}
		return out
	}
	return nil
}

func (p *dayPlan) next(anchor time.Time, loc *time.Location) (time.Time, bool) {
	w := wallClock(anchor, loc)
	// Start a day early: a gap-shifted time from yesterday can still be ahead.
	first := time.Date(w.Year(), w.Month(), w.Day()-1, 0, 0, 0, 0, time.UTC)

	var best time.Time
	foundDay := -1
	for i := 0; i <= enumerateDays+1; i++ {
		if foundDay >= 0 && i > foundDay+1 {
			break
		}
		day := first.AddDate(0, 0, i)
		for _, tod := range p.fires(day) {
			at := resolve(day.Add(tod.offset()), loc)
			if !at.After(anchor) {
				continue
			}
			if foundDay < 0 || at.Before(best) {
				best = at
				if foundDay < 0 {
					foundDay = i
				}
			}
		}
	}
	return best, foundDay >= 0
}
