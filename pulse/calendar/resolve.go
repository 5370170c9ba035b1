package calendar

import "time"

// wallClock returns t's local field values in loc as a naive UTC time.
func wallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// resolve maps a naive wall time to an instant in loc.
//
// A wall time repeated by a fall-back resolves to its earlier instant. A wall
// time skipped by a spring-forward is read with the pre-transition offset,
// which lands it the same distance past the gap (02:30 in a 02:00-03:00 gap
// becomes 03:30).
func resolve(wall time.Time, loc *time.Location) time.Time {
	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, after := wall.Add(24 * time.Hour).In(loc).Zone()

	var best time.Time
	found := false
	for _, off := range [2]int{before, after} {
		at := wall.Add(-time.Duration(off) * time.Second)
		if _, o := at.In(loc).Zone(); o != off {
			continue
		}
		if !found || at.Before(best) {
			best, found = at, true
		}
	}
	if !found {
		return wall.Add(-time.Duration(before) * time.Second)
	}
	return best
}

// nearTransition reports whether loc changes offset within dstMargin of t.
func nearTransition(t time.Time, loc *time.Location) bool {
	_, a := t.Add(-dstMargin).In(loc).Zone()
	_, b := t.Add(dstMargin).In(loc).Zone()
	return a != b
}
