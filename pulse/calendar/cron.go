package calendar

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pulsed/errors"
)

// starBit marks a field written as "*" or "?" in robfig's bitmasks.
const starBit = 1 << 63

// dstMargin is wider than any DST shift in the tz database.
const dstMargin = 3 * time.Hour

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var dowNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

type cronSpec struct {
	second, minute, hour, dom, month, dow uint64

	// Vixie semantics: when either day field is unrestricted both must
	// match, otherwise either may.
	domStar, dowStar bool
}

// ValidateCron reports whether expr parses as a supported cron expression.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) (*cronSpec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidExpression, "empty cron expression")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, errors.Wrap(ErrInvalidExpression, "timezone belongs in the schedule, not the expression")
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, errors.Wrap(ErrInvalidExpression, "use an interval schedule instead of @every")
	}

	var domText, dowText string
	if !strings.HasPrefix(expr, "@") {
		fields := strings.Fields(expr)
		if len(fields) != 5 && len(fields) != 6 {
			return nil, errors.Wrapf(ErrInvalidExpression, "expected 5 or 6 fields, found %d: %q", len(fields), expr)
		}
		last := len(fields) - 1
		fields[last] = normalizeDow(fields[last])
		domText, dowText = fields[last-2], fields[last]
		expr = strings.Join(fields, " ")
	}

	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidExpression, "%s", err.Error())
	}
	s, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidExpression, "unsupported expression %q", expr)
	}

	return &cronSpec{
		second:  s.Second &^ starBit,
		minute:  s.Minute &^ starBit,
		hour:    s.Hour &^ starBit,
		dom:     s.Dom &^ starBit,
		month:   s.Month &^ starBit,
		dow:     s.Dow &^ starBit,
		domStar: s.Dom&starBit != 0 || isStar(domText),
		dowStar: s.Dow&starBit != 0 || isStar(dowText),
	}, nil
}

func isStar(field string) bool {
	return strings.HasPrefix(field, "*") || strings.HasPrefix(field, "?")
}

// normalizeDow rewrites Sunday-as-7 into 0, which the parser rejects.
func normalizeDow(field string) string {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		rng, stepText, hasStep := strings.Cut(p, "/")
		lo, hi, isRange := strings.Cut(rng, "-")
		if !isRange {
			if lo == "7" && !hasStep {
				parts[i] = "0"
			}
			continue
		}
		if hi != "7" {
			continue
		}

		from, ok := dowNames[strings.ToLower(lo)]
		if !ok {
			n, err := strconv.Atoi(lo)
			if err != nil {
				continue
			}
			from = n
		}
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil || n < 1 {
				continue
			}
			step = n
		}

		var days []string
		for d := from; d <= 7; d += step {
			days = append(days, strconv.Itoa(d%7))
		}
		parts[i] = strings.Join(days, ",")
	}
	return strings.Join(parts, ",")
}

func has(bits uint64, v int) bool { return bits&(1<<uint(v)) != 0 }

func (c *cronSpec) dayMatches(wall time.Time) bool {
	dom := has(c.dom, wall.Day())
	dow := has(c.dow, int(wall.Weekday()))
	if c.domStar || c.dowStar {
		return dom && dow
	}
	return dom || dow
}

// nextWall returns the first matching wall-clock time at or after wall.
// Wall times are naive: UTC-located values carrying local field values.
func (c *cronSpec) nextWall(wall, limit time.Time) (time.Time, bool) {
	t := wall.Truncate(time.Second)
	if t.Before(wall) {
		t = t.Add(time.Second)
	}
	for t.Before(limit) {
		switch {
		case !has(c.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
		case !has(c.hour, t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !has(c.minute, t.Minute()):
			t = t.Truncate(time.Minute).Add(time.Minute)
		case !has(c.second, t.Second()):
			t = t.Add(time.Second)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// next returns the earliest instant after anchor whose wall time in loc matches.
func (c *cronSpec) next(anchor time.Time, loc *time.Location) (time.Time, bool) {
	begin := anchor.Truncate(time.Second).Add(time.Second)

	wall := wallClock(begin, loc)
	if nearTransition(begin, loc) {
		// A wall time just before begin can land after it when it sits in a gap.
		wall = wall.Add(-dstMargin)
	}
	limit := wall.AddDate(cronSearchYears, 0, 0)

	var best, bestWall time.Time
	found := false
	for w, ok := c.nextWall(wall, limit); ok; w, ok = c.nextWall(w.Add(time.Second), limit) {
		if found && w.After(bestWall.Add(dstMargin)) {
			break
		}
		at := resolve(w, loc)
		if at.Before(begin) {
			continue
		}
		if !found || at.Before(best) {
			best, bestWall, found = at, w, true
		}
		if !nearTransition(at, loc) {
			break
		}
	}
	return best, found
}
