package cron

import (
	"fmt"
	"strings"
	"time"

	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions, 6-field expressions with a
// leading seconds field, and descriptors such as @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// LoadLocation resolves an IANA timezone name. Empty means UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		timezone = models.DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidTimezone, timezone)
	}
	return loc, nil
}

// Parse compiles expr bound to timezone.
func Parse(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.New(errs.ErrInvalidCronExpression, "empty expression")
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, errs.New(errs.ErrInvalidCronExpression, "timezone must not be embedded: "+expr)
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidCronExpression, fmt.Sprintf("%s (%v)", expr, err))
	}
	return sched, nil
}

// Next returns the first fire time strictly after the given instant. The
// expression is evaluated in the schedule's timezone so wall-clock times
// survive DST transitions.
func Next(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, errs.New(errs.ErrInvalidCronExpression, "expression never fires: "+expr)
	}
	return next, nil
}

// NextN returns up to n consecutive fire times after the given instant.
func NextN(expr, timezone string, after time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr, timezone)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	t := after
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 && n > 0 {
		return nil, errs.New(errs.ErrInvalidCronExpression, "expression never fires: "+expr)
	}
	return out, nil
}

// Validate checks that expr parses in timezone and fires at least once after
// the given instant.
func Validate(expr, timezone string, after time.Time) error {
	_, err := Next(expr, timezone, after)
	return err
}
