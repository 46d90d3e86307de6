package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxSteps bounds the search in Next. The sparsest expressions (a single
// ISO week 53 on one weekday) need a few thousand.
const maxSteps = 50000

// expressionSchedule adapts a CronExpression to cron.Schedule. The fields
// robfig understands are delegated to a SpecSchedule; year, ISO week,
// weekday and last-day-of-month are filtered on top of it.
type expressionSchedule struct {
	base    cron.Schedule
	year    *resource.CronField
	week    *resource.CronField
	dow     *resource.CronField
	day     *resource.CronField // only set when it holds "last"
	display string
}

// NewSchedule builds the cron.Schedule for expr.
func NewSchedule(expr resource.CronExpression) (cron.Schedule, error) {
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	r := expr.Resolved()

	dom := r.Day.Spec()
	var lastDay *resource.CronField
	if r.Day.HasLast() {
		dom = "*"
		lastDay = r.Day
	}
	spec := strings.Join([]string{
		r.Second.Spec(),
		r.Minute.Spec(),
		r.Hour.Spec(),
		dom,
		r.Month.Spec(),
		"*",
	}, " ")

	base, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	s := &expressionSchedule{base: base, day: lastDay, display: expr.String()}
	if !r.Year.IsWildcard() {
		s.year = r.Year
	}
	if !r.Week.IsWildcard() {
		s.week = r.Week
	}
	if !r.DayOfWeek.IsWildcard() {
		s.dow = r.DayOfWeek
	}
	return s, nil
}

func (s *expressionSchedule) String() string { return s.display }

// Next returns the first activation after t, or the zero time when there
// is none before the end of the supported year range.
func (s *expressionSchedule) Next(t time.Time) time.Time {
	for i := 0; i < maxSteps; i++ {
		next := s.base.Next(t)
		if next.IsZero() || next.Year() > resource.FieldYear.Max() {
			return time.Time{}
		}
		loc := next.Location()

		if s.year != nil && !s.year.Matches(next.Year(), resource.FieldYear.Max()) {
			y, ok := s.nextYear(next.Year() + 1)
			if !ok {
				return time.Time{}
			}
			t = time.Date(y, time.January, 1, 0, 0, 0, 0, loc).Add(-time.Second)
			continue
		}
		if s.week != nil {
			if _, w := next.ISOWeek(); !s.week.Matches(w, resource.FieldWeek.Max()) {
				t = startOfNextWeek(next).Add(-time.Second)
				continue
			}
		}
		if s.dow != nil && !s.dow.Matches(int(next.Weekday()), resource.FieldDayOfWeek.Max()) {
			t = startOfNextDay(next).Add(-time.Second)
			continue
		}
		if s.day != nil && !s.day.Matches(next.Day(), daysIn(next)) {
			t = startOfNextDay(next).Add(-time.Second)
			continue
		}
		return next
	}
	return time.Time{}
}

func (s *expressionSchedule) nextYear(from int) (int, bool) {
	for y := from; y <= resource.FieldYear.Max(); y++ {
		if s.year.Matches(y, resource.FieldYear.Max()) {
			return y, true
		}
	}
	return 0, false
}

func startOfNextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// startOfNextWeek is the following Monday at midnight, ISO weeks starting
// on Monday.
func startOfNextWeek(t time.Time) time.Time {
	offset := (8 - int(t.Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return time.Date(t.Year(), t.Month(), t.Day()+offset, 0, 0, 0, 0, t.Location())
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
