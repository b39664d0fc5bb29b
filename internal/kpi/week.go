package kpi

import "time"

// weekStart returns local midnight of the Monday starting now's week.
func weekStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	return time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
}

type week struct {
	start time.Time
	end   time.Time
	loc   *time.Location
}

func newWeek(now time.Time, loc *time.Location) week {
	start := weekStart(now, loc)
	return week{start: start, end: start.AddDate(0, 0, 7), loc: loc}
}

func (w week) contains(ts time.Time) bool {
	return !ts.IsZero() && !ts.Before(w.start) && ts.Before(w.end)
}

func (w week) weekday(ts time.Time) time.Weekday {
	return ts.In(w.loc).Weekday()
}

func (w week) label() string {
	return w.start.Format("2006-01-02")
}
