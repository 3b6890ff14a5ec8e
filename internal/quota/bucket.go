package quota

import "time"

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// DayBucket returns the day bucket key for t in the policy time zone.
func (p *Policy) DayBucket(t time.Time) string {
	return t.In(p.Location).Format(dayLayout)
}

// MonthBucket returns the month bucket key for t in the policy time zone.
func (p *Policy) MonthBucket(t time.Time) string {
	return t.In(p.Location).Format(monthLayout)
}

// NextDay returns the start of the day after t.
func (p *Policy) NextDay(t time.Time) time.Time {
	l := t.In(p.Location)
	return time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, p.Location)
}

// NextMonth returns the start of the month after t.
func (p *Policy) NextMonth(t time.Time) time.Time {
	l := t.In(p.Location)
	return time.Date(l.Year(), l.Month()+1, 1, 0, 0, 0, 0, p.Location)
}

// MonthProgress returns the elapsed fraction of the month containing t and
// the number of days in it. Used for end-of-month spend projection.
func (p *Policy) MonthProgress(t time.Time) (elapsed float64, days int) {
	l := t.In(p.Location)
	start := time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, p.Location)
	end := p.NextMonth(t)
	days = int(end.Sub(start).Hours()/24 + 0.5)
	return l.Sub(start).Seconds() / end.Sub(start).Seconds(), days
}
