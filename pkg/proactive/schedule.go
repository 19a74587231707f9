package proactive

import "time"

const runHour = 8

// NextRun returns when an agent with frequency f runs next. The result is
// strictly after both the previous next_run and now, so a late or stalled
// scheduler never replays missed runs.
func NextRun(f Frequency, prev, now time.Time) time.Time {
	base := now.UTC()
	if p := prev.UTC(); p.After(base) {
		base = p
	}
	switch f {
	case FrequencyRealTime:
		return base.Add(time.Minute)
	case FrequencyHourly:
		return base.Add(time.Hour)
	case FrequencyWeekly:
		next := atRunHour(base)
		for !next.After(base) || next.Weekday() != time.Monday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case FrequencyMonthly:
		return time.Date(base.Year(), base.Month()+1, 1, runHour, 0, 0, 0, time.UTC)
	default:
		next := atRunHour(base)
		if !next.After(base) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

func atRunHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), runHour, 0, 0, 0, time.UTC)
}
