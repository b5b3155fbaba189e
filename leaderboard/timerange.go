package leaderboard

import "time"

// TimeRange names a leaderboard aggregation window.
type TimeRange string

const (
	RangeDaily   TimeRange = "daily"
	RangeWeekly  TimeRange = "weekly"
	RangeMonthly TimeRange = "monthly"
	RangeAllTime TimeRange = "all_time"
)

// Window computes the [from, to) boundaries of a range around the reference
// instant, in UTC. bounded=false for AllTime. The week begins on Sunday.
func Window(rng TimeRange, ref time.Time) (from, to time.Time, bounded bool) {
	ref = ref.UTC()
	switch rng {
	case RangeDaily:
		from = startOfDay(ref)
		return from, from.AddDate(0, 0, 1), true
	case RangeWeekly:
		day := startOfDay(ref)
		from = day.AddDate(0, 0, -int(day.Weekday()))
		return from, from.AddDate(0, 0, 7), true
	case RangeMonthly:
		from = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0), true
	default:
		return time.Time{}, time.Time{}, false
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
