package ledger

import (
	"slices"
	"time"
)

// Streak is a run of consecutive UTC calendar days with at least one
// completed event.
type Streak struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// ComputeStreak derives streaks from completion times. The current streak
// counts back from now's UTC day and is zero when nothing was completed on
// that day, even if yesterday continues a run.
func ComputeStreak(times []time.Time, now time.Time) Streak {
	if len(times) == 0 {
		return Streak{}
	}

	days := make([]time.Time, 0, len(times))
	for _, t := range times {
		days = append(days, utcDay(t))
	}
	slices.SortFunc(days, func(a, b time.Time) int { return b.Compare(a) })
	days = slices.Compact(days)

	var s Streak
	run := 1
	for i := 1; i < len(days); i++ {
		if days[i].AddDate(0, 0, 1).Equal(days[i-1]) {
			run++
			continue
		}
		s.Longest = max(s.Longest, run)
		run = 1
	}
	s.Longest = max(s.Longest, run)

	today := utcDay(now)
	start := slices.IndexFunc(days, func(d time.Time) bool { return !d.After(today) })
	if start < 0 || !days[start].Equal(today) {
		return s
	}
	s.Current = 1
	for i := start + 1; i < len(days); i++ {
		if !days[i].AddDate(0, 0, 1).Equal(days[i-1]) {
			break
		}
		s.Current++
	}
	return s
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
