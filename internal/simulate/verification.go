package simulate

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/rewards/pkg/logger"
)

// verify compares each user's aggregates with the plan and checks that the
// leaderboard orders the simulated users by points, then streak, then id.
func (r *runner) verify(ctx context.Context, plan *Plan) error {
	var mu sync.Mutex
	add := func(format string, args ...any) {
		mu.Lock()
		r.stats.Mismatches = append(r.stats.Mismatches, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	order := plan.Order()
	r.fanOut(ctx, order, func(id string) {
		got, err := r.client.User(ctx, id)
		if err != nil {
			add("user %s: %v", id, err)
			return
		}
		want := plan.Expected[id]
		if got.TotalInterviewPoints != want.Points {
			add("user %s: points %d, want %d", id, got.TotalInterviewPoints, want.Points)
		}
		if got.TotalInterviews != want.Interviews {
			add("user %s: interviews %d, want %d", id, got.TotalInterviews, want.Interviews)
		}
		if !got.TotalEarnings.Equal(want.Earnings) {
			add("user %s: earnings %s, want %s", id, got.TotalEarnings, want.Earnings)
		}
		if got.CurrentStreak != want.Streak.Current {
			add("user %s: current streak %d, want %d", id, got.CurrentStreak, want.Streak.Current)
		}
		if got.LongestStreak != want.Streak.Longest {
			add("user %s: longest streak %d, want %d", id, got.LongestStreak, want.Streak.Longest)
		}
		mu.Lock()
		r.stats.UsersChecked++
		mu.Unlock()
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	top, err := r.client.Leaderboard(ctx, r.cfg.TopN)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	for i := 1; i < len(top); i++ {
		if top[i].Points > top[i-1].Points {
			add("leaderboard position %d has more points than position %d", i+1, i)
		}
		if top[i].Rank != top[i-1].Rank+1 {
			add("leaderboard ranks not consecutive at %d", i+1)
		}
	}

	// Other users may share the board; only the relative order of ours is
	// checked, and only for the users that made it onto the page.
	present := make(map[string]bool, len(top))
	var seen []string
	for _, s := range top {
		if _, ok := plan.Expected[s.UserID]; ok {
			present[s.UserID] = true
			seen = append(seen, s.UserID)
		}
	}
	want := make([]string, 0, len(seen))
	for _, id := range order {
		if present[id] {
			want = append(want, id)
		}
	}
	for i := range want {
		if want[i] != seen[i] {
			add("leaderboard order differs at simulated position %d: got %s, want %s", i+1, seen[i], want[i])
			break
		}
	}

	if r.cfg.Verbose {
		for i, s := range top[:min(len(top), 10)] {
			r.log.Info(ctx, "leaderboard",
				logger.Int("position", i+1),
				logger.String("user_id", s.UserID),
				logger.Int64("points", s.Points),
				logger.Int("streak", s.CurrentStreak),
			)
		}
	}
	return nil
}
