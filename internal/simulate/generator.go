package simulate

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/okian/rewards/internal/ledger"
	"github.com/shopspring/decimal"
)

const maxEventsPerDay = 3

// User is a simulated account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Wallet      string `json:"wallet"`
}

// Delivery is one webhook body.
type Delivery struct {
	EventID     string           `json:"event_id"`
	UserID      string           `json:"user_id"`
	Status      string           `json:"status"`
	Score       int64            `json:"score,omitempty"`
	Earnings    *decimal.Decimal `json:"earnings,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Expectation is what the ledger should hold for a user afterwards.
type Expectation struct {
	Points     int64
	Earnings   decimal.Decimal
	Interviews int64
	Streak     ledger.Streak
}

// Plan is a generated run. Deliveries of one user must be sent in order.
type Plan struct {
	Users      []User
	Deliveries map[string][]Delivery
	Expected   map[string]Expectation
	Generated  int
}

// Order returns user ids by expected standing: points descending, then
// current streak descending, then id ascending.
func (p *Plan) Order() []string {
	ids := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		ids = append(ids, u.ID)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.Expected[ids[i]], p.Expected[ids[j]]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Streak.Current != b.Streak.Current {
			return a.Streak.Current > b.Streak.Current
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Generate builds a deterministic plan for cfg ending at now.
func Generate(cfg Config, now time.Time) *Plan {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("rewards-sim-%d", cfg.Seed)))
	now = now.UTC()

	p := &Plan{
		Deliveries: make(map[string][]Delivery, cfg.Users),
		Expected:   make(map[string]Expectation, cfg.Users),
	}
	for i := 0; i < cfg.Users; i++ {
		id := uuid.NewSHA1(ns, []byte(fmt.Sprintf("user-%d", i))).String()
		wallet := common.BytesToAddress(uuid.NewSHA1(ns, []byte(fmt.Sprintf("wallet-%d", i))).NodeID())
		p.Users = append(p.Users, User{ID: id, DisplayName: fmt.Sprintf("sim-user-%03d", i), Wallet: wallet.Hex()})

		exp := Expectation{Earnings: decimal.Zero}
		var times []time.Time
		for d := cfg.Days - 1; d >= 0; d-- {
			if rng.Float64() >= cfg.Activity {
				continue
			}
			day := now.AddDate(0, 0, -d).Truncate(24 * time.Hour)
			for n := 1 + rng.IntN(maxEventsPerDay); n > 0; n-- {
				evID := uuid.NewSHA1(ns, []byte(fmt.Sprintf("event-%d-%d-%d", i, d, n))).String()
				at := day.Add(time.Duration(rng.IntN(24*60)) * time.Minute)
				if at.After(now) {
					at = now.Add(-time.Duration(rng.IntN(60)+1) * time.Second)
					if at.Before(day) {
						at = day
					}
				}
				seq := []Delivery{{EventID: evID, UserID: id, Status: "in_progress"}}
				p.Generated++
				if rng.Float64() < cfg.FailRate {
					seq = append(seq, Delivery{EventID: evID, UserID: id, Status: "failed", Reason: "timed out"})
				} else {
					score := int64(rng.IntN(101))
					earn := decimal.New(int64(rng.IntN(5000)), -2)
					done := Delivery{
						EventID:     evID,
						UserID:      id,
						Status:      "completed",
						Score:       score,
						Earnings:    &earn,
						CompletedAt: at.Format(time.RFC3339),
					}
					seq = append(seq, Delivery{EventID: evID, UserID: id, Status: "grading"}, done)
					if rng.Float64() < cfg.ReplayRate {
						seq = append(seq, done)
					}
					exp.Points += score
					exp.Earnings = exp.Earnings.Add(earn)
					exp.Interviews++
					// RFC3339 drops sub-seconds; match what the server stores
					parsed, _ := time.Parse(time.RFC3339, done.CompletedAt)
					times = append(times, parsed)
				}
				p.Deliveries[id] = append(p.Deliveries[id], seq...)
			}
		}
		exp.Streak = ledger.ComputeStreak(times, now)
		p.Expected[id] = exp
	}
	return p
}
