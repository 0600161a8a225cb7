package simulate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the simulation settings.
type Config struct {
	BaseURL    string        // service base URL
	Users      int           // users to register
	Days       int           // history length, today included
	Activity   float64       // chance a user is active on a given day
	FailRate   float64       // share of events that end failed
	ReplayRate float64       // share of completions delivered twice
	Workers    int           // concurrent users being replayed
	Timeout    time.Duration // per-request timeout
	Secret     string        // JWT secret shared with the service
	Issuer     string        // JWT issuer
	Seed       uint64        // generator seed; same seed, same plan
	TopN       int           // leaderboard size to fetch
	Verbose    bool
}

// DefaultConfig returns settings for a small local run.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:9080",
		Users:      50,
		Days:       10,
		Activity:   0.7,
		FailRate:   0.1,
		ReplayRate: 0.2,
		Workers:    8,
		Timeout:    10 * time.Second,
		Issuer:     "rewards",
		Seed:       1,
		TopN:       100,
	}
}

// Validate rejects settings that cannot produce a run.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return errors.New("base url is required")
	case c.Users < 1:
		return errors.New("users must be positive")
	case c.Days < 1:
		return errors.New("days must be positive")
	case c.Workers < 1:
		return errors.New("workers must be positive")
	case c.TopN < 1:
		return errors.New("top must be positive")
	case len(c.Secret) < 16:
		return errors.New("jwt secret must be at least 16 bytes")
	}
	for name, p := range map[string]float64{"activity": c.Activity, "fail": c.FailRate, "replay": c.ReplayRate} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s rate must be within [0,1], got %v", name, p)
		}
	}
	return nil
}
