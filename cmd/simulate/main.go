package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/okian/rewards/internal/simulate"
	"github.com/okian/rewards/pkg/logger"
)

const (
	defaultWorkers = 2 // multiplier for runtime.NumCPU()
	defaultRunTime = 10 * time.Minute
)

func main() {
	def := simulate.DefaultConfig()
	var (
		baseURL  = flag.String("url", def.BaseURL, "Base URL of the service")
		users    = flag.Int("users", def.Users, "Number of users to simulate")
		days     = flag.Int("days", def.Days, "Days of history to generate, today included")
		activity = flag.Float64("activity", def.Activity, "Chance a user is active on a given day")
		failRate = flag.Float64("fail-rate", def.FailRate, "Share of events that end failed")
		replay   = flag.Float64("replay-rate", def.ReplayRate, "Share of completions delivered twice")
		workers  = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout  = flag.Duration("timeout", def.Timeout, "HTTP request timeout")
		secret   = flag.String("secret", os.Getenv("REWARDS_JWT_SECRET"), "JWT secret shared with the service")
		issuer   = flag.String("issuer", def.Issuer, "JWT issuer")
		seed     = flag.Uint64("seed", def.Seed, "Generator seed")
		topN     = flag.Int("top", def.TopN, "Leaderboard entries to fetch")
		verbose  = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logging:", err)
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTime)
	defer cancel()

	cfg := simulate.Config{
		BaseURL:    *baseURL,
		Users:      *users,
		Days:       *days,
		Activity:   *activity,
		FailRate:   *failRate,
		ReplayRate: *replay,
		Workers:    *workers,
		Timeout:    *timeout,
		Secret:     *secret,
		Issuer:     *issuer,
		Seed:       *seed,
		TopN:       *topN,
		Verbose:    *verbose,
	}
	if _, err := simulate.Run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "simulation failed:", err)
		os.Exit(1)
	}
}
