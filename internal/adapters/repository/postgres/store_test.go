package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/adapters/repository/postgres"
	"github.com/okian/rewards/internal/adapters/repository/storetest"
)

// The contract runs only against a disposable database named by
// REWARDS_TEST_DATABASE_URL; every case truncates all ledger tables.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("REWARDS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("REWARDS_TEST_DATABASE_URL not set")
	}

	storetest.Run(t, func(t *testing.T) repository.Store {
		ctx := context.Background()
		s, err := postgres.Open(ctx, url)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Truncate(ctx); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
