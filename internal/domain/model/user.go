package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// User holds the aggregates the ledger derives from completion events.
// Rank is not stored; see Standing.
type User struct {
	ID                   string
	DisplayName          string
	Wallet               common.Address
	TotalEarnings        decimal.Decimal
	TotalSettled         decimal.Decimal
	TotalInterviews      int64
	TotalInterviewPoints int64
	CurrentStreak        int
	LongestStreak        int
	LastActiveAt         time.Time
	CreatedAt            time.Time
}

// HasWallet reports whether the user can receive settlements.
func (u User) HasWallet() bool {
	return u.Wallet != (common.Address{})
}

// Unsettled is earnings not yet converted on-chain. It can be negative when
// the contract paid more than requested in the past.
func (u User) Unsettled() decimal.Decimal {
	return u.TotalEarnings.Sub(u.TotalSettled)
}

// Standing is a leaderboard row.
type Standing struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	Points        int64  `json:"points"`
	CurrentStreak int    `json:"current_streak"`
}
