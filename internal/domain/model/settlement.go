package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ClaimAttempt marks a claim whose nonce is reserved and whose outcome is not
// yet known. At most one exists per event id.
type ClaimAttempt struct {
	EventID   string
	UserID    string
	Nonce     uint64
	Amount    decimal.Decimal
	Deadline  time.Time
	TxHash    common.Hash // zero until broadcast
	CreatedAt time.Time
}

// Broadcast reports whether a transaction was handed to the chain.
func (a ClaimAttempt) Broadcast() bool {
	return a.TxHash != (common.Hash{})
}

// SettlementRecord is the immutable result of a confirmed claim. Amount is
// what the contract reported, which may differ from Requested.
type SettlementRecord struct {
	EventID   string
	UserID    string
	TxHash    common.Hash
	Amount    decimal.Decimal
	Requested decimal.Decimal
	Nonce     uint64
	SettledAt time.Time
}
