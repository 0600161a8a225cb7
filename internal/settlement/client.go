// Package settlement converts ledger earnings into on-chain token transfers.
// A claim moves through nonce reservation, authorization, encoding,
// submission and confirmation; the ledger is written only after the
// contract's own event confirms the transfer.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/okian/rewards/pkg/logger"
	"github.com/okian/rewards/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/okian/rewards/internal/settlement"

// Ledger is the bookkeeping the client needs. *ledger.Ledger implements it.
type Ledger interface {
	User(ctx context.Context, userID string) (model.User, error)
	Settlement(ctx context.Context, eventID string) (model.SettlementRecord, error)
	BeginClaim(ctx context.Context, in ledger.ClaimIntent) (model.ClaimAttempt, error)
	RecordBroadcast(ctx context.Context, eventID string, tx common.Hash) error
	AbandonClaim(ctx context.Context, eventID string) error
	PendingClaim(ctx context.Context, eventID string) (model.ClaimAttempt, error)
	MarkSettled(ctx context.Context, rec model.SettlementRecord) (bool, error)
}

// Authorizer signs claim requests.
type Authorizer interface {
	Issue(ctx context.Context, req authz.Request) (authz.Signature, error)
}

// Chain is access to the network hosting the contract.
type Chain interface {
	// Send signs data as a transaction from the custodial wallet from,
	// passes its hash to record and broadcasts it only if record succeeds.
	// A zero hash with an error means nothing was broadcast; a non-zero
	// hash with an error means the broadcast outcome is unknown.
	Send(ctx context.Context, from, to common.Address, data []byte, record func(common.Hash) error) (common.Hash, error)
	// WaitMined blocks until the transaction has a receipt or ctx ends.
	WaitMined(ctx context.Context, tx common.Hash) (*types.Receipt, error)
	// Receipt returns ethereum.NotFound while the transaction is not mined.
	Receipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Tagger attaches and reports attribution. Both calls are best-effort.
type Tagger interface {
	Suffix(ctx context.Context, user common.Address) ([]byte, error)
	Report(ctx context.Context, tx common.Hash, user common.Address)
}

// Status is the outcome of a claim as seen by the caller.
type Status string

const (
	StatusSettled        Status = "settled"
	StatusAlreadySettled Status = "already_settled"
	StatusPending        Status = "pending"
	StatusFailed         Status = "failed"
	StatusExpired        Status = "expired"
)

// ClaimRequest asks to convert part of an event's earnings. Amount is in
// token units.
type ClaimRequest struct {
	UserID  string
	EventID string
	Amount  decimal.Decimal
	Tag     [32]byte
}

// Result describes where a claim ended up. Settled is the amount the
// contract reported and is only set for settled claims.
type Result struct {
	Status    Status          `json:"status"`
	EventID   string          `json:"event_id"`
	TxHash    common.Hash     `json:"tx_hash"`
	Nonce     uint64          `json:"nonce"`
	Requested decimal.Decimal `json:"requested"`
	Settled   decimal.Decimal `json:"settled"`
}

// Client drives claims. Safe for concurrent use.
type Client struct {
	ledger         Ledger
	authorizer     Authorizer
	chain          Chain
	tagger         Tagger
	contract       contract
	decimals       int32
	confirmTimeout time.Duration
	deadlineTTL    time.Duration
	deadlineGrace  time.Duration
	now            func() time.Time
	logger         logger.Logger
	tracer         trace.Tracer
}

// New builds a client for the contract at contractAddr. A zero address or a
// nil chain leaves the client unable to settle; calls then fail with
// Misconfiguration.
func New(l Ledger, a Authorizer, chain Chain, contractAddr common.Address, opts ...Option) *Client {
	c := &Client{
		ledger:         l,
		authorizer:     a,
		chain:          chain,
		contract:       newContract(contractAddr),
		decimals:       defaultTokenDecimals,
		confirmTimeout: defaultConfirmTimeout,
		deadlineTTL:    defaultDeadlineTTL,
		deadlineGrace:  defaultDeadlineGrace,
		now:            time.Now,
		logger:         logger.Nop(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim settles req. The amount is validated before anything else, so a
// malformed amount never reaches the ledger, the signer or the chain. A
// claim whose confirmation does not arrive in time returns StatusPending
// with a SettlementTimeout error; Reconcile resolves it later.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (res Result, err error) {
	const op = "settlement.Claim"
	start := c.now()
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("user_id", req.UserID),
	))
	defer func() {
		c.observe(span, res, err, start)
		span.End()
	}()

	res = Result{EventID: req.EventID, Requested: req.Amount}
	if err := c.validateAmount(op, req.Amount); err != nil {
		return res, err
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.EventID) == "" {
		return res, apperr.New(apperr.KindInvalidArgument, op, "user id and event id are required")
	}
	if err := c.configured(op); err != nil {
		return res, err
	}

	prev, ok, err := c.settled(ctx, op, req.EventID)
	switch {
	case err != nil:
		return res, err
	case ok && prev.UserID != req.UserID:
		return res, apperr.Newf(apperr.KindInvalidArgument, op, "event %s belongs to another user", req.EventID)
	case ok:
		return prev.result(StatusAlreadySettled), nil
	}

	u, err := c.ledger.User(ctx, req.UserID)
	if err != nil {
		return res, err
	}
	if !u.HasWallet() {
		return res, apperr.Newf(apperr.KindInvalidArgument, op, "user %s has no wallet", req.UserID)
	}

	// REQUEST_NONCE
	floor, err := c.onChainNonce(ctx, u.Wallet)
	if err != nil {
		return res, apperr.Wrapf(apperr.KindSettlementFailed, op, err, "read contract nonce")
	}
	deadline := c.now().Add(c.deadlineTTL)
	attempt, err := c.ledger.BeginClaim(ctx, ledger.ClaimIntent{
		UserID:     req.UserID,
		EventID:    req.EventID,
		Amount:     req.Amount,
		Deadline:   deadline,
		NonceFloor: floor,
	})
	if errors.Is(err, apperr.AlreadyClaimed) {
		prev, _, err = c.settled(ctx, op, req.EventID)
		if err != nil {
			return res, err
		}
		return prev.result(StatusAlreadySettled), nil
	}
	if err != nil {
		return res, err
	}
	res.Nonce = attempt.Nonce
	span.SetAttributes(attribute.Int64("nonce", int64(attempt.Nonce)))

	// REQUEST_SIGNATURE
	authReq := authz.Request{
		User:     u.Wallet,
		Amount:   c.baseUnits(req.Amount),
		Nonce:    new(big.Int).SetUint64(attempt.Nonce),
		Deadline: big.NewInt(deadline.Unix()),
		Tag:      req.Tag,
	}
	sig, err := c.authorizer.Issue(ctx, authReq)
	if err != nil {
		c.abandon(ctx, req.EventID)
		return res, err
	}

	// ENCODE_CALL
	data, err := c.contract.packRedeem(authReq, sig)
	if err != nil {
		c.abandon(ctx, req.EventID)
		return res, apperr.Wrapf(apperr.KindUnknown, op, err, "encode redeem")
	}

	// ATTACH_ATTRIBUTION_TAG
	data = c.attachSuffix(ctx, data, u.Wallet)

	// SUBMIT: the hash is stored before the transaction leaves the process,
	// so every broadcast attempt can be found again by Reconcile.
	tx, err := c.chain.Send(ctx, u.Wallet, c.contract.address, data, func(h common.Hash) error {
		return c.ledger.RecordBroadcast(ctx, req.EventID, h)
	})
	if err != nil && tx == (common.Hash{}) {
		c.abandon(ctx, req.EventID)
		return res, apperr.Wrapf(apperr.KindSettlementFailed, op, err, "submit redeem")
	}
	res.TxHash = tx
	attempt.TxHash = tx
	span.SetAttributes(attribute.String("tx", tx.Hex()))
	if err != nil {
		res.Status = StatusPending
		c.logger.Warn(ctx, "broadcast outcome unknown, claim pending",
			logger.String("event_id", req.EventID),
			logger.String("tx", tx.Hex()),
			logger.Error(err),
		)
		return res, apperr.Wrapf(apperr.KindSettlementTimeout, op, err, "broadcast of %s not acknowledged", tx.Hex())
	}

	// AWAIT_CONFIRMATION
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	receipt, err := c.chain.WaitMined(waitCtx, tx)
	cancel()
	if err != nil {
		res.Status = StatusPending
		c.logger.Warn(ctx, "confirmation not observed, claim pending",
			logger.String("event_id", req.EventID),
			logger.String("tx", tx.Hex()),
			logger.Error(err),
		)
		return res, apperr.Wrapf(apperr.KindSettlementTimeout, op, err, "transaction %s not confirmed", tx.Hex())
	}

	// PARSE_EVENT, MARK_SETTLED
	return c.finalize(ctx, attempt, u.Wallet, receipt)
}

// Reconcile resolves a claim left pending. It settles, fails, keeps
// waiting, or expires an attempt whose authorization deadline, plus a grace
// period for chain clock drift, passed without a mined transaction.
func (c *Client) Reconcile(ctx context.Context, eventID string) (res Result, err error) {
	const op = "settlement.Reconcile"
	start := c.now()
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("event_id", eventID)))
	defer func() {
		c.observe(span, res, err, start)
		span.End()
	}()

	res = Result{EventID: eventID}
	if err := c.configured(op); err != nil {
		return res, err
	}
	prev, ok, err := c.settled(ctx, op, eventID)
	switch {
	case err != nil:
		return res, err
	case ok:
		return prev.result(StatusAlreadySettled), nil
	}

	a, err := c.ledger.PendingClaim(ctx, eventID)
	if err != nil {
		return res, err
	}
	res = Result{EventID: eventID, TxHash: a.TxHash, Nonce: a.Nonce, Requested: a.Amount}
	u, err := c.ledger.User(ctx, a.UserID)
	if err != nil {
		return res, err
	}

	expired := c.now().After(a.Deadline.Add(c.deadlineGrace))
	// The hash is stored before broadcasting, so an attempt without one
	// never reached the network.
	if !a.Broadcast() {
		if expired {
			return c.expire(ctx, res)
		}
		res.Status = StatusPending
		return res, apperr.Newf(apperr.KindSettlementTimeout, op, "claim for event %s was not broadcast yet", eventID)
	}

	receipt, err := c.chain.Receipt(ctx, a.TxHash)
	switch {
	case errors.Is(err, ethereum.NotFound) && expired:
		return c.expire(ctx, res)
	case err != nil:
		res.Status = StatusPending
		return res, apperr.Wrapf(apperr.KindSettlementTimeout, op, err, "transaction %s not confirmed", a.TxHash.Hex())
	}
	return c.finalize(ctx, a, u.Wallet, receipt)
}

// Balance returns the user's token balance held by the contract.
func (c *Client) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	const op = "settlement.Balance"
	if err := c.configured(op); err != nil {
		return decimal.Zero, err
	}
	u, err := c.ledger.User(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !u.HasWallet() {
		return decimal.Zero, apperr.Newf(apperr.KindInvalidArgument, op, "user %s has no wallet", userID)
	}
	data, err := c.contract.packBalanceOf(u.Wallet)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindUnknown, op, err)
	}
	out, err := c.chain.Call(ctx, c.contract.address, data)
	if err != nil {
		return decimal.Zero, apperr.Wrapf(apperr.KindSettlementFailed, op, err, "call balanceOf")
	}
	v, err := c.contract.unpackUint("balanceOf", out)
	if err != nil {
		return decimal.Zero, apperr.Wrapf(apperr.KindSettlementFailed, op, err, "decode balanceOf")
	}
	return decimal.NewFromBigInt(v, -c.decimals), nil
}

func (c *Client) finalize(ctx context.Context, a model.ClaimAttempt, wallet common.Address, receipt *types.Receipt) (Result, error) {
	const op = "settlement.finalize"
	res := Result{EventID: a.EventID, TxHash: a.TxHash, Nonce: a.Nonce, Requested: a.Amount}
	if receipt.TxHash != (common.Hash{}) {
		res.TxHash = receipt.TxHash
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		c.abandon(ctx, a.EventID)
		res.Status = StatusFailed
		return res, apperr.Newf(apperr.KindSettlementFailed, op, "transaction %s reverted", res.TxHash.Hex())
	}

	ev, ok := c.contract.redeemed(receipt, wallet, new(big.Int).SetUint64(a.Nonce))
	if !ok {
		res.Status = StatusFailed
		c.logger.Error(ctx, "receipt has no matching Redeemed event",
			logger.String("event_id", a.EventID),
			logger.String("tx", res.TxHash.Hex()),
		)
		return res, apperr.Newf(apperr.KindSettlementFailed, op, "transaction %s emitted no Redeemed event for nonce %d", res.TxHash.Hex(), a.Nonce)
	}

	settled := decimal.NewFromBigInt(ev.SettledAmount, -c.decimals)
	rec := model.SettlementRecord{
		EventID:   a.EventID,
		UserID:    a.UserID,
		TxHash:    res.TxHash,
		Amount:    settled,
		Requested: a.Amount,
		Nonce:     a.Nonce,
		SettledAt: c.now(),
	}
	created, err := c.ledger.MarkSettled(ctx, rec)
	if err != nil {
		res.Status = StatusPending
		return res, err
	}

	res.Settled = settled
	if !created {
		res.Status = StatusAlreadySettled
		return res, nil
	}
	res.Status = StatusSettled
	if !settled.Equal(a.Amount) {
		c.logger.Warn(ctx, "contract settled a different amount",
			logger.String("event_id", a.EventID),
			logger.String("requested", a.Amount.String()),
			logger.String("settled", settled.String()),
		)
	}
	metrics.RecordSettledAmount(settled.InexactFloat64())
	if c.tagger != nil {
		c.tagger.Report(ctx, res.TxHash, wallet)
	}
	return res, nil
}

func (c *Client) expire(ctx context.Context, res Result) (Result, error) {
	if err := c.ledger.AbandonClaim(ctx, res.EventID); err != nil {
		return res, err
	}
	res.Status = StatusExpired
	c.logger.Info(ctx, "claim attempt expired",
		logger.String("event_id", res.EventID),
		logger.Uint64("nonce", res.Nonce),
	)
	return res, nil
}

func (c *Client) validateAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Newf(apperr.KindInvalidArgument, op, "amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(c.decimals)) {
		return apperr.Newf(apperr.KindInvalidArgument, op, "amount %s has more than %d decimals", amount, c.decimals)
	}
	return nil
}

func (c *Client) configured(op string) error {
	switch {
	case c.chain == nil:
		return apperr.New(apperr.KindMisconfiguration, op, "chain access is not configured")
	case c.contract.address == (common.Address{}):
		return apperr.New(apperr.KindMisconfiguration, op, "contract address is not configured")
	case c.authorizer == nil:
		return apperr.New(apperr.KindMisconfiguration, op, "authorizer is not configured")
	}
	return nil
}

// settled looks up an existing settlement for eventID.
func (c *Client) settled(ctx context.Context, op, eventID string) (settledRecord, bool, error) {
	rec, err := c.ledger.Settlement(ctx, eventID)
	switch {
	case err == nil:
		return settledRecord(rec), true, nil
	case errors.Is(err, apperr.NotFound):
		return settledRecord{EventID: eventID}, false, nil
	default:
		return settledRecord{EventID: eventID}, false, apperr.Wrap(apperr.KindUnknown, op, err)
	}
}

type settledRecord model.SettlementRecord

func (r settledRecord) result(s Status) Result {
	return Result{
		Status:    s,
		EventID:   r.EventID,
		TxHash:    r.TxHash,
		Nonce:     r.Nonce,
		Requested: r.Requested,
		Settled:   r.Amount,
	}
}

func (c *Client) onChainNonce(ctx context.Context, wallet common.Address) (uint64, error) {
	data, err := c.contract.packNonces(wallet)
	if err != nil {
		return 0, err
	}
	out, err := c.chain.Call(ctx, c.contract.address, data)
	if err != nil {
		return 0, err
	}
	v, err := c.contract.unpackUint("nonces", out)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, errors.New("contract nonce exceeds uint64")
	}
	return v.Uint64(), nil
}

func (c *Client) baseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(c.decimals).BigInt()
}

func (c *Client) attachSuffix(ctx context.Context, data []byte, wallet common.Address) []byte {
	if c.tagger == nil {
		return data
	}
	suffix, err := c.tagger.Suffix(ctx, wallet)
	if err != nil {
		metrics.RecordAttribution("tag", "failed")
		c.logger.Warn(ctx, "attribution tag skipped", logger.Error(err))
		return data
	}
	metrics.RecordAttribution("tag", "ok")
	return append(data, suffix...)
}

func (c *Client) abandon(ctx context.Context, eventID string) {
	if err := c.ledger.AbandonClaim(ctx, eventID); err != nil {
		c.logger.Error(ctx, "failed to release claim attempt",
			logger.String("event_id", eventID),
			logger.Error(err),
		)
	}
}

func (c *Client) observe(span trace.Span, res Result, err error, start time.Time) {
	outcome := string(res.Status)
	if outcome == "" {
		outcome = "rejected"
	}
	metrics.RecordClaim(outcome, c.now().Sub(start))
	span.SetAttributes(attribute.String("status", outcome))
	if err != nil {
		metrics.RecordErrorByComponent("settlement", apperr.KindOf(err).String())
		if res.Status != StatusPending {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}
