// Package sqlite is a single-file repository.Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store persists the ledger in SQLite. One open connection serializes all
// writers, so Update transactions never interleave.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// Open migrates and opens the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	path = filepath.Clean(path)
	if err := Migrate(path); err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, display_name, wallet, total_earnings, total_settled, total_interviews,
	total_points, current_streak, longest_streak, last_active_at, created_at`

func scanUser(row scanner) (model.User, error) {
	var (
		u                       model.User
		wallet, earned, settled string
		lastActive, created     int64
	)
	err := row.Scan(&u.ID, &u.DisplayName, &wallet, &earned, &settled, &u.TotalInterviews,
		&u.TotalInterviewPoints, &u.CurrentStreak, &u.LongestStreak, &lastActive, &created)
	if err != nil {
		return model.User{}, err
	}
	if wallet != "" {
		u.Wallet = common.HexToAddress(wallet)
	}
	if u.TotalEarnings, err = decimal.NewFromString(earned); err != nil {
		return model.User{}, fmt.Errorf("user %s earnings: %w", u.ID, err)
	}
	if u.TotalSettled, err = decimal.NewFromString(settled); err != nil {
		return model.User{}, fmt.Errorf("user %s settled: %w", u.ID, err)
	}
	u.LastActiveAt = fromMillis(lastActive)
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func walletText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.DisplayName, walletText(u.Wallet), u.TotalEarnings.String(), u.TotalSettled.String(),
		u.TotalInterviews, u.TotalInterviewPoints, u.CurrentStreak, u.LongestStreak,
		toMillis(u.LastActiveAt), toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.ID, repository.ErrConflict)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return getUser(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getUser(ctx context.Context, q querier, id string) (model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	return u, err
}

const eventColumns = `id, user_id, status, score, earnings, completed_at, failure_reason, created_at, updated_at`

func scanEvent(row scanner) (model.CompletionEvent, error) {
	var (
		e                         model.CompletionEvent
		status, earnings, reason  string
		score, completed, cr, upd int64
	)
	if err := row.Scan(&e.ID, &e.UserID, &status, &score, &earnings, &completed, &reason, &cr, &upd); err != nil {
		return model.CompletionEvent{}, err
	}
	amount, err := decimal.NewFromString(earnings)
	if err != nil {
		return model.CompletionEvent{}, fmt.Errorf("event %s earnings: %w", e.ID, err)
	}
	if e.State, err = model.StateFor(model.Status(status), score, amount, fromMillis(completed), reason); err != nil {
		return model.CompletionEvent{}, err
	}
	e.CreatedAt = fromMillis(cr)
	e.UpdatedAt = fromMillis(upd)
	return e, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (model.CompletionEvent, error) {
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q querier, id string) (model.CompletionEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM completion_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, repository.ErrNotFound)
	}
	return e, err
}

func (s *Store) ListEvents(ctx context.Context, userID string, status model.Status) ([]model.CompletionEvent, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM completion_events
		WHERE user_id = ? AND (? = '' OR status = ?)
		ORDER BY seq`, userID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.CompletionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, userID string, fn func(repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u, err := getUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx, user: u}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const standingQuery = `
	SELECT pos, id, display_name, total_points, current_streak FROM (
		SELECT id, display_name, total_points, current_streak,
			ROW_NUMBER() OVER (ORDER BY total_points DESC, current_streak DESC, id ASC) AS pos
		FROM users
	)`

func scanStanding(row scanner) (model.Standing, error) {
	var st model.Standing
	err := row.Scan(&st.Rank, &st.UserID, &st.DisplayName, &st.Points, &st.CurrentStreak)
	return st, err
}

func (s *Store) Rank(ctx context.Context, userID string) (model.Standing, error) {
	st, err := scanStanding(s.db.QueryRowContext(ctx, standingQuery+` WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Standing{}, fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	return st, err
}

func (s *Store) Top(ctx context.Context, n int) ([]model.Standing, error) {
	if n < 1 {
		return nil, repository.ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx, standingQuery+` ORDER BY pos LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("top: %w", err)
	}
	defer rows.Close()

	out := make([]model.Standing, 0, n)
	for rows.Next() {
		st, err := scanStanding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

const settlementColumns = `event_id, user_id, tx_hash, amount, requested, nonce, settled_at`

func scanSettlement(row scanner) (model.SettlementRecord, error) {
	var (
		r                       model.SettlementRecord
		hash, amount, requested string
		nonce, settled          int64
	)
	if err := row.Scan(&r.EventID, &r.UserID, &hash, &amount, &requested, &nonce, &settled); err != nil {
		return model.SettlementRecord{}, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.SettlementRecord{}, err
	}
	if r.Requested, err = decimal.NewFromString(requested); err != nil {
		return model.SettlementRecord{}, err
	}
	r.TxHash = common.HexToHash(hash)
	r.Nonce = uint64(nonce)
	r.SettledAt = fromMillis(settled)
	return r, nil
}

func (s *Store) GetSettlement(ctx context.Context, eventID string) (model.SettlementRecord, error) {
	r, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SettlementRecord{}, fmt.Errorf("settlement %s: %w", eventID, repository.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListSettlements(ctx context.Context, userID string) ([]model.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE user_id = ? ORDER BY settled_at, event_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []model.SettlementRecord
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) NextNonce(ctx context.Context, userID string) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(nonce) + 1, 0) FROM (
			SELECT nonce FROM settlements WHERE user_id = ?
			UNION ALL
			SELECT nonce FROM claim_attempts WHERE user_id = ?
		) used`, userID, userID).Scan(&next)
	return uint64(next), err
}

func (s *Store) CreateAttempt(ctx context.Context, a model.ClaimAttempt) error {
	var hash string
	if a.Broadcast() {
		hash = a.TxHash.Hex()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_attempts (event_id, user_id, nonce, amount, deadline, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		a.EventID, a.UserID, int64(a.Nonce), a.Amount.String(), toMillis(a.Deadline), hash, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", a.EventID, repository.ErrConflict)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, eventID string) (model.ClaimAttempt, error) {
	var (
		a                        model.ClaimAttempt
		amount, hash             string
		nonce, deadline, created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, nonce, amount, deadline, tx_hash, created_at
		FROM claim_attempts WHERE event_id = ?`, eventID).
		Scan(&a.EventID, &a.UserID, &nonce, &amount, &deadline, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClaimAttempt{}, fmt.Errorf("attempt %s: %w", eventID, repository.ErrNotFound)
	}
	if err != nil {
		return model.ClaimAttempt{}, err
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.ClaimAttempt{}, err
	}
	if hash != "" {
		a.TxHash = common.HexToHash(hash)
	}
	a.Nonce = uint64(nonce)
	a.Deadline = fromMillis(deadline)
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (s *Store) MarkBroadcast(ctx context.Context, eventID string, tx common.Hash) error {
	res, err := s.db.ExecContext(ctx, `UPDATE claim_attempts SET tx_hash = ? WHERE event_id = ?`, tx.Hex(), eventID)
	if err != nil {
		return fmt.Errorf("mark broadcast: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", eventID, repository.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAttempt(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claim_attempts WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	return nil
}

func (s *Store) CompleteSettlement(ctx context.Context, rec model.SettlementRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM claim_attempts WHERE event_id = ?`, rec.EventID); err != nil {
		return false, fmt.Errorf("delete attempt: %w", err)
	}
	u, err := getUser(ctx, tx, rec.UserID)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.UserID, rec.TxHash.Hex(), rec.Amount.String(), rec.Requested.String(),
		int64(rec.Nonce), toMillis(rec.SettledAt))
	if err != nil {
		return false, fmt.Errorf("insert settlement: %w", err)
	}
	created, _ := res.RowsAffected()
	if created > 0 {
		total := u.TotalSettled.Add(rec.Amount)
		if _, err := tx.ExecContext(ctx, `UPDATE users SET total_settled = ? WHERE id = ?`, total.String(), u.ID); err != nil {
			return false, fmt.Errorf("update settled total: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created > 0, nil
}

// sqlTx implements repository.Tx over one sql transaction.
type sqlTx struct {
	tx   *sql.Tx
	user model.User
}

func (t *sqlTx) User(ctx context.Context) (model.User, error) {
	return getUser(ctx, t.tx, t.user.ID)
}

func (t *sqlTx) SaveUser(ctx context.Context, u model.User) error {
	if u.ID != t.user.ID {
		return fmt.Errorf("save user %s inside transaction of %s", u.ID, t.user.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE users SET display_name = ?, wallet = ?, total_earnings = ?, total_settled = ?,
			total_interviews = ?, total_points = ?, current_streak = ?, longest_streak = ?,
			last_active_at = ?
		WHERE id = ?`,
		u.DisplayName, walletText(u.Wallet), u.TotalEarnings.String(), u.TotalSettled.String(),
		u.TotalInterviews, u.TotalInterviewPoints, u.CurrentStreak, u.LongestStreak,
		toMillis(u.LastActiveAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (t *sqlTx) Event(ctx context.Context, id string) (model.CompletionEvent, error) {
	e, err := getEvent(ctx, t.tx, id)
	if err != nil {
		return model.CompletionEvent{}, err
	}
	if e.UserID != t.user.ID {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, repository.ErrForeignEvent)
	}
	return e, nil
}

func (t *sqlTx) SaveEvent(ctx context.Context, e model.CompletionEvent) error {
	if e.UserID != t.user.ID {
		return fmt.Errorf("event %s: %w", e.ID, repository.ErrForeignEvent)
	}
	var owner string
	err := t.tx.QueryRowContext(ctx, `SELECT user_id FROM completion_events WHERE id = ?`, e.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("event owner: %w", err)
	case owner != e.UserID:
		return fmt.Errorf("event %s: %w", e.ID, repository.ErrForeignEvent)
	}

	var (
		score       int64
		earnings    = decimal.Zero
		completedAt time.Time
		reason      string
	)
	switch st := e.State.(type) {
	case model.Completed:
		score, earnings, completedAt = st.Score, st.Earnings, st.CompletedAt
	case model.Failed:
		reason = st.Reason
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO completion_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			score = excluded.score,
			earnings = excluded.earnings,
			completed_at = excluded.completed_at,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`,
		e.ID, e.UserID, string(e.Status()), score, earnings.String(), toMillis(completedAt), reason,
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (t *sqlTx) CompletionTimes(ctx context.Context) ([]time.Time, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT completed_at FROM completion_events
		WHERE user_id = ? AND status = ?`, t.user.ID, string(model.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("completion times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, fromMillis(ms))
	}
	return out, rows.Err()
}
