// Package postgres is a repository.Store backed by PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Store persists the ledger in PostgreSQL. Update locks the user row, so
// writers of the same user are serialized across processes.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

// Open migrates the database and connects a pool.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// db is satisfied by both the pool and a transaction.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func walletText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

const userColumns = `id, display_name, wallet, total_earnings::text, total_settled::text, total_interviews,
	total_points, current_streak, longest_streak, last_active_at, created_at`

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u                       model.User
		wallet, earned, settled string
		lastActive              *time.Time
		created                 time.Time
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
		return model.User{}, err
	}
	if u.TotalSettled, err = decimal.NewFromString(settled); err != nil {
		return model.User{}, err
	}
	u.LastActiveAt = timeOf(lastActive)
	u.CreatedAt = created.UTC()
	return u, nil
}

func getUser(ctx context.Context, q db, id string, lock bool) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	u, err := scanUser(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, wallet, total_earnings, total_settled, total_interviews,
			total_points, current_streak, longest_streak, last_active_at, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.DisplayName, walletText(u.Wallet), u.TotalEarnings.String(), u.TotalSettled.String(),
		u.TotalInterviews, u.TotalInterviewPoints, u.CurrentStreak, u.LongestStreak,
		nullTime(u.LastActiveAt), created.UTC())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, repository.ErrConflict)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return getUser(ctx, s.pool, id, false)
}

const eventColumns = `id, user_id, status, score, earnings::text, completed_at, failure_reason, created_at, updated_at`

func scanEvent(row pgx.Row) (model.CompletionEvent, error) {
	var (
		e                        model.CompletionEvent
		status, earnings, reason string
		score                    int64
		completed                *time.Time
	)
	if err := row.Scan(&e.ID, &e.UserID, &status, &score, &earnings, &completed, &reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return model.CompletionEvent{}, err
	}
	amount, err := decimal.NewFromString(earnings)
	if err != nil {
		return model.CompletionEvent{}, err
	}
	if e.State, err = model.StateFor(model.Status(status), score, amount, timeOf(completed), reason); err != nil {
		return model.CompletionEvent{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func getEvent(ctx context.Context, q db, id string) (model.CompletionEvent, error) {
	e, err := scanEvent(q.QueryRow(ctx, `SELECT `+eventColumns+` FROM completion_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, repository.ErrNotFound)
	}
	return e, err
}

func (s *Store) GetEvent(ctx context.Context, id string) (model.CompletionEvent, error) {
	return getEvent(ctx, s.pool, id)
}

func (s *Store) ListEvents(ctx context.Context, userID string, status model.Status) ([]model.CompletionEvent, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM completion_events
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq`, userID, string(status))
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := getUser(ctx, tx, userID, true)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, user: u}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const standingQuery = `
	SELECT pos, id, display_name, total_points, current_streak FROM (
		SELECT id, display_name, total_points, current_streak,
			ROW_NUMBER() OVER (ORDER BY total_points DESC, current_streak DESC, id COLLATE "C" ASC) AS pos
		FROM users
	) ranked`

func scanStanding(row pgx.Row) (model.Standing, error) {
	var (
		st  model.Standing
		pos int64
	)
	err := row.Scan(&pos, &st.UserID, &st.DisplayName, &st.Points, &st.CurrentStreak)
	st.Rank = int(pos)
	return st, err
}

func (s *Store) Rank(ctx context.Context, userID string) (model.Standing, error) {
	st, err := scanStanding(s.pool.QueryRow(ctx, standingQuery+` WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Standing{}, fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	return st, err
}

func (s *Store) Top(ctx context.Context, n int) ([]model.Standing, error) {
	if n < 1 {
		return nil, repository.ErrInvalidLimit
	}
	rows, err := s.pool.Query(ctx, standingQuery+` ORDER BY pos LIMIT $1`, n)
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
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

const settlementColumns = `event_id, user_id, tx_hash, amount::text, requested::text, nonce, settled_at`

func scanSettlement(row pgx.Row) (model.SettlementRecord, error) {
	var (
		r                       model.SettlementRecord
		hash, amount, requested string
		nonce                   int64
	)
	if err := row.Scan(&r.EventID, &r.UserID, &hash, &amount, &requested, &nonce, &r.SettledAt); err != nil {
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
	r.SettledAt = r.SettledAt.UTC()
	return r, nil
}

func (s *Store) GetSettlement(ctx context.Context, eventID string) (model.SettlementRecord, error) {
	r, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SettlementRecord{}, fmt.Errorf("settlement %s: %w", eventID, repository.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListSettlements(ctx context.Context, userID string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE user_id = $1 ORDER BY settled_at, event_id`, userID)
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
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(nonce) + 1, 0) FROM (
			SELECT nonce FROM settlements WHERE user_id = $1
			UNION ALL
			SELECT nonce FROM claim_attempts WHERE user_id = $1
		) used`, userID).Scan(&next)
	return uint64(next), err
}

func (s *Store) CreateAttempt(ctx context.Context, a model.ClaimAttempt) error {
	var hash string
	if a.Broadcast() {
		hash = a.TxHash.Hex()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO claim_attempts (event_id, user_id, nonce, amount, deadline, tx_hash, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		a.EventID, a.UserID, int64(a.Nonce), a.Amount.String(), a.Deadline.UTC(), hash, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", a.EventID, repository.ErrConflict)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, eventID string) (model.ClaimAttempt, error) {
	var (
		a            model.ClaimAttempt
		amount, hash string
		nonce        int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, user_id, nonce, amount::text, deadline, tx_hash, created_at
		FROM claim_attempts WHERE event_id = $1`, eventID).
		Scan(&a.EventID, &a.UserID, &nonce, &amount, &a.Deadline, &hash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	a.Deadline = a.Deadline.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *Store) MarkBroadcast(ctx context.Context, eventID string, tx common.Hash) error {
	tag, err := s.pool.Exec(ctx, `UPDATE claim_attempts SET tx_hash = $1 WHERE event_id = $2`, tx.Hex(), eventID)
	if err != nil {
		return fmt.Errorf("mark broadcast: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", eventID, repository.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAttempt(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM claim_attempts WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	return nil
}

func (s *Store) CompleteSettlement(ctx context.Context, rec model.SettlementRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM claim_attempts WHERE event_id = $1`, rec.EventID); err != nil {
		return false, fmt.Errorf("delete attempt: %w", err)
	}
	if _, err := getUser(ctx, tx, rec.UserID, true); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO settlements (event_id, user_id, tx_hash, amount, requested, nonce, settled_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.UserID, rec.TxHash.Hex(), rec.Amount.String(), rec.Requested.String(),
		int64(rec.Nonce), rec.SettledAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert settlement: %w", err)
	}
	created := tag.RowsAffected() > 0
	if created {
		if _, err := tx.Exec(ctx, `UPDATE users SET total_settled = total_settled + $1::numeric WHERE id = $2`,
			rec.Amount.String(), rec.UserID); err != nil {
			return false, fmt.Errorf("update settled total: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// pgTx implements repository.Tx over a pgx transaction holding the user row lock.
type pgTx struct {
	tx   pgx.Tx
	user model.User
}

func (t *pgTx) User(ctx context.Context) (model.User, error) {
	return getUser(ctx, t.tx, t.user.ID, false)
}

func (t *pgTx) SaveUser(ctx context.Context, u model.User) error {
	if u.ID != t.user.ID {
		return fmt.Errorf("save user %s inside transaction of %s", u.ID, t.user.ID)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE users SET display_name = $1, wallet = $2, total_earnings = $3::numeric,
			total_settled = $4::numeric, total_interviews = $5, total_points = $6,
			current_streak = $7, longest_streak = $8, last_active_at = $9
		WHERE id = $10`,
		u.DisplayName, walletText(u.Wallet), u.TotalEarnings.String(), u.TotalSettled.String(),
		u.TotalInterviews, u.TotalInterviewPoints, u.CurrentStreak, u.LongestStreak,
		nullTime(u.LastActiveAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (t *pgTx) Event(ctx context.Context, id string) (model.CompletionEvent, error) {
	e, err := getEvent(ctx, t.tx, id)
	if err != nil {
		return model.CompletionEvent{}, err
	}
	if e.UserID != t.user.ID {
		return model.CompletionEvent{}, fmt.Errorf("event %s: %w", id, repository.ErrForeignEvent)
	}
	return e, nil
}

func (t *pgTx) SaveEvent(ctx context.Context, e model.CompletionEvent) error {
	if e.UserID != t.user.ID {
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
	// The conditional update leaves rows of other users untouched; zero
	// affected rows then means the id is foreign.
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO completion_events (id, user_id, status, score, earnings, completed_at,
			failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			score = EXCLUDED.score,
			earnings = EXCLUDED.earnings,
			completed_at = EXCLUDED.completed_at,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at
		WHERE completion_events.user_id = EXCLUDED.user_id`,
		e.ID, e.UserID, string(e.Status()), score, earnings.String(), nullTime(completedAt), reason,
		e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", e.ID, repository.ErrForeignEvent)
	}
	return nil
}

func (t *pgTx) CompletionTimes(ctx context.Context) ([]time.Time, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT completed_at FROM completion_events
		WHERE user_id = $1 AND status = $2 AND completed_at IS NOT NULL`, t.user.ID, string(model.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("completion times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, at.UTC())
	}
	return out, rows.Err()
}

// Truncate empties every ledger table. Intended for tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE settlements, claim_attempts, completion_events, users`)
	return err
}
