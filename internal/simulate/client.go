package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/rewards/internal/auth"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/shopspring/decimal"
)

const (
	tokenTTL    = time.Hour
	maxAttempts = 4
)

// Client talks to the rewards API with minted bearer tokens.
type Client struct {
	base    string
	http    *http.Client
	admin   string
	scoring string
}

// UserView is the subset of the user resource the run checks.
type UserView struct {
	ID                   string          `json:"id"`
	TotalEarnings        decimal.Decimal `json:"total_earnings"`
	TotalInterviews      int64           `json:"total_interviews"`
	TotalInterviewPoints int64           `json:"total_interview_points"`
	CurrentStreak        int             `json:"current_streak"`
	LongestStreak        int             `json:"longest_streak"`
	Rank                 int             `json:"rank"`
}

// Ack is the webhook answer.
type Ack struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// statusError is a non-2xx answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, strings.TrimSpace(e.body))
}

// NewClient mints an admin and a scoring token signed with cfg.Secret.
func NewClient(cfg Config, hc *http.Client) (*Client, error) {
	m, err := auth.NewManager(cfg.Secret, cfg.Issuer, time.Now)
	if err != nil {
		return nil, err
	}
	admin, err := m.Mint(auth.Identity{Subject: "simulate", Role: auth.RoleAdmin}, tokenTTL)
	if err != nil {
		return nil, err
	}
	scoring, err := m.Mint(auth.Identity{Subject: "simulate", Role: auth.RoleScoring}, tokenTTL)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		admin:   admin,
		scoring: scoring,
	}, nil
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

// Register creates u.
func (c *Client) Register(ctx context.Context, u User) error {
	return c.do(ctx, http.MethodPost, "/v1/users", c.admin, u, nil)
}

// Deliver posts one webhook body.
func (c *Client) Deliver(ctx context.Context, d Delivery) (Ack, error) {
	var ack Ack
	err := c.do(ctx, http.MethodPost, "/v1/events", c.scoring, d, &ack)
	return ack, err
}

// User fetches a user with its rank.
func (c *Client) User(ctx context.Context, id string) (UserView, error) {
	var u UserView
	err := c.do(ctx, http.MethodGet, "/v1/users/"+id, c.admin, nil, &u)
	return u, err
}

// Leaderboard fetches the top limit standings.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]model.Standing, error) {
	var top []model.Standing
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/leaderboard?limit=%d", limit), c.admin, nil, &top)
	return top, err
}

// do sends one request. Transport errors and 5xx answers are retried;
// webhook deliveries are idempotent so a retried POST is safe.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return struct{}{}, &statusError{code: resp.StatusCode, body: string(raw)}
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return struct{}{}, backoff.Permanent(&statusError{code: resp.StatusCode, body: string(raw)})
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	return err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}
