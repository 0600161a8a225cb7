// Package authclient calls a remote authorization service in place of a
// local signing key.
package authclient

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
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
)

// Path is where the authorization service accepts requests.
const Path = "/v1/authorizations"

const maxBody = 1 << 16

// Client implements settlement.Authorizer over HTTP.
type Client struct {
	url   string
	token string
	http  *http.Client
	tries uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTries bounds attempts on transport errors and 5xx answers.
func WithTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.tries = n
		}
	}
}

// New returns a client for the service at baseURL. token is sent as a
// bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, apperr.New(apperr.KindMisconfiguration, "authclient.New", "authorization service url is not configured")
	}
	c := &Client{
		url:   baseURL + Path,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
		tries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// Issue asks the remote service to sign req. Signing is deterministic, so
// retries are safe.
func (c *Client) Issue(ctx context.Context, req authz.Request) (authz.Signature, error) {
	const op = "authclient.Issue"
	if c == nil {
		return authz.Signature{}, apperr.New(apperr.KindMisconfiguration, op, "authorization service is not configured")
	}
	body, err := json.Marshal(authz.EncodeRequest(req))
	if err != nil {
		return authz.Signature{}, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}

	wire, err := backoff.Retry(ctx, func() (authz.WireSignature, error) {
		return c.post(ctx, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.tries),
	)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return authz.Signature{}, err
		}
		return authz.Signature{}, apperr.Wrap(apperr.KindMisconfiguration, op, err)
	}
	sig, err := wire.Decode()
	if err != nil {
		return authz.Signature{}, apperr.Wrapf(apperr.KindMisconfiguration, op, err, "malformed signature from authorization service")
	}
	return sig, nil
}

func (c *Client) post(ctx context.Context, body []byte) (authz.WireSignature, error) {
	const op = "authclient.Issue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return authz.WireSignature{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return authz.WireSignature{}, fmt.Errorf("post authorization: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return authz.WireSignature{}, fmt.Errorf("read authorization: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var sig authz.WireSignature
		if err := json.Unmarshal(raw, &sig); err != nil {
			return authz.WireSignature{}, backoff.Permanent(apperr.Wrapf(apperr.KindMisconfiguration, op, err, "decode signature"))
		}
		return sig, nil
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable {
		return authz.WireSignature{}, fmt.Errorf("authorization service answered %d: %s", resp.StatusCode, msg)
	}
	return authz.WireSignature{}, backoff.Permanent(apperr.Newf(kindFor(resp.StatusCode), op, "authorization service answered %d: %s", resp.StatusCode, msg))
}

func kindFor(code int) apperr.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.KindInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindUnauthorized
	default:
		return apperr.KindMisconfiguration
	}
}
