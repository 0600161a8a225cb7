package attribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Submission is the body posted to the attribution endpoint.
type Submission struct {
	ChainID int64  `json:"chainId"`
	TxHash  string `json:"txHash"`
}

// Client posts submissions to the attribution service.
type Client struct {
	endpoint string
	http     *http.Client
	tries    uint
}

// NewClient returns a client for endpoint. Each attempt is bounded by timeout.
func NewClient(endpoint string, timeout time.Duration, tries uint) *Client {
	if tries == 0 {
		tries = 1
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		tries:    tries,
	}
}

// Post delivers s. 5xx answers and transport errors are retried with
// backoff; 4xx answers are not.
func (c *Client) Post(ctx context.Context, s Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.post(ctx, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.tries),
	)
	return err
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post submission: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("attribution endpoint answered %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("attribution endpoint answered %d", resp.StatusCode))
	}
}
