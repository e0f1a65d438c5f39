// Package api talks to the chat REST endpoints: token issuance and message
// history.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/token"
)

// Client interface for testability
type Client interface {
	FetchToken(ctx context.Context, userID string) (token.Token, error)
	FetchMessages(ctx context.Context, cid string, q MessageQuery) (MessagesResponse, error)
}

// MessageQuery selects a page of channel history. Before and After are
// message cursors; at most one should be set.
type MessageQuery struct {
	Limit  int
	Before string
	After  string
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

var (
	_ Client         = (*HTTPClient)(nil)
	_ token.Provider = (*HTTPClient)(nil)
)

// MessagesResponse is one page of history. HasMore is set by backends that
// know whether history continues past the page.
type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	HasMore  *bool           `json:"has_more,omitempty"`
}

func NewClient(baseURL, apiKey string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// FetchToken asks the backend for a fresh token for userID.
func (c *HTTPClient) FetchToken(ctx context.Context, userID string) (token.Token, error) {
	q := url.Values{"user_id": {userID}}

	var tok token.Token
	if err := c.getJSON(ctx, "/token", q, &tok); err != nil {
		return token.Token{}, fmt.Errorf("fetching token: %w", err)
	}
	if tok.UserID == "" {
		tok.UserID = userID
	}
	return tok, nil
}

// FetchMessages loads one page of a channel's history.
func (c *HTTPClient) FetchMessages(ctx context.Context, cid string, mq MessageQuery) (MessagesResponse, error) {
	q := url.Values{}
	if mq.Limit > 0 {
		q.Set("limit", strconv.Itoa(mq.Limit))
	}
	if mq.Before != "" {
		q.Set("id_lt", mq.Before)
	}
	if mq.After != "" {
		q.Set("id_gt", mq.After)
	}

	var resp MessagesResponse
	if err := c.getJSON(ctx, "/channels/"+url.PathEscape(cid)+"/messages", q, &resp); err != nil {
		return MessagesResponse{}, fmt.Errorf("fetching messages for %s: %w", cid, err)
	}
	return resp, nil
}

// getJSON performs a GET with rate limiting and retries, decoding a 200
// response into out.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	c.logger.Debug("requesting", zap.String("url", target))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Basic "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return ErrAuthFailed
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
