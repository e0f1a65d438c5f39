// Package notify forwards chat activity and connection alerts to ntfy.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/chatsync/internal/connection"
	"github.com/dgnsrekt/chatsync/internal/model"
)

// Notifier is the interface for sending chat notifications.
type Notifier interface {
	SendMessage(ctx context.Context, msg model.Message) error
	SendDisconnected(ctx context.Context, userID string, state connection.State) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	alerts     rate.Sometimes
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		alerts: rate.Sometimes{First: 1, Interval: cfg.AlertEvery},
		logger: logger,
	}
}

// SendMessage forwards a message from a watched channel.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) error {
	if !c.config.Enabled || !c.config.Watches(msg.ChannelID) {
		return nil
	}
	return c.send(ctx, FormatMessageTitle(msg), FormatMessageBody(msg), c.config.Tags, c.config.Priority)
}

// SendDisconnected alerts on a connection lost with an error. Alerts after
// the first are dropped until AlertEvery has passed.
func (c *Client) SendDisconnected(ctx context.Context, userID string, state connection.State) error {
	if !c.config.Enabled || state.Kind != connection.Disconnected || state.Err == nil {
		return nil
	}

	var err error
	sent := false
	c.alerts.Do(func() {
		sent = true
		err = c.send(ctx, "Chat connection lost", FormatDisconnectMessage(userID, state), c.config.Tags+",warning", "high")
	})
	if !sent {
		c.logger.Debug("suppressing connection alert", zap.Stringer("state", state))
	}
	return err
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is used when notifications are disabled.
type NoopNotifier struct{}

func (NoopNotifier) SendMessage(context.Context, model.Message) error { return nil }

func (NoopNotifier) SendDisconnected(context.Context, string, connection.State) error { return nil }

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
