// Package client assembles the sync engine behind a single handle: token
// coordination, the connection manager, the event pipeline, the local store
// and the list helpers built on top of them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/config"
	"github.com/dgnsrekt/chatsync/internal/connection"
	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/reachability"
	"github.com/dgnsrekt/chatsync/internal/store"
	"github.com/dgnsrekt/chatsync/internal/store/sqlite"
	"github.com/dgnsrekt/chatsync/internal/timer"
	"github.com/dgnsrekt/chatsync/internal/token"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

var ErrClosed = errors.New("client closed")

// Client owns every engine component for one user.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	store    store.Store
	api      *api.HTTPClient
	tokens   *token.Coordinator
	decoder  *event.Decoder
	pipeline *event.Pipeline
	reach    *reachability.Monitor
	conn     *connection.Manager

	probeCancel context.CancelFunc
	probeDone   chan struct{}

	mu     sync.Mutex
	lists  map[*MessageList]struct{}
	closed bool
}

// New builds a client from cfg. Nothing connects until Connect is called.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	decoder, err := event.NewDecoder()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		decoder: decoder,
		lists:   make(map[*MessageList]struct{}),
	}

	c.api = api.NewClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.RatePerSecond,
		cfg.APITimeout(), cfg.APIRetryDelay(), cfg.API.RetryCount, logger.Named("api"))

	var initial token.Token
	if cfg.User.Token != "" {
		initial = token.Token{Value: cfg.User.Token, UserID: cfg.User.ID}
	}
	c.tokens = token.NewCoordinator(cfg.User.ID, initial, c.api, timer.Real{}, logger.Named("token"))

	c.pipeline = event.NewPipeline(event.PipelineConfig{
		MaxBatchSize: cfg.Events.MaxBatchSize,
		MaxBatchAge:  cfg.Events.MaxBatchAge,
	}, s, model.NewApplier(logger.Named("model")), decoder, timer.Real{}, c.onPersistError, logger.Named("events"))

	c.reach = reachability.NewMonitor(true, logger.Named("reachability"))

	target, err := connectURL(cfg.Connection)
	if err != nil {
		c.pipeline.Close()
		c.tokens.Close()
		decoder.Close()
		_ = s.Close()
		return nil, err
	}

	if addr := cfg.Reachability.ProbeAddr; addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		c.probeCancel = cancel
		c.probeDone = make(chan struct{})
		go func() {
			defer close(c.probeDone)
			c.reach.Probe(ctx, addr, cfg.Reachability.ProbeInterval, cfg.Reachability.ProbeTimeout)
		}()
	}

	transport := ws.NewTransport(cfg.Connection.HandshakeTimeout, nil, logger.Named("ws"))
	c.conn = connection.NewManager(connection.Config{
		URL:          target,
		PingInterval: cfg.Connection.PingInterval,
		PongTimeout:  cfg.Connection.PongTimeout,
		Strategy: connection.StrategyConfig{
			BaseDelay:       cfg.Connection.BaseDelay,
			MaxDelay:        cfg.Connection.MaxDelay,
			MaxTokenRetries: cfg.Connection.MaxTokenRetries,
		},
	}, transport, c.tokens, decoder, c.pipeline, c.reach, timer.Real{}, logger.Named("connection"))

	logger.Info("client ready",
		zap.String("userID", cfg.User.ID),
		zap.String("store", string(cfg.Store.Driver)),
		zap.Bool("probe", c.probeCancel != nil),
	)
	return c, nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		sc := sqlite.DefaultConfig()
		if cfg.BusyTimeout > 0 {
			sc.BusyTimeout = cfg.BusyTimeout
		}
		s, err := sqlite.Open(cfg.Path, sc, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

// connectURL asks for compressed binary frames when configured.
func connectURL(cfg config.ConnectionConfig) (string, error) {
	if !cfg.Binary {
		return cfg.URL, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse connection url: %w", err)
	}
	q := u.Query()
	q.Set("format", "binary")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) onPersistError(err error) {
	c.logger.Error("event batch not persisted", zap.Error(err))
}

// Store exposes the local store for queries.
func (c *Client) Store() store.Store { return c.store }

// API exposes the REST client.
func (c *Client) API() api.Client { return c.api }

// Connect starts connecting, or reconnects after a disconnect.
func (c *Client) Connect() { c.conn.Connect() }

// Disconnect closes the connection without reconnecting and cancels any
// token refresh in flight.
func (c *Client) Disconnect() {
	c.conn.Disconnect(connection.DisconnectSource{Kind: connection.UserInitiated})
	c.tokens.CancelRefreshFlow(nil)
}

// State returns the connection state.
func (c *Client) State() connection.State { return c.conn.State() }

// OnStateChange registers fn for every connection state change.
func (c *Client) OnStateChange(fn func(connection.State)) (cancel func()) {
	return c.conn.OnStateChange(fn)
}

// ConnectionID blocks until connected and returns the connection id.
func (c *Client) ConnectionID(ctx context.Context) (string, error) {
	return c.conn.ConnectionID(ctx)
}

// SetToken installs tok, answering everything waiting for a token.
func (c *Client) SetToken(tok token.Token, completion func(error)) {
	c.tokens.Set(tok, completion)
}

// Subscribe registers h for events of typ after they are persisted. An empty
// typ subscribes to every event.
func (c *Client) Subscribe(typ string, h event.Handler) *event.Subscription {
	if typ == "" {
		return c.pipeline.SubscribeAll(h)
	}
	return c.pipeline.Subscribe(typ, h)
}

// Flush blocks until every event received so far is persisted and
// dispatched.
func (c *Client) Flush(ctx context.Context) error {
	return c.pipeline.FlushNow(ctx)
}

// Logout disconnects and wipes local data.
func (c *Client) Logout(ctx context.Context) error {
	c.Disconnect()
	if err := c.pipeline.FlushNow(ctx); err != nil && !errors.Is(err, event.ErrPipelineClosed) {
		return fmt.Errorf("flushing events: %w", err)
	}
	if err := c.store.Wipe(); err != nil {
		return fmt.Errorf("wiping store: %w", err)
	}
	c.logger.Info("logged out", zap.String("userID", c.tokens.UserID()))
	return nil
}

// Close shuts the client down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lists := make([]*MessageList, 0, len(c.lists))
	for l := range c.lists {
		lists = append(lists, l)
	}
	c.mu.Unlock()

	for _, l := range lists {
		l.Close()
	}
	if c.probeCancel != nil {
		c.probeCancel()
		<-c.probeDone
	}

	// Stop the connection before the pipeline so nothing appends after it
	// closes.
	c.conn.Close()
	c.pipeline.Close()
	c.tokens.Close()
	c.decoder.Close()
	return c.store.Close()
}
