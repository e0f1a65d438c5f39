package client

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/observer"
	"github.com/dgnsrekt/chatsync/internal/pagination"
	"github.com/dgnsrekt/chatsync/internal/store"
)

// MessageList pages a channel's history into the store and keeps its cursors
// in step with messages arriving live.
type MessageList struct {
	cid     string
	api     api.Client
	store   store.Store
	machine *pagination.Machine
	sub     *event.Subscription
	owner   *Client
	logger  *zap.Logger
}

// Messages returns a list for cid. Close it when done.
func (c *Client) Messages(cid string) (*MessageList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	logger := c.logger.Named("messages").With(zap.String("cid", cid))
	l := &MessageList{
		cid:     cid,
		api:     c.api,
		store:   c.store,
		machine: pagination.NewMachine(nil, logger),
		owner:   c,
		logger:  logger,
	}
	l.sub = c.pipeline.Subscribe(event.TypeMessageNew, l.onMessageNew)
	c.lists[l] = struct{}{}
	return l, nil
}

// State returns the list's pagination state.
func (l *MessageList) State() pagination.State { return l.machine.State() }

// LoadOlder fetches up to limit messages before the oldest one loaded.
func (l *MessageList) LoadOlder(ctx context.Context, limit int) ([]model.Message, error) {
	return l.load(ctx, pagination.Older, limit)
}

// LoadNewer fetches up to limit messages after the newest one loaded.
func (l *MessageList) LoadNewer(ctx context.Context, limit int) ([]model.Message, error) {
	return l.load(ctx, pagination.Newer, limit)
}

func (l *MessageList) load(ctx context.Context, dir pagination.Direction, limit int) ([]model.Message, error) {
	st := l.machine.State()
	req := pagination.Request{Direction: dir, Limit: limit}
	if dir == pagination.Older {
		req.From = st.OldestCursor
	} else {
		req.From = st.NewestCursor
	}

	var msgs []model.Message
	_, err := l.machine.Load(ctx, req, func(ctx context.Context, req pagination.Request) (pagination.Page, error) {
		q := api.MessageQuery{Limit: req.Limit}
		if req.Direction == pagination.Older {
			q.Before = string(req.From)
		} else {
			q.After = string(req.From)
		}

		resp, err := l.api.FetchMessages(ctx, l.cid, q)
		if err != nil {
			return pagination.Page{}, err
		}
		msgs = resp.Messages
		if err := model.PutMessages(l.store, msgs); err != nil {
			return pagination.Page{}, fmt.Errorf("storing page: %w", err)
		}

		page := pagination.Page{Cursors: make([]pagination.Cursor, 0, len(msgs)), HasMore: resp.HasMore}
		for _, m := range msgs {
			page.Cursors = append(page.Cursors, pagination.Cursor(m.Cursor()))
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("page loaded",
		zap.Stringer("direction", dir),
		zap.Int("count", len(msgs)),
		zap.Bool("hasMore", l.machine.State().HasMore),
	)
	return msgs, nil
}

func (l *MessageList) onMessageNew(env event.Envelope) {
	if env.ChannelID != l.cid {
		return
	}
	var p struct {
		Message *model.Message `json:"message"`
	}
	if err := json.Unmarshal(env.Raw, &p); err != nil || p.Message == nil {
		return
	}
	m := *p.Message
	if m.CreatedAt.IsZero() {
		m.CreatedAt = env.CreatedAt
	}
	l.machine.Advance(pagination.Cursor(m.Cursor()))
}

// Observe returns an observer over the channel's stored messages, oldest
// first.
func (l *MessageList) Observe() *observer.ChangeObserver[model.Message] {
	return observer.New(l.store,
		func() ([]model.Message, error) { return model.Messages(l.store, l.cid) },
		func(m model.Message) string { return m.ID },
		sameMessage,
		l.logger,
	)
}

// Close stops following live messages.
func (l *MessageList) Close() {
	l.sub.Cancel()
	l.owner.mu.Lock()
	delete(l.owner.lists, l)
	l.owner.mu.Unlock()
}

func sameMessage(a, b model.Message) bool {
	if a.Text != b.Text || a.User.ID != b.User.ID || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	switch {
	case a.UpdatedAt == nil && b.UpdatedAt == nil:
		return true
	case a.UpdatedAt == nil || b.UpdatedAt == nil:
		return false
	}
	return a.UpdatedAt.Equal(*b.UpdatedAt)
}
