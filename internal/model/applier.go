package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/store"
)

type eventPayload struct {
	Message *Message `json:"message"`
	Channel *Channel `json:"channel"`
	Member  *Member  `json:"member"`
	User    *User    `json:"user"`
}

// Applier maps chat events onto store rows. Events it does not know are
// ignored. A malformed event is dropped on its own; only store failures
// abort the batch.
type Applier struct {
	logger *zap.Logger
}

var _ event.Applier = (*Applier)(nil)

func NewApplier(logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{logger: logger}
}

func (a *Applier) Apply(tx store.Tx, env event.Envelope) error {
	if env.IsControl() {
		return nil
	}

	var p eventPayload
	if err := json.Unmarshal(env.Raw, &p); err != nil {
		return a.drop(env, fmt.Errorf("parsing payload: %w", err))
	}

	err := a.apply(tx, env, p)
	if errors.Is(err, ErrMissingKey) {
		return a.drop(env, err)
	}
	return err
}

func (a *Applier) drop(env event.Envelope, err error) error {
	metrics.DecodeErrors.Inc()
	a.logger.Warn("dropping malformed event",
		zap.String("type", env.Type),
		zap.Uint64("seq", env.Seq),
		zap.Error(err),
	)
	return nil
}

func missing(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingKey, what)
}

func (a *Applier) apply(tx store.Tx, env event.Envelope, p eventPayload) error {
	switch env.Type {
	case event.TypeMessageNew, event.TypeNotificationMessageNew, event.TypeMessageUpdated:
		if p.Message == nil {
			return nil
		}
		m := *p.Message
		if m.ChannelID == "" {
			m.ChannelID = env.ChannelID
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = env.CreatedAt
		}
		if m.ID == "" || m.ChannelID == "" {
			return missing("message id and cid")
		}

		_, seen, err := tx.Get(CollectionMessages, m.ID)
		if err != nil {
			return err
		}
		if m.User.ID != "" {
			if err := putUser(tx, m.User); err != nil {
				return err
			}
		}
		if err := putJSON(tx, CollectionMessages, m.ID, m.ChannelID, m.Cursor(), m); err != nil {
			return err
		}
		// Updates and redeliveries leave unread counts alone.
		if env.Type == event.TypeMessageUpdated || seen {
			return nil
		}
		sender := env.UserID
		if sender == "" {
			sender = m.User.ID
		}
		return countUnread(tx, m, sender)

	case event.TypeMessageDeleted:
		if p.Message == nil {
			return nil
		}
		if p.Message.ID == "" {
			return missing("message id")
		}
		return tx.Delete(CollectionMessages, p.Message.ID)

	case event.TypeMessageRead, event.TypeNotificationMarkRead:
		cid := env.ChannelID
		if cid == "" && p.Channel != nil {
			cid = p.Channel.CID
		}
		if cid == "" || env.UserID == "" {
			return missing("read cid and user")
		}
		return resetRead(tx, Read{ChannelID: cid, UserID: env.UserID}, env.CreatedAt)

	case event.TypeNotificationMarkAllRead:
		if env.UserID == "" {
			return missing("read user")
		}
		reads, err := txReads(tx, "")
		if err != nil {
			return err
		}
		for _, r := range reads {
			if r.UserID != env.UserID {
				continue
			}
			if err := resetRead(tx, r, env.CreatedAt); err != nil {
				return err
			}
		}
		return nil

	case event.TypeChannelUpdated:
		if p.Channel == nil {
			return nil
		}
		c := *p.Channel
		if c.CID == "" {
			c.CID = env.ChannelID
		}
		if c.CID == "" {
			return missing("channel cid")
		}
		return putJSON(tx, CollectionChannels, c.CID, "", SortKey(c.CreatedAt, c.CID), c)

	case event.TypeChannelDeleted:
		cid := env.ChannelID
		if p.Channel != nil && p.Channel.CID != "" {
			cid = p.Channel.CID
		}
		if cid == "" {
			return missing("channel cid")
		}
		return tx.Delete(CollectionChannels, cid)

	case event.TypeMemberAdded, event.TypeMemberUpdated:
		if p.Member == nil {
			return nil
		}
		m := *p.Member
		if m.ChannelID == "" {
			m.ChannelID = env.ChannelID
		}
		if m.UserID == "" {
			m.UserID = m.User.ID
		}
		if m.ChannelID == "" || m.UserID == "" {
			return missing("member cid and user_id")
		}
		return putJSON(tx, CollectionMembers, m.Key(), m.ChannelID, SortKey(m.CreatedAt, m.UserID), m)

	case event.TypeMemberRemoved:
		if p.Member == nil {
			return nil
		}
		m := Member{ChannelID: p.Member.ChannelID, UserID: p.Member.UserID}
		if m.ChannelID == "" {
			m.ChannelID = env.ChannelID
		}
		if m.UserID == "" {
			m.UserID = p.Member.User.ID
		}
		if m.ChannelID == "" || m.UserID == "" {
			return missing("member cid and user_id")
		}
		if err := tx.Delete(CollectionMembers, m.Key()); err != nil {
			return err
		}
		return tx.Delete(CollectionReads, Read{ChannelID: m.ChannelID, UserID: m.UserID}.Key())

	case event.TypeUserUpdated, event.TypeUserPresenceChanged:
		if p.User == nil {
			return nil
		}
		if p.User.ID == "" {
			return missing("user id")
		}
		return putUser(tx, *p.User)

	default:
		a.logger.Debug("ignoring event type", zap.String("type", env.Type))
		return nil
	}
}

// countUnread bumps the unread count of every reader of m's channel other
// than its sender who last read before m was created.
func countUnread(tx store.Tx, m Message, sender string) error {
	reads, err := txReads(tx, m.ChannelID)
	if err != nil {
		return err
	}
	for _, r := range reads {
		if r.UserID == sender || !m.CreatedAt.After(r.LastRead) {
			continue
		}
		r.UnreadMessages++
		if err := putRead(tx, r); err != nil {
			return err
		}
	}
	return nil
}

// resetRead clears r's unread count, creating the row when the reader is new.
// LastRead never moves backwards.
func resetRead(tx store.Tx, r Read, at time.Time) error {
	row, ok, err := tx.Get(CollectionReads, r.Key())
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(row.Data, &r); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", row.Collection, row.Key, err)
		}
	}
	r.UnreadMessages = 0
	if at.After(r.LastRead) {
		r.LastRead = at
	}
	return putRead(tx, r)
}

func txReads(tx store.Tx, cid string) ([]Read, error) {
	rows, err := tx.Query(store.Query{Collection: CollectionReads, Scope: cid})
	if err != nil {
		return nil, err
	}
	out := make([]Read, 0, len(rows))
	for _, row := range rows {
		var r Read
		if err := json.Unmarshal(row.Data, &r); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", row.Collection, row.Key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func putRead(tx store.Tx, r Read) error {
	return putJSON(tx, CollectionReads, r.Key(), r.ChannelID, r.UserID, r)
}

func putUser(tx store.Tx, u User) error {
	return putJSON(tx, CollectionUsers, u.ID, "", u.ID, u)
}

func putJSON(tx store.Tx, collection, key, scope, sortKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, key, err)
	}
	return tx.Put(store.Row{Collection: collection, Key: key, Scope: scope, SortKey: sortKey, Data: data})
}
