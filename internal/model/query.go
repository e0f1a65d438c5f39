package model

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/chatsync/internal/store"
)

// Messages returns a channel's messages oldest first.
func Messages(s store.Store, cid string) ([]Message, error) {
	return decodeRows[Message](s, store.Query{Collection: CollectionMessages, Scope: cid})
}

// Channels returns every known channel ordered by creation.
func Channels(s store.Store) ([]Channel, error) {
	return decodeRows[Channel](s, store.Query{Collection: CollectionChannels})
}

// Members returns a channel's members ordered by join time.
func Members(s store.Store, cid string) ([]Member, error) {
	return decodeRows[Member](s, store.Query{Collection: CollectionMembers, Scope: cid})
}

// Users returns every known user ordered by id.
func Users(s store.Store) ([]User, error) {
	return decodeRows[User](s, store.Query{Collection: CollectionUsers})
}

// Reads returns a channel's read states ordered by user id.
func Reads(s store.Store, cid string) ([]Read, error) {
	return decodeRows[Read](s, store.Query{Collection: CollectionReads, Scope: cid})
}

// PutMessages stores messages fetched over REST in one transaction.
func PutMessages(s store.Store, msgs []Message) error {
	return s.Write(func(tx store.Tx) error {
		for _, m := range msgs {
			if err := putJSON(tx, CollectionMessages, m.ID, m.ChannelID, m.Cursor(), m); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeRows[T any](s store.Store, q store.Query) ([]T, error) {
	rows, err := s.Read(q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", r.Collection, r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
