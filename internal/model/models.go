// Package model holds the chat entities persisted from server events.
package model

import (
	"fmt"
	"time"
)

// Collections used in the store.
const (
	CollectionMessages = "messages"
	CollectionChannels = "channels"
	CollectionMembers  = "members"
	CollectionUsers    = "users"
	CollectionReads    = "reads"
)

type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Online     bool       `json:"online"`
	LastActive *time.Time `json:"last_active,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"cid"`
	Text      string     `json:"text"`
	User      User       `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Cursor is the message's position in its channel's timeline.
func (m Message) Cursor() string {
	return SortKey(m.CreatedAt, m.ID)
}

type Channel struct {
	CID         string     `json:"cid"`
	Type        string     `json:"type,omitempty"`
	Name        string     `json:"name,omitempty"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	ChannelID string    `json:"cid"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"channel_role,omitempty"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Key identifies the membership row.
func (m Member) Key() string {
	return m.ChannelID + "/" + m.UserID
}

// Read is one user's read position in a channel.
type Read struct {
	ChannelID      string    `json:"cid"`
	UserID         string    `json:"user_id"`
	LastRead       time.Time `json:"last_read"`
	UnreadMessages int       `json:"unread_messages"`
}

func (r Read) Key() string {
	return r.ChannelID + "/" + r.UserID
}

// SortKey renders t and id so that byte order equals chronological order.
func SortKey(t time.Time, id string) string {
	var ns int64
	if !t.IsZero() {
		ns = t.UTC().UnixNano()
	}
	return fmt.Sprintf("%020d/%s", ns, id)
}
