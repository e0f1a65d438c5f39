// Package store defines the persistence contract the sync engine writes
// decoded events through, plus an in-memory implementation.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var (
	ErrClosed     = errors.New("store closed")
	ErrInvalidRow = errors.New("row requires collection and key")
	ErrTxFinished = errors.New("transaction already finished")
)

// Row is one persisted record. Scope groups rows (for example messages of a
// channel) and SortKey orders them within a query.
type Row struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Scope      string          `json:"scope,omitempty"`
	SortKey    string          `json:"sort_key,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Query selects rows of a collection. An empty Scope matches every scope and
// a zero Limit returns all rows.
type Query struct {
	Collection string
	Scope      string
	Limit      int
	Descending bool
}

// Tx is the write side of one transaction.
type Tx interface {
	Put(row Row) error
	Delete(collection, key string) error
	Get(collection, key string) (Row, bool, error)
	// Query reads rows as the transaction sees them, staged changes included.
	Query(q Query) ([]Row, error)
}

// Store is a transactional row store that announces commits.
type Store interface {
	// Write runs fn in a single transaction. Commit listeners run after a
	// successful commit that changed at least one row.
	Write(fn func(Tx) error) error
	Read(q Query) ([]Row, error)
	// OnCommit registers fn and returns a function that unregisters it.
	OnCommit(fn func()) (cancel func())
	// Wipe deletes every row and notifies commit listeners.
	Wipe() error
	Close() error
}

// Notifier fans a commit out to registered listeners.
type Notifier struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func()
}

// Subscribe registers fn and returns its cancel func.
func (n *Notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// Notify calls every listener in registration order on the calling goroutine.
func (n *Notifier) Notify() {
	n.mu.Lock()
	ids := make([]int, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.listeners[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SortRows orders rows by SortKey then Key, applies direction and limit.
func SortRows(rows []Row, q Query) []Row {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SortKey != b.SortKey {
			if q.Descending {
				return a.SortKey > b.SortKey
			}
			return a.SortKey < b.SortKey
		}
		if q.Descending {
			return a.Key > b.Key
		}
		return a.Key < b.Key
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}
