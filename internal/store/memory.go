package store

import (
	"sync"
)

// Memory keeps rows in maps. Writers are serialized; a transaction's changes
// are staged and become visible to readers only on commit.
type Memory struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	rows    map[string]map[string]Row
	closed  bool
	notify  Notifier
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]map[string]Row)}
}

type stagedKey struct {
	collection string
	key        string
}

type memoryTx struct {
	store    *Memory
	puts     map[stagedKey]Row
	deletes  map[stagedKey]bool
	finished bool
}

func (tx *memoryTx) Put(row Row) error {
	if tx.finished {
		return ErrTxFinished
	}
	if row.Collection == "" || row.Key == "" {
		return ErrInvalidRow
	}
	k := stagedKey{row.Collection, row.Key}
	delete(tx.deletes, k)
	tx.puts[k] = row
	return nil
}

func (tx *memoryTx) Delete(collection, key string) error {
	if tx.finished {
		return ErrTxFinished
	}
	k := stagedKey{collection, key}
	delete(tx.puts, k)
	tx.deletes[k] = true
	return nil
}

func (tx *memoryTx) Get(collection, key string) (Row, bool, error) {
	if tx.finished {
		return Row{}, false, ErrTxFinished
	}
	k := stagedKey{collection, key}
	if row, ok := tx.puts[k]; ok {
		return row, true, nil
	}
	if tx.deletes[k] {
		return Row{}, false, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	row, ok := tx.store.rows[collection][key]
	return row, ok, nil
}

func (tx *memoryTx) Query(q Query) ([]Row, error) {
	if tx.finished {
		return nil, ErrTxFinished
	}
	var out []Row
	tx.store.mu.RLock()
	for key, row := range tx.store.rows[q.Collection] {
		k := stagedKey{q.Collection, key}
		if _, staged := tx.puts[k]; staged || tx.deletes[k] {
			continue
		}
		if q.Scope == "" || row.Scope == q.Scope {
			out = append(out, row)
		}
	}
	tx.store.mu.RUnlock()
	for k, row := range tx.puts {
		if k.collection == q.Collection && (q.Scope == "" || row.Scope == q.Scope) {
			out = append(out, row)
		}
	}
	return SortRows(out, q), nil
}

func (m *Memory) Write(fn func(Tx) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	tx := &memoryTx{store: m, puts: make(map[stagedKey]Row), deletes: make(map[stagedKey]bool)}
	err := fn(tx)
	tx.finished = true
	if err != nil {
		return err
	}
	if len(tx.puts) == 0 && len(tx.deletes) == 0 {
		return nil
	}

	m.mu.Lock()
	for k := range tx.deletes {
		if c, ok := m.rows[k.collection]; ok {
			delete(c, k.key)
		}
	}
	for k, row := range tx.puts {
		c, ok := m.rows[k.collection]
		if !ok {
			c = make(map[string]Row)
			m.rows[k.collection] = c
		}
		c[k.key] = row
	}
	m.mu.Unlock()

	m.notify.Notify()
	return nil
}

func (m *Memory) Read(q Query) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Row
	for _, row := range m.rows[q.Collection] {
		if q.Scope != "" && row.Scope != q.Scope {
			continue
		}
		out = append(out, row)
	}
	return SortRows(out, q), nil
}

func (m *Memory) OnCommit(fn func()) func() {
	return m.notify.Subscribe(fn)
}

func (m *Memory) Wipe() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.rows = make(map[string]map[string]Row)
	m.mu.Unlock()

	m.notify.Notify()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
