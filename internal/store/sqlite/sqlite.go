// Package sqlite implements store.Store on SQLite using the pure Go driver.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/dgnsrekt/chatsync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rows (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	scope      TEXT NOT NULL DEFAULT '',
	sort_key   TEXT NOT NULL DEFAULT '',
	data       BLOB,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS rows_scope_sort ON rows (collection, scope, sort_key);
`

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Store persists rows in a single SQLite table.
type Store struct {
	db     *sql.DB
	notify store.Notifier
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// PRAGMAs go in the DSN so they apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}

	logger.Debug("sqlite store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

type sqliteTx struct {
	tx      *sql.Tx
	changed bool
}

func (t *sqliteTx) Put(row store.Row) error {
	if row.Collection == "" || row.Key == "" {
		return store.ErrInvalidRow
	}
	_, err := t.tx.Exec(`INSERT INTO rows (collection, key, scope, sort_key, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET scope = excluded.scope, sort_key = excluded.sort_key, data = excluded.data`,
		row.Collection, row.Key, row.Scope, row.SortKey, []byte(row.Data))
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", row.Collection, row.Key, err)
	}
	t.changed = true
	return nil
}

func (t *sqliteTx) Delete(collection, key string) error {
	res, err := t.tx.Exec(`DELETE FROM rows WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.changed = true
	}
	return nil
}

func (t *sqliteTx) Get(collection, key string) (store.Row, bool, error) {
	row := store.Row{Collection: collection, Key: key}
	var data []byte
	err := t.tx.QueryRow(`SELECT scope, sort_key, data FROM rows WHERE collection = ? AND key = ?`, collection, key).
		Scan(&row.Scope, &row.SortKey, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("getting %s/%s: %w", collection, key, err)
	}
	row.Data = data
	return row, true, nil
}

func (s *Store) Write(fn func(store.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	stx := &sqliteTx{tx: tx}
	if err := fn(stx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if stx.changed {
		s.notify.Notify()
	}
	return nil
}

func (t *sqliteTx) Query(q store.Query) ([]store.Row, error) {
	return queryRows(t.tx, q)
}

func (s *Store) Read(q store.Query) ([]store.Row, error) {
	return queryRows(s.db, q)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryRows(db querier, q store.Query) ([]store.Row, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT key, scope, sort_key, data FROM rows WHERE collection = ?`)
	args = append(args, q.Collection)
	if q.Scope != "" {
		sb.WriteString(` AND scope = ?`)
		args = append(args, q.Scope)
	}
	if q.Descending {
		sb.WriteString(` ORDER BY sort_key DESC, key DESC`)
	} else {
		sb.WriteString(` ORDER BY sort_key ASC, key ASC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Row
	for rows.Next() {
		r := store.Row{Collection: q.Collection}
		var data []byte
		if err := rows.Scan(&r.Key, &r.Scope, &r.SortKey, &data); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Data = data
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) OnCommit(fn func()) func() {
	return s.notify.Subscribe(fn)
}

func (s *Store) Wipe() error {
	if _, err := s.db.Exec(`DELETE FROM rows`); err != nil {
		return fmt.Errorf("wiping rows: %w", err)
	}
	s.notify.Notify()
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
