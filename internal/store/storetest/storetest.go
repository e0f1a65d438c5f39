// Package storetest holds behaviour tests every store.Store must pass.
package storetest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dgnsrekt/chatsync/internal/store"
)

// Run exercises s against the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("write then read", func(t *testing.T) {
		s := newStore(t)

		err := s.Write(func(tx store.Tx) error {
			if err := tx.Put(row("messages", "m2", "c1", "002")); err != nil {
				return err
			}
			if err := tx.Put(row("messages", "m1", "c1", "001")); err != nil {
				return err
			}
			return tx.Put(row("messages", "m3", "c2", "003"))
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := s.Read(store.Query{Collection: "messages", Scope: "c1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"m1", "m2"}, keys(got)); diff != "" {
			t.Errorf("scoped read mismatch (-want +got):\n%s", diff)
		}

		all, _ := s.Read(store.Query{Collection: "messages", Descending: true, Limit: 2})
		if diff := cmp.Diff([]string{"m3", "m2"}, keys(all)); diff != "" {
			t.Errorf("descending limited read mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("failed write rolls back", func(t *testing.T) {
		s := newStore(t)
		commits := 0
		s.OnCommit(func() { commits++ })

		boom := errors.New("boom")
		err := s.Write(func(tx store.Tx) error {
			_ = tx.Put(row("messages", "m1", "c1", "001"))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		got, _ := s.Read(store.Query{Collection: "messages"})
		if len(got) != 0 {
			t.Errorf("expected rollback, found %d rows", len(got))
		}
		if commits != 0 {
			t.Errorf("expected no commit notification, got %d", commits)
		}
	})

	t.Run("tx sees its own writes", func(t *testing.T) {
		s := newStore(t)
		_ = s.Write(func(tx store.Tx) error { return tx.Put(row("users", "u1", "", "")) })

		err := s.Write(func(tx store.Tx) error {
			if _, ok, _ := tx.Get("users", "u1"); !ok {
				t.Error("expected committed row visible in tx")
			}
			if err := tx.Delete("users", "u1"); err != nil {
				return err
			}
			if _, ok, _ := tx.Get("users", "u1"); ok {
				t.Error("expected deleted row hidden in tx")
			}
			if err := tx.Put(row("users", "u2", "", "")); err != nil {
				return err
			}
			if _, ok, _ := tx.Get("users", "u2"); !ok {
				t.Error("expected staged row visible in tx")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, _ := s.Read(store.Query{Collection: "users"})
		if diff := cmp.Diff([]string{"u2"}, keys(got)); diff != "" {
			t.Errorf("users mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("tx query merges staged rows", func(t *testing.T) {
		s := newStore(t)
		_ = s.Write(func(tx store.Tx) error {
			if err := tx.Put(row("reads", "c1/u1", "c1", "u1")); err != nil {
				return err
			}
			return tx.Put(row("reads", "c1/u2", "c1", "u2"))
		})

		err := s.Write(func(tx store.Tx) error {
			if err := tx.Delete("reads", "c1/u1"); err != nil {
				return err
			}
			if err := tx.Put(row("reads", "c1/u3", "c1", "u3")); err != nil {
				return err
			}
			if err := tx.Put(row("reads", "c2/u1", "c2", "u1")); err != nil {
				return err
			}
			got, err := tx.Query(store.Query{Collection: "reads", Scope: "c1"})
			if err != nil {
				return err
			}
			if diff := cmp.Diff([]string{"c1/u2", "c1/u3"}, keys(got)); diff != "" {
				t.Errorf("tx query mismatch (-want +got):\n%s", diff)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("commit listeners", func(t *testing.T) {
		s := newStore(t)
		commits := 0
		cancel := s.OnCommit(func() { commits++ })

		_ = s.Write(func(tx store.Tx) error { return tx.Put(row("users", "u1", "", "")) })
		_ = s.Write(func(tx store.Tx) error { return nil })
		if commits != 1 {
			t.Errorf("expected 1 notification, got %d", commits)
		}

		cancel()
		_ = s.Write(func(tx store.Tx) error { return tx.Put(row("users", "u2", "", "")) })
		if commits != 1 {
			t.Errorf("expected no notification after cancel, got %d", commits)
		}
	})

	t.Run("wipe", func(t *testing.T) {
		s := newStore(t)
		_ = s.Write(func(tx store.Tx) error { return tx.Put(row("users", "u1", "", "")) })

		notified := false
		s.OnCommit(func() { notified = true })
		if err := s.Wipe(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !notified {
			t.Error("expected wipe to notify listeners")
		}
		got, _ := s.Read(store.Query{Collection: "users"})
		if len(got) != 0 {
			t.Errorf("expected empty store, got %d rows", len(got))
		}
	})

	t.Run("invalid row", func(t *testing.T) {
		s := newStore(t)
		err := s.Write(func(tx store.Tx) error { return tx.Put(store.Row{Collection: "users"}) })
		if !errors.Is(err, store.ErrInvalidRow) {
			t.Errorf("expected ErrInvalidRow, got %v", err)
		}
	})
}

func row(collection, key, scope, sortKey string) store.Row {
	data, _ := json.Marshal(map[string]string{"id": key})
	return store.Row{Collection: collection, Key: key, Scope: scope, SortKey: sortKey, Data: data}
}

func keys(rows []store.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Key)
	}
	return out
}
