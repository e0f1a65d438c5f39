package observer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/store"
)

func putItems(t *testing.T, s store.Store, its ...item) {
	t.Helper()
	err := s.Write(func(tx store.Tx) error {
		for _, it := range its {
			data, _ := json.Marshal(it)
			if err := tx.Put(store.Row{Collection: "items", Key: it.ID, SortKey: it.ID, Data: data}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func fetchItems(s store.Store) func() ([]item, error) {
	return func() ([]item, error) {
		rows, err := s.Read(store.Query{Collection: "items"})
		if err != nil {
			return nil, err
		}
		out := make([]item, 0, len(rows))
		for _, r := range rows {
			var it item
			if err := json.Unmarshal(r.Data, &it); err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		return out, nil
	}
}

func newItemObserver(t *testing.T, s store.Store) *ChangeObserver[item] {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(s, fetchItems(s), itemKey, itemEqual, logger)
}

func TestObserver_InitialAndIncremental(t *testing.T) {
	s := store.NewMemory()
	putItems(t, s, item{ID: "a"}, item{ID: "c"})

	o := newItemObserver(t, s)
	var sets [][]Change[item]
	if err := o.StartObserving(func(c []Change[item]) { sets = append(sets, c) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.StopObserving()

	if len(sets) != 1 || len(sets[0]) != 2 || sets[0][0].Kind != Insert || sets[0][1].Index != 1 {
		t.Fatalf("expected initial inserts, got %+v", sets)
	}

	putItems(t, s, item{ID: "b"})
	if len(sets) != 2 {
		t.Fatalf("expected a change set after commit, got %d", len(sets))
	}
	if c := sets[1]; len(c) != 1 || c[0].Kind != Insert || c[0].Index != 1 || c[0].Item.ID != "b" {
		t.Errorf("expected insert of b at 1, got %+v", c)
	}

	putItems(t, s, item{ID: "c", Val: 5})
	if c := sets[2]; len(c) != 1 || c[0].Kind != Update || c[0].Index != 2 {
		t.Errorf("expected update of c at 2, got %+v", c)
	}

	_ = s.Write(func(tx store.Tx) error { return tx.Delete("items", "a") })
	if c := sets[3]; len(c) != 1 || c[0].Kind != Remove || c[0].Index != 0 {
		t.Errorf("expected remove of a at 0, got %+v", c)
	}

	got := o.Items()
	if len(got) != 2 || got[0].ID != "b" || got[1].Val != 5 {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestObserver_ChangeSetsReplayToSnapshot(t *testing.T) {
	s := store.NewMemory()
	putItems(t, s, item{ID: "a"})

	o := newItemObserver(t, s)
	var replica []item
	_ = o.StartObserving(func(c []Change[item]) { replica = Apply(replica, c) })
	defer o.StopObserving()

	putItems(t, s, item{ID: "d"}, item{ID: "b", Val: 1})
	putItems(t, s, item{ID: "a", Val: 2}, item{ID: "c"})
	_ = s.Write(func(tx store.Tx) error { return tx.Delete("items", "b") })

	want, _ := fetchItems(s)()
	if len(replica) != len(want) {
		t.Fatalf("replica %+v, want %+v", replica, want)
	}
	for i := range want {
		if replica[i] != want[i] {
			t.Fatalf("replica %+v, want %+v", replica, want)
		}
	}
}

func TestObserver_WipeEmitsRemoves(t *testing.T) {
	s := store.NewMemory()
	putItems(t, s, item{ID: "a"}, item{ID: "b"})

	o := newItemObserver(t, s)
	var last []Change[item]
	_ = o.StartObserving(func(c []Change[item]) { last = c })
	defer o.StopObserving()

	if err := s.Wipe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(last) != 2 || last[0].Kind != Remove || last[1].Kind != Remove {
		t.Errorf("expected two removes, got %+v", last)
	}
}

func TestObserver_StopTwiceIsNoop(t *testing.T) {
	s := store.NewMemory()
	o := newItemObserver(t, s)

	calls := 0
	_ = o.StartObserving(func([]Change[item]) { calls++ })

	o.StopObserving()
	o.StopObserving()

	putItems(t, s, item{ID: "a"})
	if calls != 0 {
		t.Errorf("expected no callbacks after stop, got %d", calls)
	}
}

func TestObserver_StopWaitsForInFlightDelivery(t *testing.T) {
	s := store.NewMemory()
	o := newItemObserver(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	_ = o.StartObserving(func([]Change[item]) {
		close(entered)
		<-release
	})

	go func() {
		_ = s.Write(func(tx store.Tx) error {
			return tx.Put(store.Row{Collection: "items", Key: "a", Data: []byte(`{"ID":"a"}`)})
		})
	}()
	<-entered

	stopped := make(chan struct{})
	go func() {
		o.StopObserving()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopObserving returned while a delivery was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopObserving did not return after delivery finished")
	}
}

func TestObserver_StartTwice(t *testing.T) {
	o := newItemObserver(t, store.NewMemory())
	_ = o.StartObserving(func([]Change[item]) {})
	defer o.StopObserving()

	if err := o.StartObserving(func([]Change[item]) {}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}
