package store

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "swapmaker-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertSwapIdempotent(t *testing.T) {
	s := newTestStore(t)
	h := SwapHeader{SwapID: "swap-1", Role: "BtcForDai", SecretHash: "deadbeef"}

	if err := s.InsertSwap(h); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertSwap(h); err != nil {
		t.Fatalf("idempotent re-insert: %v", err)
	}

	h2 := h
	h2.Role = "DaiForBtc"
	if err := s.InsertSwap(h2); err != ErrSwapHeaderMismatch {
		t.Fatalf("expected ErrSwapHeaderMismatch, got %v", err)
	}
}

func TestAllSwapsEnumeration(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.InsertSwap(SwapHeader{SwapID: id}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	all, err := s.AllSwaps()
	if err != nil {
		t.Fatalf("AllSwaps: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 swaps, got %d", len(all))
	}
}

type testEvent struct {
	TxHash string `json:"tx_hash"`
}

func TestSaveEventMonotoneAndCAS(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertSwap(SwapHeader{SwapID: "swap-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	v, err := s.SwapVersion("swap-1")
	if err != nil {
		t.Fatalf("SwapVersion: %v", err)
	}

	newV, err := s.SaveEvent("swap-1", "alpha_fund", testEvent{TxHash: "tx1"}, v)
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if newV != v+1 {
		t.Fatalf("expected version %d, got %d", v+1, newV)
	}

	// Re-saving the same slot is rejected (monotone log).
	if _, err := s.SaveEvent("swap-1", "alpha_fund", testEvent{TxHash: "tx1-dup"}, newV); err != ErrEventAlreadySet {
		t.Fatalf("expected ErrEventAlreadySet, got %v", err)
	}

	// Stale expectedVersion is rejected (CAS mismatch).
	if _, err := s.SaveEvent("swap-1", "beta_deploy", testEvent{TxHash: "tx2"}, v); err != ErrStoreCorrupt {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}

	var loaded testEvent
	found, err := s.LoadEvent("swap-1", "alpha_fund", &loaded)
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if !found || loaded.TxHash != "tx1" {
		t.Fatalf("expected to load tx1, got found=%v event=%+v", found, loaded)
	}
}

func TestRemoveSwapClearsEvents(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertSwap(SwapHeader{SwapID: "swap-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SaveEvent("swap-1", "alpha_fund", testEvent{TxHash: "tx1"}, 1); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := s.RemoveSwap("swap-1"); err != nil {
		t.Fatalf("RemoveSwap: %v", err)
	}

	all, err := s.AllSwaps()
	if err != nil {
		t.Fatalf("AllSwaps: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no swaps after removal, got %d", len(all))
	}

	var loaded testEvent
	found, err := s.LoadEvent("swap-1", "alpha_fund", &loaded)
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if found {
		t.Fatal("expected no event after swap removal")
	}
}

func TestActivePeerLifecycle(t *testing.T) {
	s := newTestStore(t)
	active, err := s.IsActivePeer("peer-1")
	if err != nil {
		t.Fatalf("IsActivePeer: %v", err)
	}
	if active {
		t.Fatal("expected peer-1 to not be active yet")
	}

	if err := s.InsertActivePeer("peer-1"); err != nil {
		t.Fatalf("InsertActivePeer: %v", err)
	}
	active, err = s.IsActivePeer("peer-1")
	if err != nil || !active {
		t.Fatalf("expected peer-1 to be active, got active=%v err=%v", active, err)
	}

	if err := s.RemoveActivePeer("peer-1"); err != nil {
		t.Fatalf("RemoveActivePeer: %v", err)
	}
	active, err = s.IsActivePeer("peer-1")
	if err != nil || active {
		t.Fatalf("expected peer-1 to no longer be active, got active=%v err=%v", active, err)
	}
}
