package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diagnostics.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestRecordAndQueryCommandHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordCommandEvent(ctx, "cmd-1", "base.reboot", "pending", ""); err != nil {
		t.Fatalf("RecordCommandEvent: %v", err)
	}
	if err := s.RecordCommandEvent(ctx, "cmd-1", "base.reboot", "done", ""); err != nil {
		t.Fatalf("RecordCommandEvent: %v", err)
	}
	if err := s.RecordCommandEvent(ctx, "cmd-2", "base.identify", "done", ""); err != nil {
		t.Fatalf("RecordCommandEvent: %v", err)
	}

	history, err := s.CommandHistory(ctx, "cmd-1", 10)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	for _, e := range history {
		if e.CommandID != "cmd-1" {
			t.Errorf("event.CommandID = %q, want %q", e.CommandID, "cmd-1")
		}
	}
}

func TestCommandHistoryRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.RecordCommandEvent(ctx, "cmd-1", "base.reboot", "pending", ""); err != nil {
			t.Fatalf("RecordCommandEvent: %v", err)
		}
	}

	history, err := s.CommandHistory(ctx, "cmd-1", 3)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
}

func TestRecordSyncEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordSyncEvent(ctx, "gcd_state", "connected", ""); err != nil {
		t.Fatalf("RecordSyncEvent: %v", err)
	}
}

func TestPruneOlderThanRemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordCommandEvent(ctx, "cmd-1", "base.reboot", "done", ""); err != nil {
		t.Fatalf("RecordCommandEvent: %v", err)
	}
	if err := s.RecordSyncEvent(ctx, "gcd_state", "connected", ""); err != nil {
		t.Fatalf("RecordSyncEvent: %v", err)
	}

	n, err := s.PruneOlderThan(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("PruneOlderThan removed %d rows, want 2", n)
	}

	history, err := s.CommandHistory(ctx, "cmd-1", 10)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0 after pruning", len(history))
	}
}

func TestPruneOlderThanKeepsRecentRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordCommandEvent(ctx, "cmd-1", "base.reboot", "done", ""); err != nil {
		t.Fatalf("RecordCommandEvent: %v", err)
	}

	n, err := s.PruneOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 0 {
		t.Fatalf("PruneOlderThan removed %d rows, want 0", n)
	}
}
