package engine

import (
	"context"
	"testing"
	"time"
)

// A scanner feeding a dispatcher keeps the store in line with the source.
func TestDispatcher_EndToEnd(t *testing.T) {
	factory := SnapshotEntity{
		Identity:   NewFactoryIdentity("org.example.pool", "db", ""),
		Signature:  "1",
		Properties: Dictionary{"size": 4},
		Metadata:   Dictionary{SourceKey: "test"},
	}
	src := &mockSource{
		name: "test",
		results: [][]SnapshotEntity{
			{entity("org.example.http", "1", Dictionary{"port": 80}), factory},
			{entity("org.example.http", "2", Dictionary{"port": 8080}), factory},
			{},
		},
	}

	m, store := newTestManager(t, ManagerOptions{})
	s, err := NewScanner(src, time.Hour, ScannerOptions{})
	if err != nil {
		t.Fatalf("NewScanner() error = %v", err)
	}
	s.AddListener(NewDispatcher(m, nil))
	ctx := context.Background()

	// Tick 1: both added
	if _, err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("tick 1 error = %v", err)
	}
	waitQueue(t, m.Queue())

	http, ok := store.get("org.example.http")
	if !ok || http["port"] != 80 {
		t.Fatalf("http after tick 1 = %v, %v", http, ok)
	}
	pool, ok := store.get("org.example.pool.1")
	if !ok || pool["size"] != 4 || pool[SourceKey] != "test" {
		t.Fatalf("pool after tick 1 = %v, %v", pool, ok)
	}

	// Tick 2: http updated, pool untouched
	before := len(store.getLog())
	_, _ = s.ScanOnce(ctx)
	waitQueue(t, m.Queue())

	http, _ = store.get("org.example.http")
	if http["port"] != 8080 {
		t.Errorf("http after tick 2 = %v", http)
	}
	if applied := len(store.getLog()) - before; applied != 1 {
		t.Errorf("tick 2 applied %d mutations, want 1", applied)
	}

	// Tick 3: everything deleted
	_, _ = s.ScanOnce(ctx)
	waitQueue(t, m.Queue())
	if store.size() != 0 {
		t.Errorf("store has %d entries after tick 3, want 0", store.size())
	}
}

func TestDispatcher_EmptyChangeSet(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{})
	NewDispatcher(m, nil).OnChange(ChangeSet{})

	if m.Queue().Pending() != 0 {
		t.Error("empty change set enqueued commands")
	}
}
