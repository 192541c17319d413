package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/confman/pkg/telemetry"
)

type denyAdmission struct {
	mu     sync.Mutex
	denied []string
}

func (a *denyAdmission) Admit(ctx context.Context, target ConfigurationTarget) error {
	if target.Properties["secret"] == nil {
		return nil
	}
	a.mu.Lock()
	a.denied = append(a.denied, target.Identity.Key())
	a.mu.Unlock()
	return NewPermanentError("secrets are not allowed", nil).WithCode(ErrCodePolicyDenied)
}

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *mockStore) {
	t.Helper()
	store := newMockStore()
	queue := NewCommandQueue(QueueOptions{})
	queue.SetStore(store)

	m, err := NewManager(NewAdapterChain(dictionaryAdapter(), mapAdapter()), queue, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, store
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(nil, NewCommandQueue(QueueOptions{}), ManagerOptions{}); err == nil {
		t.Error("expected error for nil chain")
	}
	if _, err := NewManager(NewAdapterChain(), nil, ManagerOptions{}); err == nil {
		t.Error("expected error for nil queue")
	}
}

// Update returns before the store reflects it; the store catches up once the worker drains.
func TestManager_EventualConsistency(t *testing.T) {
	m, store := newTestManager(t, ManagerOptions{})
	store.gate = make(chan struct{})

	obj := map[string]interface{}{"port": 8080}
	if err := m.Update(context.Background(), "x.pid", "", obj, Dictionary{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, ok := store.get("x.pid"); ok {
		t.Fatal("store reflected the update before the worker applied it")
	}

	close(store.gate)
	waitQueue(t, m.Queue())

	got, ok := store.get("x.pid")
	if !ok {
		t.Fatal("x.pid not in store after drain")
	}
	want := Dictionary{"port": 8080, ServicePIDKey: "x.pid"}
	if !got.Equal(want) {
		t.Errorf("store x.pid = %v, want %v", got, want)
	}
}

func TestManager_FactoryUpdateAndDelete(t *testing.T) {
	m, store := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	if err := m.UpdateFactory(ctx, "svc.factory", "inst-1", "", Dictionary{"v": 1}, nil); err != nil {
		t.Fatalf("UpdateFactory() error = %v", err)
	}
	if err := m.UpdateFactory(ctx, "svc.factory", "inst-1", "", Dictionary{"v": 2}, nil); err != nil {
		t.Fatalf("UpdateFactory() error = %v", err)
	}
	waitQueue(t, m.Queue())

	props, ok := store.get("svc.factory.1")
	if !ok {
		t.Fatal("factory entry missing")
	}
	if props["v"] != 2 || props[FactoryPIDKey] != "svc.factory" || props[FactoryInstanceKey] != "inst-1" {
		t.Errorf("factory properties = %v", props)
	}

	if err := m.DeleteFactory(ctx, "svc.factory", "inst-1"); err != nil {
		t.Fatalf("DeleteFactory() error = %v", err)
	}
	waitQueue(t, m.Queue())
	if store.size() != 0 {
		t.Errorf("store has %d entries after delete, want 0", store.size())
	}
}

func TestManager_ArgumentValidation(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty pid", func() error { return m.Update(ctx, "", "", Dictionary{}, nil) }},
		{"empty delete pid", func() error { return m.Delete(ctx, "") }},
		{"empty instance", func() error { return m.UpdateFactory(ctx, "f", "", "", Dictionary{}, nil) }},
		{"separator in instance", func() error { return m.DeleteFactory(ctx, "f", "a~b") }},
		{"non printable pid", func() error { return m.Update(ctx, "bad\npid", "", Dictionary{}, nil) }},
		{"separator in pid", func() error { return m.Update(ctx, "org.example.pool~main", "", Dictionary{}, nil) }},
		{"separator in delete pid", func() error { return m.Delete(ctx, "org.example.pool~main") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if ErrorCode(err) != ErrCodeValidation {
				t.Errorf("code = %s, want %s", ErrorCode(err), ErrCodeValidation)
			}
		})
	}

	if m.Queue().Pending() != 0 {
		t.Error("invalid calls must not enqueue")
	}
}

func TestManager_UnadaptableUpdateIsDropped(t *testing.T) {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})
	var dropped []string
	events.Subscribe(func(e telemetry.Event) { dropped = append(dropped, e.PID) },
		telemetry.FilterByType(telemetry.EventTypeUpdateDropped))

	m, store := newTestManager(t, ManagerOptions{Events: events})

	// No adapter handles an int, but the call itself succeeds
	if err := m.Update(context.Background(), "x.pid", "", 42, nil); err != nil {
		t.Fatalf("Update() error = %v, want nil", err)
	}
	waitQueue(t, m.Queue())

	if store.size() != 0 {
		t.Error("unadaptable update reached the store")
	}
	if len(dropped) != 1 || dropped[0] != "x.pid" {
		t.Errorf("dropped events = %v, want [x.pid]", dropped)
	}
}

func TestManager_AdmissionDenial(t *testing.T) {
	admission := &denyAdmission{}
	m, store := newTestManager(t, ManagerOptions{Admission: admission})
	ctx := context.Background()

	_ = m.Update(ctx, "ok", "", Dictionary{"a": 1}, nil)
	_ = m.Update(ctx, "leaky", "", Dictionary{"secret": "hunter2"}, nil)
	waitQueue(t, m.Queue())

	if _, ok := store.get("ok"); !ok {
		t.Error("admitted update missing")
	}
	if _, ok := store.get("leaky"); ok {
		t.Error("denied update reached the store")
	}
	if len(admission.denied) != 1 || admission.denied[0] != "leaky" {
		t.Errorf("denied = %v", admission.denied)
	}
}

func TestManager_MetadataNotMutated(t *testing.T) {
	m, store := newTestManager(t, ManagerOptions{})
	metadata := Dictionary{SourceKey: "etc"}

	_ = m.UpdateFactory(context.Background(), "f", "i", "", Dictionary{}, metadata)
	waitQueue(t, m.Queue())

	if len(metadata) != 1 {
		t.Errorf("caller metadata mutated: %v", metadata)
	}
	props, _ := store.get("f.1")
	if props[SourceKey] != "etc" {
		t.Errorf("info metadata not merged: %v", props)
	}
}

func TestManager_AdapterOutputCannotOverrideIdentity(t *testing.T) {
	m, store := newTestManager(t, ManagerOptions{})

	_ = m.Update(context.Background(), "real.pid", "", Dictionary{ServicePIDKey: "forged"}, nil)
	waitQueue(t, m.Queue())

	props, _ := store.get("real.pid")
	if props[ServicePIDKey] != "real.pid" {
		t.Errorf("service.pid = %v, want real.pid", props[ServicePIDKey])
	}
}

func TestManager_DeleteWithoutStoreStaysQueued(t *testing.T) {
	queue := NewCommandQueue(QueueOptions{})
	m, err := NewManager(NewAdapterChain(dictionaryAdapter()), queue, ManagerOptions{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := queue.Wait(ctx); !errors.Is(err, NewTransientError("", nil).WithCode(ErrCodeStoreUnavailable)) {
		t.Errorf("Wait() error = %v, want STORE_UNAVAILABLE", err)
	}
}
