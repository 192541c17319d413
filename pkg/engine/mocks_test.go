package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// mockStore is an in-memory ConfigurationStore recording every mutation.
type mockStore struct {
	mu       sync.Mutex
	entries  map[string]*mockEntry
	log      []string
	failPIDs map[string]bool
	panicPID string
	nextID   int

	// gate, when set, blocks every Lookup and List until closed
	gate chan struct{}

	// concurrency tracking
	inFlight    int
	maxInFlight int
}

func newMockStore() *mockStore {
	return &mockStore{
		entries:  make(map[string]*mockEntry),
		failPIDs: make(map[string]bool),
	}
}

func (s *mockStore) enter() {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
}

func (s *mockStore) leave() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *mockStore) Lookup(ctx context.Context, identity Identity) (Entry, error) {
	s.enter()
	defer s.leave()

	if identity.IsFactory() {
		return findFactoryEntry(ctx, s, identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if identity.PID == s.panicPID {
		panic("lookup exploded")
	}
	if s.failPIDs[identity.PID] {
		return nil, fmt.Errorf("lookup of %s failed", identity.PID)
	}
	if e, ok := s.entries[identity.PID]; ok {
		return e, nil
	}
	return nil, nil
}

func (s *mockStore) Create(ctx context.Context, identity Identity) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := identity
	if identity.IsFactory() {
		s.nextID++
		id.PID = fmt.Sprintf("%s.%d", identity.FactoryPID, s.nextID)
	}
	e := &mockEntry{store: s, id: id}
	s.entries[id.PID] = e
	s.log = append(s.log, "create:"+id.Key())
	return e, nil
}

func (s *mockStore) List(ctx context.Context) ([]Entry, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pids := make([]string, 0, len(s.entries))
	for pid := range s.entries {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	out := make([]Entry, 0, len(pids))
	for _, pid := range pids {
		out = append(out, s.entries[pid])
	}
	return out, nil
}

func (s *mockStore) get(pid string) (Dictionary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pid]
	if !ok {
		return nil, false
	}
	return e.props.Clone(), true
}

func (s *mockStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *mockStore) getLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.log...)
}

type mockEntry struct {
	store *mockStore
	id    Identity
	props Dictionary
}

func (e *mockEntry) Identity() Identity { return e.id }

func (e *mockEntry) Properties() Dictionary {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.props.Clone()
}

func (e *mockEntry) Update(ctx context.Context, properties Dictionary) error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.props = properties.Clone()
	e.store.log = append(e.store.log, "update:"+e.id.Key())
	return nil
}

func (e *mockEntry) Delete(ctx context.Context) error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	delete(e.store.entries, e.id.PID)
	e.store.log = append(e.store.log, "delete:"+e.id.Key())
	return nil
}

// mockSource returns scripted scan results, repeating the last one.
type mockSource struct {
	mu      sync.Mutex
	name    string
	results [][]SnapshotEntity
	errs    []error
	panics  []bool
	calls   int
}

func (s *mockSource) Name() string { return s.name }

func (s *mockSource) Scan(ctx context.Context) ([]SnapshotEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++

	if i < len(s.panics) && s.panics[i] {
		panic("source exploded")
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if len(s.results) == 0 {
		return nil, nil
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *mockSource) scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingListener collects every change set it receives.
type recordingListener struct {
	mu      sync.Mutex
	changes []ChangeSet
	notify  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notify: make(chan struct{}, 100)}
}

func (l *recordingListener) OnChange(changes ChangeSet) {
	l.mu.Lock()
	l.changes = append(l.changes, changes)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func (l *recordingListener) all() []ChangeSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChangeSet{}, l.changes...)
}

func entity(pid, signature string, props Dictionary) SnapshotEntity {
	return SnapshotEntity{
		Identity:   NewPIDIdentity(pid, ""),
		Signature:  signature,
		Properties: props,
	}
}

// dictionaryAdapter passes dictionaries through.
func dictionaryAdapter() Adapter {
	return NewAdapter("dictionary", ObjectOfType[Dictionary](), func(obj interface{}) (interface{}, error) {
		return obj.(Dictionary).Clone(), nil
	})
}

// mapAdapter converts plain maps.
func mapAdapter() Adapter {
	return NewAdapter("map", ObjectOfType[map[string]interface{}](), func(obj interface{}) (interface{}, error) {
		return Dictionary(obj.(map[string]interface{})).Clone(), nil
	})
}

// funcCommand is a Command backed by a function.
type funcCommand struct {
	id Identity
	fn func(ctx context.Context, store ConfigurationStore) error
}

func (c *funcCommand) Target() Identity       { return c.id }
func (c *funcCommand) Properties() Dictionary { return Dictionary{} }
func (c *funcCommand) Apply(ctx context.Context, store ConfigurationStore) error {
	return c.fn(ctx, store)
}
