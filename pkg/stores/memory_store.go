package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/confman/pkg/engine"
)

// MemoryStore is a Store that keeps everything in process memory.
// Properties are stored as copies, so values keep their Go types.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	audit   []*AuditEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Init implements Store.
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Migrate implements Store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return ctx.Err() }

// Lookup implements engine.ConfigurationStore.
func (s *MemoryStore) Lookup(ctx context.Context, identity engine.Identity) (engine.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !identity.IsFactory() {
		rec, ok := s.records[identity.PID]
		if !ok {
			return nil, nil
		}
		return &memoryEntry{store: s, record: copyRecord(rec), persisted: true}, nil
	}

	for _, rec := range s.records {
		id := rec.Identity()
		if id.FactoryPID == identity.FactoryPID && id.FactoryInstance == identity.FactoryInstance {
			return &memoryEntry{store: s, record: copyRecord(rec), persisted: true}, nil
		}
	}
	return nil, nil
}

// Create implements engine.ConfigurationStore.
func (s *MemoryStore) Create(ctx context.Context, identity engine.Identity) (engine.Entry, error) {
	rec := &Record{PID: identity.PID, Location: identity.Location}
	if identity.IsFactory() {
		rec.PID = factoryInstancePID(identity.FactoryPID)
		rec.FactoryPID = stringPtr(identity.FactoryPID)
		rec.FactoryInstance = stringPtr(identity.FactoryInstance)
	}
	if rec.PID == "" {
		return nil, engine.NewValidationError("pid is required")
	}
	return &memoryEntry{store: s, record: rec}, nil
}

// List implements engine.ConfigurationStore.
func (s *MemoryStore) List(ctx context.Context) ([]engine.Entry, error) {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]engine.Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, &memoryEntry{store: s, record: rec, persisted: true})
	}
	return entries, nil
}

// ListRecords returns a copy of every configuration ordered by pid.
func (s *MemoryStore) ListRecords(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	return records, nil
}

// ListAuditEntries implements Store.
func (s *MemoryStore) ListAuditEntries(ctx context.Context, pid *string, limit, offset int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []*AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if pid != nil && e.PID != *pid {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if limit >= 0 && len(entries) == limit {
			break
		}
		copied := *e
		entries = append(entries, &copied)
	}
	return entries, nil
}

func (s *MemoryStore) upsert(rec *Record, properties engine.Dictionary) (*Record, error) {
	details, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.FactoryPID != nil {
		for pid, other := range s.records {
			if pid != rec.PID && other.FactoryPID != nil && *other.FactoryPID == *rec.FactoryPID &&
				*other.FactoryInstance == *rec.FactoryInstance {
				return nil, engine.NewConflictError(fmt.Sprintf("factory instance %s already stored as %s", *rec.FactoryInstance, pid), nil)
			}
		}
	}

	action := AuditActionUpdated
	stored, ok := s.records[rec.PID]
	if !ok {
		action = AuditActionCreated
		stored = &Record{
			PID:             rec.PID,
			FactoryPID:      rec.FactoryPID,
			FactoryInstance: rec.FactoryInstance,
			CreatedAt:       now,
		}
		s.records[rec.PID] = stored
	}
	stored.Location = rec.Location
	stored.Properties = properties.Clone()
	stored.Version++
	stored.UpdatedAt = now

	s.appendAudit(action, stored, string(details), now)
	return copyRecord(stored), nil
}

func (s *MemoryStore) delete(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.PID]
	if !ok {
		return
	}
	delete(s.records, rec.PID)
	s.appendAudit(AuditActionDeleted, stored, "", time.Now().UTC())
}

func (s *MemoryStore) appendAudit(action AuditAction, rec *Record, details string, at time.Time) {
	s.audit = append(s.audit, &AuditEntry{
		ID:              int64(len(s.audit) + 1),
		Action:          action,
		PID:             rec.PID,
		FactoryPID:      rec.FactoryPID,
		FactoryInstance: rec.FactoryInstance,
		Version:         rec.Version,
		Details:         stringPtr(details),
		Timestamp:       at,
	})
}

func copyRecord(rec *Record) *Record {
	copied := *rec
	copied.Properties = rec.Properties.Clone()
	return &copied
}

type memoryEntry struct {
	store *MemoryStore

	mu        sync.Mutex
	record    *Record
	persisted bool
}

func (e *memoryEntry) Identity() engine.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Identity()
}

func (e *memoryEntry) Properties() engine.Dictionary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.persisted {
		return nil
	}
	return e.record.Properties.Clone()
}

func (e *memoryEntry) Update(ctx context.Context, properties engine.Dictionary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	saved, err := e.store.upsert(e.record, properties)
	if err != nil {
		return err
	}
	e.record = saved
	e.persisted = true
	return nil
}

func (e *memoryEntry) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.delete(e.record)
	e.persisted = false
	return nil
}
