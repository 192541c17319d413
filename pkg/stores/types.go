package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/confman/pkg/engine"
)

// Driver names accepted by New.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// AuditAction is the kind of mutation recorded in the audit log
type AuditAction string

const (
	AuditActionCreated AuditAction = "created"
	AuditActionUpdated AuditAction = "updated"
	AuditActionDeleted AuditAction = "deleted"
)

// Record is one persisted configuration.
type Record struct {
	PID             string            `json:"pid"`
	FactoryPID      *string           `json:"factory_pid,omitempty"`
	FactoryInstance *string           `json:"factory_instance,omitempty"`
	Location        string            `json:"location"`
	Properties      engine.Dictionary `json:"properties"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Identity returns the engine identity of the record.
func (r *Record) Identity() engine.Identity {
	id := engine.Identity{PID: r.PID, Location: r.Location}
	if r.FactoryPID != nil {
		id.FactoryPID = *r.FactoryPID
	}
	if r.FactoryInstance != nil {
		id.FactoryInstance = *r.FactoryInstance
	}
	return id
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID              int64       `json:"id"`
	Action          AuditAction `json:"action"`
	PID             string      `json:"pid"`
	FactoryPID      *string     `json:"factory_pid,omitempty"`
	FactoryInstance *string     `json:"factory_instance,omitempty"`
	Version         int64       `json:"version"`
	Details         *string     `json:"details,omitempty"` // JSON properties after the mutation
	Timestamp       time.Time   `json:"timestamp"`
}

// Store is a persistent engine.ConfigurationStore with an audit trail.
type Store interface {
	engine.ConfigurationStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// ListRecords returns every stored configuration ordered by pid.
	ListRecords(ctx context.Context) ([]*Record, error)

	// Audit operations
	ListAuditEntries(ctx context.Context, pid *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Config holds store configuration
type Config struct {
	Driver          string        `yaml:"driver" json:"driver" validate:"omitempty,oneof=sqlite memory"`
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// New creates the store selected by cfg.Driver. SQLite is the default.
// The returned store still needs Init and Migrate.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Open creates, initializes and migrates the store selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	store, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// factoryInstancePID generates the concrete pid of a new factory instance.
func factoryInstancePID(factoryPID string) string {
	return factoryPID + "." + uuid.New().String()
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
