package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/confman/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != memoryPath {
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Lookup implements engine.ConfigurationStore.
func (s *SQLiteStore) Lookup(ctx context.Context, identity engine.Identity) (engine.Entry, error) {
	query := `
		SELECT pid, factory_pid, factory_instance, location, properties, version, created_at, updated_at
		FROM configurations
		WHERE pid = ?
	`
	args := []interface{}{identity.PID}
	if identity.IsFactory() {
		query = `
			SELECT pid, factory_pid, factory_instance, location, properties, version, created_at, updated_at
			FROM configurations
			WHERE factory_pid = ? AND factory_instance = ?
		`
		args = []interface{}{identity.FactoryPID, identity.FactoryInstance}
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration %s: %w", identity, err)
	}

	return &sqliteEntry{store: s, record: rec, persisted: true}, nil
}

// Create implements engine.ConfigurationStore. The row is written on the
// first Update, so an entry that is never updated leaves no trace.
func (s *SQLiteStore) Create(ctx context.Context, identity engine.Identity) (engine.Entry, error) {
	rec := &Record{PID: identity.PID, Location: identity.Location}
	if identity.IsFactory() {
		rec.PID = factoryInstancePID(identity.FactoryPID)
		rec.FactoryPID = stringPtr(identity.FactoryPID)
		rec.FactoryInstance = stringPtr(identity.FactoryInstance)
	}
	if rec.PID == "" {
		return nil, engine.NewValidationError("pid is required")
	}
	return &sqliteEntry{store: s, record: rec}, nil
}

// List implements engine.ConfigurationStore.
func (s *SQLiteStore) List(ctx context.Context) ([]engine.Entry, error) {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]engine.Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, &sqliteEntry{store: s, record: rec, persisted: true})
	}
	return entries, nil
}

// ListRecords returns every stored configuration ordered by pid.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT pid, factory_pid, factory_instance, location, properties, version, created_at, updated_at
		FROM configurations
		ORDER BY pid ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configurations: %w", err)
	}

	return records, nil
}

// ListAuditEntries lists audit entries, newest first, optionally for one pid
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, pid *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, pid, factory_pid, factory_instance, version, details, timestamp
		FROM audit
		WHERE (? IS NULL OR pid = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, pid, pid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.PID,
			&entry.FactoryPID,
			&entry.FactoryInstance,
			&entry.Version,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back when it fails.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, rec *Record, properties engine.Dictionary) (*Record, error) {
	data, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	now := time.Now().UTC()

	var saved *Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM configurations WHERE pid = ?`, rec.PID).Scan(&version)
		action := AuditActionUpdated
		if errors.Is(err, sql.ErrNoRows) {
			action = AuditActionCreated
		} else if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}

		query := `
			INSERT INTO configurations (
				pid, factory_pid, factory_instance, location, properties, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(pid) DO UPDATE SET
				location = excluded.location,
				properties = excluded.properties,
				version = configurations.version + 1,
				updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, query,
			rec.PID,
			rec.FactoryPID,
			rec.FactoryInstance,
			rec.Location,
			string(data),
			now,
			now,
		); err != nil {
			return fmt.Errorf("failed to upsert configuration: %w", err)
		}

		saved, err = scanRecord(tx.QueryRowContext(ctx, `
			SELECT pid, factory_pid, factory_instance, location, properties, version, created_at, updated_at
			FROM configurations
			WHERE pid = ?
		`, rec.PID))
		if err != nil {
			return fmt.Errorf("failed to reload configuration: %w", err)
		}

		details := string(data)
		return appendAudit(ctx, tx, action, saved, &details, now)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *SQLiteStore) delete(ctx context.Context, rec *Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM configurations WHERE pid = ?`, rec.PID)
		if err != nil {
			return fmt.Errorf("failed to delete configuration: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}

		return appendAudit(ctx, tx, AuditActionDeleted, rec, nil, time.Now().UTC())
	})
}

func appendAudit(ctx context.Context, tx *sql.Tx, action AuditAction, rec *Record, details *string, at time.Time) error {
	query := `
		INSERT INTO audit (action, pid, factory_pid, factory_instance, version, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		action,
		rec.PID,
		rec.FactoryPID,
		rec.FactoryInstance,
		rec.Version,
		details,
		at,
	); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var properties string
	err := row.Scan(
		&rec.PID,
		&rec.FactoryPID,
		&rec.FactoryInstance,
		&rec.Location,
		&properties,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(properties), &rec.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode properties of %s: %w", rec.PID, err)
	}
	return rec, nil
}

// sqliteEntry is a handle on one row of the configurations table.
type sqliteEntry struct {
	store *SQLiteStore

	mu        sync.Mutex
	record    *Record
	persisted bool
}

func (e *sqliteEntry) Identity() engine.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Identity()
}

func (e *sqliteEntry) Properties() engine.Dictionary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.persisted {
		return nil
	}
	return e.record.Properties.Clone()
}

func (e *sqliteEntry) Update(ctx context.Context, properties engine.Dictionary) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	saved, err := e.store.upsert(ctx, e.record, properties)
	if err != nil {
		return err
	}
	e.record = saved
	e.persisted = true
	return nil
}

func (e *sqliteEntry) Delete(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.delete(ctx, e.record); err != nil {
		return err
	}
	e.persisted = false
	return nil
}
