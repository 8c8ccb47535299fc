// Package store implements typed, transactional persistence for mnemo over
// SQLite. It owns the only direct access to the database; every other
// component goes through a TenantStore handle that is pre-bound to the
// caller's tenant so no query path can forget the tenant filter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. Writers take one transaction per top-level
// operation; readers rely on WAL snapshots and take no explicit locks.
type Store struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// Open initializes the SQLite database at the given path. ":memory:" is
// supported for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers; WAL keeps readers off the writer's lock for file databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ForTenant returns a handle with every operation scoped to tenantID.
func (s *Store) ForTenant(tenantID string) *TenantStore {
	return &TenantStore{s: s, tenant: tenantID}
}

// TenantStore is a tenant-pre-bound view of the store. All row operations
// live here; the tenant filter is structural, not a parameter callers can
// omit.
type TenantStore struct {
	s      *Store
	tenant string
}

// Tenant returns the bound tenant id.
func (t *TenantStore) Tenant() string { return t.tenant }

func (t *TenantStore) db() *sql.DB         { return t.s.db }
func (t *TenantStore) logger() *zap.Logger { return t.s.logger }

// withTx runs fn inside a transaction, committing on success. Transient
// lock contention ("database is locked" / SQLITE_BUSY) is retried exactly
// once with jitter; all other errors roll back and propagate.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := s.runTx(ctx, fn)
	if err != nil && isBusy(err) {
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
		err = s.runTx(ctx, fn)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)")
}

// ListTenants returns every tenant id that owns any persisted row. Used by
// the consolidation scheduler to fan out per-tenant jobs.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM events
		UNION SELECT DISTINCT tenant_id FROM handoffs
		UNION SELECT DISTINCT tenant_id FROM decisions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Stats returns per-table row counts for the bound tenant.
func (t *TenantStore) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{
		"events", "chunks", "artifacts", "decisions", "handoffs",
		"knowledge_notes", "memory_edits", "capsules", "audit_events",
	}
	for _, table := range tables {
		var count int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = ?", table)
		if err := t.db().QueryRowContext(ctx, q, t.tenant).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

// PurgeTenant physically deletes every row belonging to the bound tenant.
// This is the only hard-delete path in the system.
func (t *TenantStore) PurgeTenant(ctx context.Context) error {
	return t.s.withTx(ctx, func(tx *sql.Tx) error {
		tables := []string{
			"chunks", "events", "artifacts", "decisions", "handoffs",
			"knowledge_notes", "memory_edits", "capsules", "reflections",
			"consolidation_jobs", "audit_events",
		}
		for _, table := range tables {
			q := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ?", table)
			if _, err := tx.ExecContext(ctx, q, t.tenant); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}
