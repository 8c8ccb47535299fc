package store

import (
	"fmt"
)

// Schema versions:
// v1: initial layout (events, chunks + FTS5, artifacts, decisions, handoffs,
//
//	knowledge_notes, memory_edits, capsules, consolidation_jobs,
//	reflections, audit_events)
//
// v2: decisions.superseded_by, handoffs.integrated_into
const CurrentSchemaVersion = 2

// columnMigration adds a column to an existing table when upgrading an old
// database. ALTER TABLE ADD COLUMN is idempotent-safe here because we gate
// on the recorded schema version.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var pendingColumnMigrations = []columnMigration{
	{"decisions", "superseded_by", "TEXT DEFAULT ''"},
	{"handoffs", "integrated_into", "TEXT DEFAULT ''"},
}

// initialize creates the required tables, indexes, FTS shadow table and
// triggers, then runs column migrations.
func (s *Store) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		event_id     TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		project_id   TEXT DEFAULT '',
		subject_type TEXT DEFAULT '',
		subject_id   TEXT DEFAULT '',
		channel      TEXT NOT NULL,
		sensitivity  TEXT NOT NULL,
		tags         TEXT DEFAULT '[]',
		actor_type   TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		kind         TEXT NOT NULL,
		ts           INTEGER NOT NULL,
		seq          INTEGER NOT NULL,
		content      TEXT NOT NULL,
		refs         TEXT DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(tenant_id, session_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(tenant_id, kind, ts DESC);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id     TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
		tenant_id    TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		project_id   TEXT DEFAULT '',
		subject_type TEXT DEFAULT '',
		subject_id   TEXT DEFAULT '',
		kind         TEXT NOT NULL,
		text         TEXT NOT NULL,
		token_est    INTEGER NOT NULL,
		importance   REAL NOT NULL DEFAULT 0,
		channel      TEXT NOT NULL,
		sensitivity  TEXT NOT NULL,
		tags         TEXT DEFAULT '[]',
		ts           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant_ts ON chunks(tenant_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(tenant_id, session_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_chunks_event ON chunks(event_id);
	`

	chunksFTS := `
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		content='chunks',
		content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS chunks_fts_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_fts_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	END;
	`

	artifactsTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		tool        TEXT DEFAULT '',
		media_type  TEXT DEFAULT '',
		size_bytes  INTEGER NOT NULL,
		data        BLOB NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_event ON artifacts(tenant_id, event_id);
	`

	decisionsTable := `
	CREATE TABLE IF NOT EXISTS decisions (
		decision_id   TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		project_id    TEXT DEFAULT '',
		status        TEXT NOT NULL,
		scope         TEXT NOT NULL,
		decision      TEXT NOT NULL,
		rationale     TEXT DEFAULT '[]',
		constraints   TEXT DEFAULT '[]',
		alternatives  TEXT DEFAULT '[]',
		consequences  TEXT DEFAULT '[]',
		tags          TEXT DEFAULT '[]',
		refs          TEXT DEFAULT '[]',
		superseded_by TEXT DEFAULT '',
		ts            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(tenant_id, status, ts DESC);
	`

	handoffsTable := `
	CREATE TABLE IF NOT EXISTS handoffs (
		handoff_id        TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		session_id        TEXT DEFAULT '',
		experienced       TEXT NOT NULL,
		noticed           TEXT NOT NULL,
		learned           TEXT NOT NULL,
		remember          TEXT NOT NULL,
		story             TEXT DEFAULT '',
		becoming          TEXT DEFAULT '',
		significance      REAL NOT NULL DEFAULT 0,
		tags              TEXT DEFAULT '[]',
		compression_level TEXT NOT NULL,
		with_whom         TEXT DEFAULT '',
		integrated_into   TEXT DEFAULT '',
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_created ON handoffs(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_handoffs_level ON handoffs(tenant_id, compression_level, created_at);
	`

	notesTable := `
	CREATE TABLE IF NOT EXISTS knowledge_notes (
		note_id         TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		title           TEXT NOT NULL,
		content         TEXT NOT NULL,
		source_handoffs TEXT DEFAULT '[]',
		confidence      REAL NOT NULL DEFAULT 0,
		tags            TEXT DEFAULT '[]',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_tenant ON knowledge_notes(tenant_id, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_title ON knowledge_notes(tenant_id, title);
	`

	editsTable := `
	CREATE TABLE IF NOT EXISTS memory_edits (
		edit_id     TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		op          TEXT NOT NULL,
		reason      TEXT DEFAULT '',
		patch       TEXT DEFAULT '',
		status      TEXT NOT NULL,
		proposed_by TEXT DEFAULT '',
		approved_by TEXT DEFAULT '',
		created_at  INTEGER NOT NULL,
		applied_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_edits_target ON memory_edits(tenant_id, target_type, target_id, status);
	`

	capsulesTable := `
	CREATE TABLE IF NOT EXISTS capsules (
		capsule_id         TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		author_agent_id    TEXT NOT NULL,
		subject_type       TEXT DEFAULT '',
		subject_id         TEXT DEFAULT '',
		scope              TEXT DEFAULT '',
		audience_agent_ids TEXT DEFAULT '[]',
		items              TEXT NOT NULL,
		risks              TEXT DEFAULT '[]',
		ttl_days           INTEGER NOT NULL,
		status             TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		expires_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capsules_tenant ON capsules(tenant_id, status, expires_at);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS consolidation_jobs (
		job_id          TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		tenant_id       TEXT DEFAULT '',
		status          TEXT NOT NULL,
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_affected  INTEGER NOT NULL DEFAULT 0,
		started_at      INTEGER NOT NULL,
		completed_at    INTEGER,
		error           TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON consolidation_jobs(tenant_id, type, status);
	`

	reflectionsTable := `
	CREATE TABLE IF NOT EXISTS reflections (
		reflection_id      TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		period_start       INTEGER NOT NULL,
		period_end         INTEGER NOT NULL,
		session_count      INTEGER NOT NULL DEFAULT 0,
		summary            TEXT DEFAULT '',
		key_insights       TEXT DEFAULT '[]',
		themes             TEXT DEFAULT '[]',
		identity_evolution TEXT DEFAULT '',
		source_handoffs    TEXT DEFAULT '[]',
		created_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reflections_tenant ON reflections(tenant_id, created_at DESC);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ts            INTEGER NOT NULL,
		tenant_id     TEXT NOT NULL,
		user_id       TEXT DEFAULT '',
		event_type    TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT DEFAULT '',
		action        TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		details       TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id, ts DESC);
	`

	versionTable := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);
	`

	for _, table := range []string{
		eventsTable, chunksTable, chunksFTS, artifactsTable, decisionsTable,
		handoffsTable, notesTable, editsTable, capsulesTable, jobsTable,
		reflectionsTable, auditTable, versionTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s.migrate()
}

// migrate upgrades an existing database to CurrentSchemaVersion.
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		// Fresh database: stamp the current version.
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to stamp schema version: %w", err)
		}
		return nil
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	for _, m := range pendingColumnMigrations {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(q); err != nil {
			// Column may already exist on partially migrated databases.
			continue
		}
	}
	if _, err := s.db.Exec("UPDATE schema_version SET version = ?", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
