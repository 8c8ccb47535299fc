package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mnemo/internal/types"
)

const handoffColumns = `handoff_id, tenant_id, session_id, experienced, noticed,
	learned, remember, story, becoming, significance, tags,
	compression_level, with_whom, integrated_into, created_at`

func scanHandoff(row interface{ Scan(...any) error }) (*types.Handoff, error) {
	var (
		h      types.Handoff
		tags   string
		level  string
		crNano int64
	)
	err := row.Scan(
		&h.ID, &h.TenantID, &h.SessionID, &h.Experienced, &h.Noticed,
		&h.Learned, &h.Remember, &h.Story, &h.Becoming, &h.Significance, &tags,
		&level, &h.WithWhom, &h.IntegratedInto, &crNano)
	if err != nil {
		return nil, err
	}
	h.Tags = decodeStrings(tags)
	h.CompressionLevel = types.CompressionLevel(level)
	h.CreatedAt = fromNano(crNano)
	return &h, nil
}

// InsertHandoff persists a new handoff at compression level full.
func (t *TenantStore) InsertHandoff(ctx context.Context, h *types.Handoff) error {
	const op = "store.InsertHandoff"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO handoffs (
				handoff_id, tenant_id, session_id, experienced, noticed,
				learned, remember, story, becoming, significance, tags,
				compression_level, with_whom, integrated_into, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, t.tenant, h.SessionID, h.Experienced, h.Noticed,
			h.Learned, h.Remember, h.Story, h.Becoming, h.Significance, encodeStrings(h.Tags),
			string(h.CompressionLevel), h.WithWhom, h.IntegratedInto, h.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// GetHandoff returns one handoff by id.
func (t *TenantStore) GetHandoff(ctx context.Context, handoffID string) (*types.Handoff, error) {
	const op = "store.GetHandoff"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs WHERE tenant_id = ? AND handoff_id = ?`,
		t.tenant, handoffID)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "handoff %s not found", handoffID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return h, nil
}

// GetLastHandoff returns the most recent handoff, optionally restricted to a
// collaborator, or a not-found error when the tenant has none yet.
func (t *TenantStore) GetLastHandoff(ctx context.Context, withWhom string) (*types.Handoff, error) {
	const op = "store.GetLastHandoff"
	where := "tenant_id = ?"
	args := []any{t.tenant}
	if withWhom != "" {
		where += " AND with_whom = ?"
		args = append(args, withWhom)
	}
	row := t.db().QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs
		 WHERE `+where+`
		 ORDER BY created_at DESC, handoff_id DESC LIMIT 1`,
		args...)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "no handoffs recorded")
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return h, nil
}

// HandoffFilter narrows ListHandoffs.
type HandoffFilter struct {
	Level        types.CompressionLevel
	OlderThan    time.Time
	Unintegrated bool
	Limit        int
}

// ListHandoffs returns handoffs matching the filter, oldest first so
// compression sweeps work through the backlog in order.
func (t *TenantStore) ListHandoffs(ctx context.Context, f HandoffFilter) ([]*types.Handoff, error) {
	const op = "store.ListHandoffs"
	if f.Limit <= 0 {
		f.Limit = 100
	}
	where := []string{"tenant_id = ?"}
	args := []any{t.tenant}
	if f.Level != "" {
		where = append(where, "compression_level = ?")
		args = append(args, string(f.Level))
	}
	if !f.OlderThan.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.OlderThan.UnixNano())
	}
	if f.Unintegrated {
		where = append(where, "integrated_into = ''")
	}
	args = append(args, f.Limit)

	rows, err := t.db().QueryContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at ASC, handoff_id ASC LIMIT ?`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var handoffs []*types.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}

// ListRecentHandoffs returns the newest handoffs first.
func (t *TenantStore) ListRecentHandoffs(ctx context.Context, limit int) ([]*types.Handoff, error) {
	const op = "store.ListRecentHandoffs"
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, handoff_id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var handoffs []*types.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}

// CompressHandoff rewrites the narrative fields at a tighter compression
// level. Meaning-bearing fields (learned, remember, becoming) survive every
// level; experienced and noticed give way to the compressed summary.
func (t *TenantStore) CompressHandoff(ctx context.Context, handoffID string, level types.CompressionLevel, experienced, noticed string) error {
	const op = "store.CompressHandoff"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE handoffs SET compression_level = ?, experienced = ?, noticed = ?
			WHERE tenant_id = ? AND handoff_id = ?`,
			string(level), experienced, noticed, t.tenant, handoffID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.Errorf(op, types.KindNotFound, "handoff %s not found", handoffID)
		}
		return nil
	})
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return te
		}
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// MarkIntegrated backlinks the given handoffs to the knowledge note that
// absorbed them and bumps their compression level to integrated.
func (t *TenantStore) MarkIntegrated(ctx context.Context, handoffIDs []string, noteID string) error {
	const op = "store.MarkIntegrated"
	if len(handoffIDs) == 0 {
		return nil
	}
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range handoffIDs {
			_, err := tx.ExecContext(ctx, `
				UPDATE handoffs SET integrated_into = ?, compression_level = ?
				WHERE tenant_id = ? AND handoff_id = ?`,
				noteID, string(types.CompressionIntegrated), t.tenant, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// IdentityEntry pairs a non-empty "becoming" statement with its handoff id,
// significance and time.
type IdentityEntry struct {
	HandoffID    string    `json:"handoff_id"`
	Becoming     string    `json:"becoming"`
	Significance float64   `json:"significance"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdentityThread lists the identity narrative, newest first.
func (t *TenantStore) IdentityThread(ctx context.Context, limit int) ([]IdentityEntry, error) {
	const op = "store.IdentityThread"
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.db().QueryContext(ctx, `
		SELECT handoff_id, becoming, significance, created_at FROM handoffs
		WHERE tenant_id = ? AND becoming != ''
		ORDER BY created_at DESC, handoff_id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var entries []IdentityEntry
	for rows.Next() {
		var (
			e      IdentityEntry
			crNano int64
		)
		if err := rows.Scan(&e.HandoffID, &e.Becoming, &e.Significance, &crNano); err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		e.CreatedAt = fromNano(crNano)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertKnowledgeNote persists a synthesized insight. Titles are unique per
// tenant; re-synthesis of the same theme is a conflict the caller resolves by
// skipping.
func (t *TenantStore) InsertKnowledgeNote(ctx context.Context, n *types.KnowledgeNote) error {
	const op = "store.InsertKnowledgeNote"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_notes (
				note_id, tenant_id, title, content, source_handoffs,
				confidence, tags, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, t.tenant, n.Title, n.Content, encodeStrings(n.SourceHandoffs),
			n.Confidence, encodeStrings(n.Tags), n.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return types.Errorf(op, types.KindConflict, "note titled %q already exists", n.Title)
		}
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// CountKnowledgeNotes returns the number of notes the tenant holds.
func (t *TenantStore) CountKnowledgeNotes(ctx context.Context) (int, error) {
	const op = "store.CountKnowledgeNotes"
	var n int
	err := t.db().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_notes WHERE tenant_id = ?`,
		t.tenant).Scan(&n)
	if err != nil {
		return 0, types.E(op, types.KindBackend, err)
	}
	return n, nil
}

// ListKnowledgeNotes returns the tenant's notes, newest first.
func (t *TenantStore) ListKnowledgeNotes(ctx context.Context, limit int) ([]*types.KnowledgeNote, error) {
	const op = "store.ListKnowledgeNotes"
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db().QueryContext(ctx, `
		SELECT note_id, tenant_id, title, content, source_handoffs, confidence, tags, created_at
		FROM knowledge_notes WHERE tenant_id = ?
		ORDER BY created_at DESC, note_id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var notes []*types.KnowledgeNote
	for rows.Next() {
		var (
			n             types.KnowledgeNote
			sources, tags string
			crNano        int64
		)
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Title, &n.Content, &sources, &n.Confidence, &tags, &crNano); err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		n.SourceHandoffs = decodeStrings(sources)
		n.Tags = decodeStrings(tags)
		n.CreatedAt = fromNano(crNano)
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}
