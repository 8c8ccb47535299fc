package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/types"
)

const decisionColumns = `decision_id, tenant_id, project_id, status, scope,
	decision, rationale, constraints, alternatives, consequences,
	tags, refs, superseded_by, ts`

func scanDecision(row interface{ Scan(...any) error }) (*types.Decision, error) {
	var (
		d                          types.Decision
		status, scope              string
		rationale, constraints     string
		alternatives, consequences string
		tags, refs                 string
		tsNano                     int64
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.ProjectID, &status, &scope,
		&d.Decision, &rationale, &constraints, &alternatives, &consequences,
		&tags, &refs, &d.SupersededBy, &tsNano)
	if err != nil {
		return nil, err
	}
	d.Status = types.DecisionStatus(status)
	d.Scope = types.DecisionScope(scope)
	d.Rationale = decodeStrings(rationale)
	d.Constraints = decodeStrings(constraints)
	d.Alternatives = decodeStrings(alternatives)
	d.Consequences = decodeStrings(consequences)
	d.Tags = decodeStrings(tags)
	d.Refs = decodeStrings(refs)
	d.TS = fromNano(tsNano)
	return &d, nil
}

// InsertDecision persists a new decision row.
func (t *TenantStore) InsertDecision(ctx context.Context, d *types.Decision) error {
	const op = "store.InsertDecision"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		return insertDecisionTx(ctx, tx, t.tenant, d)
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

func insertDecisionTx(ctx context.Context, tx *sql.Tx, tenant string, d *types.Decision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (
			decision_id, tenant_id, project_id, status, scope,
			decision, rationale, constraints, alternatives, consequences,
			tags, refs, superseded_by, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, tenant, d.ProjectID, string(d.Status), string(d.Scope),
		d.Decision, encodeStrings(d.Rationale), encodeStrings(d.Constraints),
		encodeStrings(d.Alternatives), encodeStrings(d.Consequences),
		encodeStrings(d.Tags), encodeStrings(d.Refs), d.SupersededBy, d.TS.UnixNano())
	return err
}

// GetDecision returns one decision by id.
func (t *TenantStore) GetDecision(ctx context.Context, decisionID string) (*types.Decision, error) {
	const op = "store.GetDecision"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE tenant_id = ? AND decision_id = ?`,
		t.tenant, decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "decision %s not found", decisionID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return d, nil
}

// SupersedeDecision inserts the replacement decision and marks the old one
// superseded with a forward link, atomically. The old decision must currently
// be active.
func (t *TenantStore) SupersedeDecision(ctx context.Context, oldID string, replacement *types.Decision) error {
	const op = "store.SupersedeDecision"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM decisions WHERE tenant_id = ? AND decision_id = ?`,
			t.tenant, oldID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return types.Errorf(op, types.KindNotFound, "decision %s not found", oldID)
		}
		if err != nil {
			return err
		}
		if types.DecisionStatus(status) != types.DecisionActive {
			return types.Errorf(op, types.KindConflict, "decision %s is %s, not active", oldID, status)
		}
		if err := insertDecisionTx(ctx, tx, t.tenant, replacement); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE decisions SET status = ?, superseded_by = ?
			WHERE tenant_id = ? AND decision_id = ?`,
			string(types.DecisionSuperseded), replacement.ID, t.tenant, oldID)
		return err
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

// DecisionFilter narrows ListDecisions. Archived decisions stay hidden unless
// IncludeArchived is set.
type DecisionFilter struct {
	ProjectID       string
	Scope           types.DecisionScope
	Status          types.DecisionStatus
	Query           string
	Tag             string
	IncludeArchived bool
	Limit           int
}

// ListDecisions returns decisions matching the filter, newest first.
func (t *TenantStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]*types.Decision, error) {
	const op = "store.ListDecisions"
	if f.Limit <= 0 {
		f.Limit = 100
	}
	where := []string{"tenant_id = ?"}
	args := []any{t.tenant}

	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(f.Scope))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else if !f.IncludeArchived {
		where = append(where, "status != ?")
		args = append(args, string(types.DecisionArchived))
	}
	if f.Query != "" {
		where = append(where, "decision LIKE ?")
		args = append(args, "%"+f.Query+"%")
	}
	args = append(args, f.Limit)

	rows, err := t.db().QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC, decision_id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var decisions []*types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		// Tag filtering happens here; tags are a JSON column.
		if f.Tag != "" && !d.HasTag(f.Tag) {
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ListActiveDecisions returns active decisions applicable to a project,
// including global and user scoped ones, newest first.
func (t *TenantStore) ListActiveDecisions(ctx context.Context, projectID string, limit int) ([]*types.Decision, error) {
	const op = "store.ListActiveDecisions"
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE tenant_id = ? AND status = ?
		   AND (scope != ? OR project_id = ? OR project_id = '')
		 ORDER BY ts DESC, decision_id DESC LIMIT ?`,
		t.tenant, string(types.DecisionActive), string(types.ScopeProject), projectID, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var decisions []*types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// CountDecisions returns the number of decisions in the given status.
func (t *TenantStore) CountDecisions(ctx context.Context, status types.DecisionStatus) (int, error) {
	const op = "store.CountDecisions"
	var n int
	err := t.db().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE tenant_id = ? AND status = ?`,
		t.tenant, string(status)).Scan(&n)
	if err != nil {
		return 0, types.E(op, types.KindBackend, err)
	}
	return n, nil
}

// ArchiveActiveBefore moves active decisions older than cutoff to archived,
// up to limit rows. Returns the number archived. Archived is a derived status
// distinct from superseded; superseded rows keep their forward link and are
// never archived. Used by the consolidation engine.
func (t *TenantStore) ArchiveActiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const op = "store.ArchiveActiveBefore"
	if limit <= 0 {
		limit = 50
	}
	var n int64
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE decisions SET status = ?
			WHERE decision_id IN (
				SELECT decision_id FROM decisions
				WHERE tenant_id = ? AND status = ? AND ts < ?
				ORDER BY ts ASC LIMIT ?
			)`,
			string(types.DecisionArchived), t.tenant,
			string(types.DecisionActive), cutoff.UnixNano(), limit)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, types.E(op, types.KindBackend, fmt.Errorf("archive decisions: %w", err))
	}
	return int(n), nil
}
