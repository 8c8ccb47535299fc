package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mnemo/internal/types"
)

const editColumns = `edit_id, tenant_id, target_type, target_id, op, reason,
	patch, status, proposed_by, approved_by, created_at, applied_at`

func scanEdit(row interface{ Scan(...any) error }) (*types.MemoryEdit, error) {
	var (
		e           types.MemoryEdit
		targetType  string
		op, status  string
		patch       string
		crNano      int64
		appliedNano sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &targetType, &e.Target.ID, &op, &e.Reason,
		&patch, &status, &e.ProposedBy, &e.ApprovedBy, &crNano, &appliedNano)
	if err != nil {
		return nil, err
	}
	e.Target.Type = types.TargetType(targetType)
	e.Op = types.EditOp(op)
	e.Status = types.EditStatus(status)
	e.CreatedAt = fromNano(crNano)
	if appliedNano.Valid {
		t := fromNano(appliedNano.Int64)
		e.AppliedAt = &t
	}
	if patch != "" {
		var p types.EditPatch
		if err := json.Unmarshal([]byte(patch), &p); err == nil {
			e.Patch = &p
		}
	}
	return &e, nil
}

// InsertEdit persists a proposed memory edit.
func (t *TenantStore) InsertEdit(ctx context.Context, e *types.MemoryEdit) error {
	const op = "store.InsertEdit"
	patch := ""
	if e.Patch != nil {
		data, err := json.Marshal(e.Patch)
		if err != nil {
			return types.E(op, types.KindInvalid, err)
		}
		patch = string(data)
	}
	var appliedNano any
	if e.AppliedAt != nil {
		appliedNano = e.AppliedAt.UnixNano()
	}
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_edits (
				edit_id, tenant_id, target_type, target_id, op, reason,
				patch, status, proposed_by, approved_by, created_at, applied_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, t.tenant, string(e.Target.Type), e.Target.ID, string(e.Op), e.Reason,
			patch, string(e.Status), e.ProposedBy, e.ApprovedBy, e.CreatedAt.UnixNano(), appliedNano)
		return err
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// GetEdit returns one memory edit by id.
func (t *TenantStore) GetEdit(ctx context.Context, editID string) (*types.MemoryEdit, error) {
	const op = "store.GetEdit"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+editColumns+` FROM memory_edits WHERE tenant_id = ? AND edit_id = ?`,
		t.tenant, editID)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "edit %s not found", editID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return e, nil
}

// ResolveEdit transitions a pending edit to approved or rejected. Resolving a
// non-pending edit is a conflict; the first resolution wins.
func (t *TenantStore) ResolveEdit(ctx context.Context, editID string, status types.EditStatus, approverID string, at time.Time) error {
	const op = "store.ResolveEdit"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		var appliedNano any
		if status == types.EditApproved {
			appliedNano = at.UnixNano()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE memory_edits SET status = ?, approved_by = ?, applied_at = ?
			WHERE tenant_id = ? AND edit_id = ? AND status = ?`,
			string(status), approverID, appliedNano,
			t.tenant, editID, string(types.EditPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var cur string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM memory_edits WHERE tenant_id = ? AND edit_id = ?`,
				t.tenant, editID).Scan(&cur)
			if errors.Is(err, sql.ErrNoRows) {
				return types.Errorf(op, types.KindNotFound, "edit %s not found", editID)
			}
			if err != nil {
				return err
			}
			return types.Errorf(op, types.KindConflict, "edit %s already %s", editID, cur)
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

// EditFilter narrows ListEdits.
type EditFilter struct {
	Status types.EditStatus
	Target *types.TargetRef
	Limit  int
}

// ListEdits returns memory edits matching the filter, newest first.
func (t *TenantStore) ListEdits(ctx context.Context, f EditFilter) ([]*types.MemoryEdit, error) {
	const op = "store.ListEdits"
	if f.Limit <= 0 {
		f.Limit = 100
	}
	where := []string{"tenant_id = ?"}
	args := []any{t.tenant}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Target != nil {
		where = append(where, "target_type = ?", "target_id = ?")
		args = append(args, string(f.Target.Type), f.Target.ID)
	}
	args = append(args, f.Limit)

	rows, err := t.db().QueryContext(ctx,
		`SELECT `+editColumns+` FROM memory_edits
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, edit_id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var edits []*types.MemoryEdit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// ApprovedEditsFor batch-loads the approved edits targeting the given items,
// keyed by target id. Edits within a target come back in approval order
// (applied_at, then edit_id) so the overlay applies them deterministically.
func (t *TenantStore) ApprovedEditsFor(ctx context.Context, targetType types.TargetType, targetIDs []string) (map[string][]*types.MemoryEdit, error) {
	const op = "store.ApprovedEditsFor"
	if len(targetIDs) == 0 {
		return map[string][]*types.MemoryEdit{}, nil
	}
	ph := make([]string, len(targetIDs))
	args := []any{t.tenant, string(targetType), string(types.EditApproved)}
	for i, id := range targetIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+editColumns+` FROM memory_edits
		 WHERE tenant_id = ? AND target_type = ? AND status = ?
		   AND target_id IN (`+strings.Join(ph, ", ")+`)
		 ORDER BY applied_at ASC, edit_id ASC`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	edits := make(map[string][]*types.MemoryEdit)
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		edits[e.Target.ID] = append(edits[e.Target.ID], e)
	}
	return edits, rows.Err()
}
