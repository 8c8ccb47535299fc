package store

import (
	"context"

	"mnemo/internal/types"
)

// AppendAudit writes one audit row. Audit rows are append-only; the only
// path that removes them is tenant purge.
func (t *TenantStore) AppendAudit(ctx context.Context, e *types.AuditEvent) error {
	const op = "store.AppendAudit"
	_, err := t.db().ExecContext(ctx, `
		INSERT INTO audit_events (
			ts, tenant_id, user_id, event_type, resource_type,
			resource_id, action, outcome, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS.UnixNano(), t.tenant, e.UserID, e.EventType, e.ResourceType,
		e.ResourceID, e.Action, e.Outcome, e.Details)
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// ListAudit returns the tenant's audit trail, newest first.
func (t *TenantStore) ListAudit(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	const op = "store.ListAudit"
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db().QueryContext(ctx, `
		SELECT ts, tenant_id, user_id, event_type, resource_type,
		       resource_id, action, outcome, details
		FROM audit_events WHERE tenant_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var (
			e      types.AuditEvent
			tsNano int64
		)
		err := rows.Scan(&tsNano, &e.TenantID, &e.UserID, &e.EventType, &e.ResourceType,
			&e.ResourceID, &e.Action, &e.Outcome, &e.Details)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		e.TS = fromNano(tsNano)
		events = append(events, &e)
	}
	return events, rows.Err()
}
