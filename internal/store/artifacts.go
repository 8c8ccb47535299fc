package store

import (
	"context"
	"database/sql"
	"errors"

	"mnemo/internal/types"
)

// GetArtifact returns the full artifact including its data blob.
func (t *TenantStore) GetArtifact(ctx context.Context, artifactID string) (*types.Artifact, error) {
	const op = "store.GetArtifact"
	var (
		a      types.Artifact
		crNano int64
	)
	err := t.db().QueryRowContext(ctx, `
		SELECT artifact_id, tenant_id, event_id, tool, media_type, size_bytes, data, created_at
		FROM artifacts WHERE tenant_id = ? AND artifact_id = ?`,
		t.tenant, artifactID).Scan(
		&a.ID, &a.TenantID, &a.EventID, &a.Tool, &a.MediaType, &a.SizeBytes, &a.Data, &crNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	a.CreatedAt = fromNano(crNano)
	return &a, nil
}

// ListEventArtifacts returns artifact metadata (no data blobs) for an event.
func (t *TenantStore) ListEventArtifacts(ctx context.Context, eventID string) ([]*types.Artifact, error) {
	const op = "store.ListEventArtifacts"
	rows, err := t.db().QueryContext(ctx, `
		SELECT artifact_id, tenant_id, event_id, tool, media_type, size_bytes, created_at
		FROM artifacts WHERE tenant_id = ? AND event_id = ?
		ORDER BY created_at DESC`,
		t.tenant, eventID)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	for rows.Next() {
		var (
			a      types.Artifact
			crNano int64
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.EventID, &a.Tool, &a.MediaType, &a.SizeBytes, &crNano); err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		a.CreatedAt = fromNano(crNano)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
