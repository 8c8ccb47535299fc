package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"mnemo/internal/types"
)

const capsuleColumns = `capsule_id, tenant_id, author_agent_id, subject_type,
	subject_id, scope, audience_agent_ids, items, risks,
	ttl_days, status, created_at, expires_at`

func scanCapsule(row interface{ Scan(...any) error }) (*types.Capsule, error) {
	var (
		c                      types.Capsule
		audience, items, risks string
		status                 string
		crNano, expNano        int64
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.AuthorAgentID, &c.SubjectType,
		&c.SubjectID, &c.Scope, &audience, &items, &risks,
		&c.TTLDays, &status, &crNano, &expNano)
	if err != nil {
		return nil, err
	}
	c.AudienceAgentIDs = decodeStrings(audience)
	c.Risks = decodeStrings(risks)
	c.Status = types.CapsuleStatus(status)
	c.CreatedAt = fromNano(crNano)
	c.ExpiresAt = fromNano(expNano)
	if items != "" {
		_ = json.Unmarshal([]byte(items), &c.Items)
	}
	return &c, nil
}

// InsertCapsule persists a new capsule.
func (t *TenantStore) InsertCapsule(ctx context.Context, c *types.Capsule) error {
	const op = "store.InsertCapsule"
	items, err := json.Marshal(c.Items)
	if err != nil {
		return types.E(op, types.KindInvalid, err)
	}
	err = t.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO capsules (
				capsule_id, tenant_id, author_agent_id, subject_type,
				subject_id, scope, audience_agent_ids, items, risks,
				ttl_days, status, created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, t.tenant, c.AuthorAgentID, c.SubjectType,
			c.SubjectID, c.Scope, encodeStrings(c.AudienceAgentIDs), string(items), encodeStrings(c.Risks),
			c.TTLDays, string(c.Status), c.CreatedAt.UnixNano(), c.ExpiresAt.UnixNano())
		return err
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// GetCapsule returns one capsule by id.
func (t *TenantStore) GetCapsule(ctx context.Context, capsuleID string) (*types.Capsule, error) {
	const op = "store.GetCapsule"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE tenant_id = ? AND capsule_id = ?`,
		t.tenant, capsuleID)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "capsule %s not found", capsuleID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return c, nil
}

// RevokeCapsule moves an active capsule to revoked. Revoking an already
// expired or revoked capsule is a conflict.
func (t *TenantStore) RevokeCapsule(ctx context.Context, capsuleID string) error {
	const op = "store.RevokeCapsule"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE capsules SET status = ?
			WHERE tenant_id = ? AND capsule_id = ? AND status = ?`,
			string(types.CapsuleRevoked), t.tenant, capsuleID, string(types.CapsuleActive))
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
				`SELECT status FROM capsules WHERE tenant_id = ? AND capsule_id = ?`,
				t.tenant, capsuleID).Scan(&cur)
			if errors.Is(err, sql.ErrNoRows) {
				return types.Errorf(op, types.KindNotFound, "capsule %s not found", capsuleID)
			}
			if err != nil {
				return err
			}
			return types.Errorf(op, types.KindConflict, "capsule %s is %s", capsuleID, cur)
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

// ExpireCapsules marks active capsules whose TTL elapsed before now as
// expired. Returns the number transitioned. Run by the consolidation engine;
// reads additionally check expiry at access time so a lapsed TTL hides the
// capsule before the sweep lands.
func (t *TenantStore) ExpireCapsules(ctx context.Context, now time.Time) (int, error) {
	const op = "store.ExpireCapsules"
	var n int64
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE capsules SET status = ?
			WHERE tenant_id = ? AND status = ? AND expires_at <= ?`,
			string(types.CapsuleExpired), t.tenant, string(types.CapsuleActive), now.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, types.E(op, types.KindBackend, err)
	}
	return int(n), nil
}

// ListActiveFor returns active, unexpired capsules whose audience includes
// agentID, newest first.
func (t *TenantStore) ListActiveFor(ctx context.Context, agentID string, now time.Time, limit int) ([]*types.Capsule, error) {
	const op = "store.ListActiveFor"
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules
		 WHERE tenant_id = ? AND status = ? AND expires_at > ?
		 ORDER BY created_at DESC, capsule_id DESC LIMIT ?`,
		t.tenant, string(types.CapsuleActive), now.UnixNano(), limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var capsules []*types.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		// Audience membership lives in a JSON column; filter here.
		if !c.AudienceContains(agentID) {
			continue
		}
		capsules = append(capsules, c)
	}
	return capsules, rows.Err()
}
