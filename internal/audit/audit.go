// Package audit records security-relevant events. Recording is best effort:
// an audit failure is logged, never propagated, so the audited operation is
// not failed by its own paper trail.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Recorder writes audit rows for one tenant.
type Recorder struct {
	store  *store.TenantStore
	logger *zap.Logger
	now    func() time.Time
}

// New builds a recorder over a tenant-bound store.
func New(ts *store.TenantStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: ts, logger: logger, now: time.Now}
}

func (r *Recorder) record(ctx context.Context, e *types.AuditEvent) {
	e.TS = r.now().UTC()
	e.TenantID = r.store.Tenant()
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.logger.Warn("audit write failed",
			zap.String("event_type", e.EventType),
			zap.String("resource_id", e.ResourceID),
			zap.Error(err))
	}
}

// Write records a successful data write, noting redactions when any secret
// spans were replaced.
func (r *Recorder) Write(ctx context.Context, p types.Principal, resourceType, resourceID string, redactions int) {
	details := ""
	if redactions > 0 {
		details = fmt.Sprintf("redactions=%d", redactions)
	}
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "data.write",
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       "create",
		Outcome:      "success",
		Details:      details,
	})
}

// Rejected records a write refused by policy.
func (r *Recorder) Rejected(ctx context.Context, p types.Principal, resourceType, reason string) {
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "data.write",
		ResourceType: resourceType,
		Action:       "create",
		Outcome:      "rejected",
		Details:      reason,
	})
}

// SensitiveRead records access to high-sensitivity material.
func (r *Recorder) SensitiveRead(ctx context.Context, p types.Principal, resourceType, resourceID string) {
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "data.read",
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       "read",
		Outcome:      "success",
		Details:      "sensitivity=high",
	})
}

// EditLifecycle records a memory-edit proposal or resolution.
func (r *Recorder) EditLifecycle(ctx context.Context, p types.Principal, editID, action, outcome string) {
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "governance.edit",
		ResourceType: "memory_edit",
		ResourceID:   editID,
		Action:       action,
		Outcome:      outcome,
	})
}

// CapsuleLifecycle records capsule publication and revocation.
func (r *Recorder) CapsuleLifecycle(ctx context.Context, p types.Principal, capsuleID, action string) {
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "governance.capsule",
		ResourceType: "capsule",
		ResourceID:   capsuleID,
		Action:       action,
		Outcome:      "success",
	})
}

// Purge records a tenant data purge.
func (r *Recorder) Purge(ctx context.Context, p types.Principal) {
	r.record(ctx, &types.AuditEvent{
		UserID:       p.UserID,
		EventType:    "admin.purge",
		ResourceType: "tenant",
		ResourceID:   r.store.Tenant(),
		Action:       "delete",
		Outcome:      "success",
	})
}

// List returns the audit trail, newest first. Callers gate this behind the
// admin role.
func (r *Recorder) List(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	return r.store.ListAudit(ctx, limit)
}
