// Package service is the entry surface of mnemo. Every operation takes the
// authenticated principal first, applies default deadlines, binds storage to
// the principal's tenant, and records audit events. Transports and the CLI
// call this package and nothing below it.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/acb"
	"mnemo/internal/audit"
	"mnemo/internal/config"
	"mnemo/internal/consolidation"
	"mnemo/internal/handoff"
	"mnemo/internal/ingest"
	"mnemo/internal/overlay"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
	"mnemo/internal/summarizer"
	"mnemo/internal/types"
)

// Service owns the shared components and hands out tenant-bound views per
// call.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	logger   *zap.Logger
	pipeline *ingest.Pipeline
	engine   *consolidation.Engine
	sched    *consolidation.Scheduler
}

// New wires the service. Call Close when done; it stops the consolidation
// scheduler and the store.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	sum := summarizer.FromConfig(cfg.Summarizer)
	engine := consolidation.NewEngine(st, cfg.Consolidation, sum, logger)

	s := &Service{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		pipeline: ingest.New(cfg.Ingest, logger),
		engine:   engine,
	}
	if cfg.Consolidation.Enabled {
		s.sched = consolidation.NewScheduler(engine, logger)
		s.sched.Start()
	}
	return s, nil
}

// ApplyConfig absorbs a reloaded configuration. Only runtime-tunable fields
// take effect; structural fields like DBPath require a restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.pipeline.SetSecretPolicy(cfg.Ingest.SecretPolicy)
	s.logger.Info("applied reloaded config",
		zap.String("secret_policy", string(cfg.Ingest.SecretPolicy)))
}

// Close stops background work and releases the store.
func (s *Service) Close() error {
	if s.sched != nil {
		s.sched.Stop()
	}
	return s.store.Close()
}

func (s *Service) tenant(p types.Principal) *store.TenantStore {
	return s.store.ForTenant(p.TenantID)
}

func (s *Service) auditor(p types.Principal) *audit.Recorder {
	return audit.New(s.tenant(p), s.logger)
}

func (s *Service) retrievalFor(p types.Principal) *retrieval.Engine {
	return retrieval.New(s.tenant(p), s.cfg.Retrieval, s.logger)
}

// withDeadline applies the default deadline when the caller's context has
// none.
func withDeadline(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

func requireTenant(op string, p types.Principal) error {
	if p.TenantID == "" {
		return types.Errorf(op, types.KindForbidden, "principal carries no tenant")
	}
	return nil
}

// validID rejects malformed caller-supplied ids before they reach a query.
func validID(op, prefix, id string) error {
	if err := types.ValidateID(prefix, id); err != nil {
		return types.E(op, types.KindInvalid, err)
	}
	return nil
}

// =============================================================================
// INGESTION
// =============================================================================

// RecordEvent runs the ingest pipeline and persists the event atomically with
// its chunks and artifact.
func (s *Service) RecordEvent(ctx context.Context, p types.Principal, req *ingest.Request) (*types.Event, ingest.Result, error) {
	const op = "service.RecordEvent"
	if err := requireTenant(op, p); err != nil {
		return nil, ingest.Result{}, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	ev, chunks, art, res, err := s.pipeline.Prepare(p.TenantID, req)
	if err != nil {
		if types.IsKind(err, types.KindSensitiveContent) {
			s.auditor(p).Rejected(ctx, p, "event", "secret content detected")
		}
		return nil, res, err
	}
	if err := s.tenant(p).InsertEventWithChunks(ctx, ev, chunks, art); err != nil {
		return nil, res, err
	}
	s.auditor(p).Write(ctx, p, "event", ev.ID, res.RedactionCount)
	return ev, res, nil
}

// GetEvent returns one event. High-sensitivity reads are audited.
func (s *Service) GetEvent(ctx context.Context, p types.Principal, eventID string) (*types.Event, error) {
	const op = "service.GetEvent"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if err := validID(op, types.PrefixEvent, eventID); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()

	ev, err := s.tenant(p).GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Sensitivity == types.SensitivityHigh {
		s.auditor(p).SensitiveRead(ctx, p, "event", ev.ID)
	}
	return ev, nil
}

// GetArtifact returns the full offloaded payload of a truncated tool result.
func (s *Service) GetArtifact(ctx context.Context, p types.Principal, artifactID string) (*types.Artifact, error) {
	const op = "service.GetArtifact"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if err := validID(op, types.PrefixArtifact, artifactID); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.tenant(p).GetArtifact(ctx, artifactID)
}

// =============================================================================
// RETRIEVAL AND CONTEXT ASSEMBLY
// =============================================================================

// Search runs a scored retrieval query.
func (s *Service) Search(ctx context.Context, p types.Principal, q retrieval.Query) ([]retrieval.ScoredChunk, error) {
	const op = "service.Search"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBRetrievalSeconds)
	defer cancel()
	return s.retrievalFor(p).Search(ctx, q)
}

// AssembleContext builds an Active Context Bundle. The retrieval deadline
// applies when the request carries a query, the fast deadline otherwise.
func (s *Service) AssembleContext(ctx context.Context, p types.Principal, req *acb.Request) (*acb.Bundle, error) {
	const op = "service.AssembleContext"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	seconds := s.cfg.Deadlines.ACBFastSeconds
	if req.Query != "" {
		seconds = s.cfg.Deadlines.ACBRetrievalSeconds
	}
	ctx, cancel := withDeadline(ctx, seconds)
	defer cancel()

	ts := s.tenant(p)
	assembler := acb.New(ts, s.retrievalFor(p), s.cfg, s.logger)
	return assembler.Assemble(ctx, req)
}

// =============================================================================
// DECISIONS
// =============================================================================

// RecordDecision persists a new active decision.
func (s *Service) RecordDecision(ctx context.Context, p types.Principal, d *types.Decision) (*types.Decision, error) {
	const op = "service.RecordDecision"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if d.Decision == "" {
		return nil, types.Errorf(op, types.KindInvalid, "decision text required")
	}
	if !d.Scope.Valid() {
		return nil, types.Errorf(op, types.KindInvalid, "unknown scope %q", d.Scope)
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	d.ID = types.NewID(types.PrefixDecision)
	d.TenantID = p.TenantID
	d.Status = types.DecisionActive
	d.SupersededBy = ""
	if d.TS.IsZero() {
		d.TS = time.Now().UTC()
	}
	if err := s.tenant(p).InsertDecision(ctx, d); err != nil {
		return nil, err
	}
	s.auditor(p).Write(ctx, p, "decision", d.ID, 0)
	return d, nil
}

// SupersedeDecision replaces an active decision with a new one, linking the
// two.
func (s *Service) SupersedeDecision(ctx context.Context, p types.Principal, oldID string, replacement *types.Decision) (*types.Decision, error) {
	const op = "service.SupersedeDecision"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if replacement.Decision == "" {
		return nil, types.Errorf(op, types.KindInvalid, "decision text required")
	}
	if !replacement.Scope.Valid() {
		return nil, types.Errorf(op, types.KindInvalid, "unknown scope %q", replacement.Scope)
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	replacement.ID = types.NewID(types.PrefixDecision)
	replacement.TenantID = p.TenantID
	replacement.Status = types.DecisionActive
	if replacement.TS.IsZero() {
		replacement.TS = time.Now().UTC()
	}
	if err := s.tenant(p).SupersedeDecision(ctx, oldID, replacement); err != nil {
		return nil, err
	}
	s.auditor(p).Write(ctx, p, "decision", replacement.ID, 0)
	return replacement, nil
}

// ListDecisions lists decisions through the overlay. Archived decisions stay
// hidden unless the filter requests them.
func (s *Service) ListDecisions(ctx context.Context, p types.Principal, f store.DecisionFilter, channel types.Channel) ([]*types.Decision, error) {
	const op = "service.ListDecisions"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if channel == "" {
		channel = types.ChannelPrivate
	}
	if !channel.Valid() {
		return nil, types.Errorf(op, types.KindInvalid, "unknown channel %q", channel)
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()

	ts := s.tenant(p)
	decisions, err := ts.ListDecisions(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(decisions))
	for i, d := range decisions {
		ids[i] = d.ID
	}
	edits, err := ts.ApprovedEditsFor(ctx, types.TargetDecision, ids)
	if err != nil {
		return nil, err
	}
	readOpts := overlay.ReadOptions{Channel: channel}
	out := decisions[:0]
	for _, d := range decisions {
		if vd, ok := overlay.ApplyDecision(d, edits[d.ID], readOpts); ok {
			out = append(out, vd)
		}
	}
	return out, nil
}

// =============================================================================
// MEMORY EDITS
// =============================================================================

// ProposeEdit files a memory edit. Retract and block stay pending for an
// approver; other ops auto-approve when configured.
func (s *Service) ProposeEdit(ctx context.Context, p types.Principal, e *types.MemoryEdit) (*types.MemoryEdit, error) {
	const op = "service.ProposeEdit"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if err := overlay.ValidateProposal(e); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	ts := s.tenant(p)
	// The target must exist in this tenant.
	switch e.Target.Type {
	case types.TargetChunk:
		if _, err := ts.GetChunk(ctx, e.Target.ID); err != nil {
			return nil, err
		}
	case types.TargetDecision:
		if _, err := ts.GetDecision(ctx, e.Target.ID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	e.ID = types.NewID(types.PrefixEdit)
	e.TenantID = p.TenantID
	e.ProposedBy = p.UserID
	e.CreatedAt = now
	e.Status = types.EditPending
	if !e.Op.RequiresApproval() && s.cfg.Edits.AutoApprove {
		e.Status = types.EditApproved
		e.ApprovedBy = p.UserID
		e.AppliedAt = &now
	}
	if err := ts.InsertEdit(ctx, e); err != nil {
		return nil, err
	}
	s.auditor(p).EditLifecycle(ctx, p, e.ID, "propose", string(e.Status))
	return e, nil
}

// ApproveEdit applies a pending edit. Requires the approver or admin role.
func (s *Service) ApproveEdit(ctx context.Context, p types.Principal, editID string) error {
	return s.resolveEdit(ctx, p, editID, types.EditApproved)
}

// RejectEdit declines a pending edit. Requires the approver or admin role.
func (s *Service) RejectEdit(ctx context.Context, p types.Principal, editID string) error {
	return s.resolveEdit(ctx, p, editID, types.EditRejected)
}

func (s *Service) resolveEdit(ctx context.Context, p types.Principal, editID string, status types.EditStatus) error {
	const op = "service.ResolveEdit"
	if err := requireTenant(op, p); err != nil {
		return err
	}
	if !p.HasRole(types.RoleApprover) && !p.HasRole(types.RoleAdmin) {
		return types.Errorf(op, types.KindForbidden, "approver role required")
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	if err := s.tenant(p).ResolveEdit(ctx, editID, status, p.UserID, time.Now().UTC()); err != nil {
		return err
	}
	s.auditor(p).EditLifecycle(ctx, p, editID, "resolve", string(status))
	return nil
}

// ListEdits lists memory edits.
func (s *Service) ListEdits(ctx context.Context, p types.Principal, f store.EditFilter) ([]*types.MemoryEdit, error) {
	const op = "service.ListEdits"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.tenant(p).ListEdits(ctx, f)
}

// =============================================================================
// CAPSULES
// =============================================================================

// PublishCapsule validates and publishes a capsule.
func (s *Service) PublishCapsule(ctx context.Context, p types.Principal, c *types.Capsule) (*types.Capsule, error) {
	const op = "service.PublishCapsule"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	switch {
	case c.AuthorAgentID == "":
		return nil, types.Errorf(op, types.KindInvalid, "author agent required")
	case len(c.AudienceAgentIDs) == 0:
		return nil, types.Errorf(op, types.KindInvalid, "audience required")
	case c.TTLDays <= 0:
		return nil, types.Errorf(op, types.KindInvalid, "ttl must be positive")
	case len(c.Items.ChunkIDs)+len(c.Items.DecisionIDs)+len(c.Items.ArtifactIDs) == 0:
		return nil, types.Errorf(op, types.KindInvalid, "capsule has no items")
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	now := time.Now().UTC()
	c.ID = types.NewID(types.PrefixCapsule)
	c.TenantID = p.TenantID
	c.Status = types.CapsuleActive
	c.CreatedAt = now
	c.ExpiresAt = now.Add(time.Duration(c.TTLDays) * 24 * time.Hour)
	if err := s.tenant(p).InsertCapsule(ctx, c); err != nil {
		return nil, err
	}
	s.auditor(p).CapsuleLifecycle(ctx, p, c.ID, "publish")
	return c, nil
}

// GetCapsule returns one capsule. Reading past the TTL fails with an
// expired error; the row itself stays for provenance.
func (s *Service) GetCapsule(ctx context.Context, p types.Principal, capsuleID string) (*types.Capsule, error) {
	const op = "service.GetCapsule"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if err := validID(op, types.PrefixCapsule, capsuleID); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()

	c, err := s.tenant(p).GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if c.Status == types.CapsuleExpired || time.Now().UTC().After(c.ExpiresAt) {
		return nil, types.Errorf(op, types.KindExpired, "capsule %s expired", capsuleID)
	}
	return c, nil
}

// RevokeCapsule withdraws an active capsule.
func (s *Service) RevokeCapsule(ctx context.Context, p types.Principal, capsuleID string) error {
	const op = "service.RevokeCapsule"
	if err := requireTenant(op, p); err != nil {
		return err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	if err := s.tenant(p).RevokeCapsule(ctx, capsuleID); err != nil {
		return err
	}
	s.auditor(p).CapsuleLifecycle(ctx, p, capsuleID, "revoke")
	return nil
}

// ListCapsulesFor lists the active capsules addressed to an agent.
func (s *Service) ListCapsulesFor(ctx context.Context, p types.Principal, agentID string) ([]*types.Capsule, error) {
	const op = "service.ListCapsulesFor"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.tenant(p).ListActiveFor(ctx, agentID, time.Now().UTC(), 0)
}

// =============================================================================
// HANDOFFS AND IDENTITY
// =============================================================================

func (s *Service) handoffs(p types.Principal) *handoff.Manager {
	return handoff.New(s.tenant(p), s.logger)
}

// CreateHandoff records an end-of-session handoff.
func (s *Service) CreateHandoff(ctx context.Context, p types.Principal, req *handoff.CreateRequest) (*types.Handoff, error) {
	const op = "service.CreateHandoff"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	h, err := s.handoffs(p).Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.auditor(p).Write(ctx, p, "handoff", h.ID, 0)
	return h, nil
}

// GetLastHandoff returns the most recent handoff, optionally restricted to a
// collaborator.
func (s *Service) GetLastHandoff(ctx context.Context, p types.Principal, withWhom string) (*types.Handoff, error) {
	const op = "service.GetLastHandoff"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.handoffs(p).GetLast(ctx, withWhom)
}

// IdentityThread returns the becoming statements, newest first.
func (s *Service) IdentityThread(ctx context.Context, p types.Principal, limit int) ([]store.IdentityEntry, error) {
	const op = "service.IdentityThread"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.tenant(p).IdentityThread(ctx, limit)
}

// WakeUp renders the session-start narrative.
func (s *Service) WakeUp(ctx context.Context, p types.Principal, withWhom string) (string, error) {
	const op = "service.WakeUp"
	if err := requireTenant(op, p); err != nil {
		return "", err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.handoffs(p).WakeUp(ctx, withWhom)
}

// ExportIdentity gathers the identity document.
func (s *Service) ExportIdentity(ctx context.Context, p types.Principal) (*handoff.IdentityExport, error) {
	const op = "service.ExportIdentity"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBRetrievalSeconds)
	defer cancel()
	return s.handoffs(p).Export(ctx)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// RunConsolidation triggers a consolidation job for the principal's tenant
// immediately. Requires the admin role.
func (s *Service) RunConsolidation(ctx context.Context, p types.Principal, jobType types.JobType) error {
	const op = "service.RunConsolidation"
	if err := requireTenant(op, p); err != nil {
		return err
	}
	if !p.HasRole(types.RoleAdmin) {
		return types.Errorf(op, types.KindForbidden, "admin role required")
	}
	return s.engine.RunTenant(ctx, p.TenantID, jobType)
}

// Stats returns per-table row counts for the tenant.
func (s *Service) Stats(ctx context.Context, p types.Principal) (map[string]int64, error) {
	const op = "service.Stats"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.tenant(p).Stats(ctx)
}

// AuditLog returns the tenant's audit trail. Requires the admin role.
func (s *Service) AuditLog(ctx context.Context, p types.Principal, limit int) ([]*types.AuditEvent, error) {
	const op = "service.AuditLog"
	if err := requireTenant(op, p); err != nil {
		return nil, err
	}
	if !p.HasRole(types.RoleAdmin) {
		return nil, types.Errorf(op, types.KindForbidden, "admin role required")
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.ACBFastSeconds)
	defer cancel()
	return s.auditor(p).List(ctx, limit)
}

// PurgeTenant hard-deletes every row belonging to the tenant. Requires the
// admin role. The purge record is the only audit row that survives, written
// after the deletion.
func (s *Service) PurgeTenant(ctx context.Context, p types.Principal) error {
	const op = "service.PurgeTenant"
	if err := requireTenant(op, p); err != nil {
		return err
	}
	if !p.HasRole(types.RoleAdmin) {
		return types.Errorf(op, types.KindForbidden, "admin role required")
	}
	ctx, cancel := withDeadline(ctx, s.cfg.Deadlines.WriteSeconds)
	defer cancel()

	if err := s.tenant(p).PurgeTenant(ctx); err != nil {
		return err
	}
	s.auditor(p).Purge(ctx, p)
	return nil
}
