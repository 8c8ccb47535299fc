package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/acb"
	"mnemo/internal/config"
	"mnemo/internal/handoff"
	"mnemo/internal/ingest"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	user     = types.Principal{TenantID: "acme", UserID: "u1"}
	approver = types.Principal{TenantID: "acme", UserID: "boss", Roles: []string{types.RoleApprover}}
	admin    = types.Principal{TenantID: "acme", UserID: "root", Roles: []string{types.RoleAdmin}}
	stranger = types.Principal{TenantID: "globex", UserID: "x"}
)

func newService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.Consolidation.Enabled = false
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func messageReq(text string) *ingest.Request {
	return &ingest.Request{
		SessionID:   "s1",
		Channel:     types.ChannelPrivate,
		Sensitivity: types.SensitivityNone,
		Actor:       types.Actor{Type: types.ActorHuman, ID: "u1"},
		Kind:        types.KindMessage,
		Content:     types.MessageContent{Text: text},
	}
}

func TestRecordEventAndTenantIsolation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	ev, res, err := s.RecordEvent(ctx, user, messageReq("tenant scoped fact"))
	require.NoError(t, err)
	assert.Zero(t, res.RedactionCount)

	got, err := s.GetEvent(ctx, user, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)

	// the other tenant cannot see or even distinguish it
	_, err = s.GetEvent(ctx, stranger, ev.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	// a principal without a tenant is refused outright
	_, _, err = s.RecordEvent(ctx, types.Principal{}, messageReq("x"))
	assert.True(t, types.IsKind(err, types.KindForbidden))
}

func TestRecordEventAuditsRedactions(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, res, err := s.RecordEvent(ctx, user, messageReq("key is sk-abcdefghij1234567890 ok"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RedactionCount)

	trail, err := s.AuditLog(ctx, admin, 10)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "data.write", trail[0].EventType)
	assert.Contains(t, trail[0].Details, "redactions=1")
}

func TestSearchEndToEnd(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, _, err := s.RecordEvent(ctx, user, messageReq("the billing cutover happens friday"))
	require.NoError(t, err)

	hits, err := s.Search(ctx, user, retrieval.Query{Text: "billing cutover", Channel: types.ChannelPrivate})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// the other tenant sees nothing
	hits, err = s.Search(ctx, stranger, retrieval.Query{Text: "billing cutover", Channel: types.ChannelPrivate})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAssembleContextEndToEnd(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, _, err := s.RecordEvent(ctx, user, messageReq("we are mid-refactor of the billing service"))
	require.NoError(t, err)
	_, err = s.CreateHandoff(ctx, user, &handoff.CreateRequest{
		SessionID: "s0", Experienced: "e", Noticed: "n",
		Learned: "l", Remember: "billing code is fragile",
	})
	require.NoError(t, err)

	b, err := s.AssembleContext(ctx, user, &acb.Request{SessionID: "s1", Mode: acb.ModeTask, Query: "billing"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.Items)
	assert.Contains(t, b.Render(), "billing code is fragile")
}

func TestDecisionLifecycle(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	d, err := s.RecordDecision(ctx, user, &types.Decision{
		Decision: "store money as integer cents",
		Scope:    types.ScopeGlobal,
		Rationale: []string{
			"floating point drift",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionActive, d.Status)

	repl, err := s.SupersedeDecision(ctx, user, d.ID, &types.Decision{
		Decision: "store money as decimal strings",
		Scope:    types.ScopeGlobal,
	})
	require.NoError(t, err)

	listed, err := s.ListDecisions(ctx, user, store.DecisionFilter{Status: types.DecisionActive}, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, repl.ID, listed[0].ID)
}

func TestEditApprovalWorkflow(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, _, err := s.RecordEvent(ctx, user, messageReq("alice owns the deploy pipeline"))
	require.NoError(t, err)
	hits, err := s.Search(ctx, user, retrieval.Query{Text: "deploy pipeline", Channel: types.ChannelPrivate})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	chunkID := hits[0].Chunk.ID

	// attenuate auto-approves
	e, err := s.ProposeEdit(ctx, user, &types.MemoryEdit{
		Target: types.TargetRef{Type: types.TargetChunk, ID: chunkID},
		Op:     types.OpAttenuate,
		Reason: "stale",
		Patch:  &types.EditPatch{ImportanceDelta: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EditApproved, e.Status)

	// retract stays pending and needs an approver
	e, err = s.ProposeEdit(ctx, user, &types.MemoryEdit{
		Target: types.TargetRef{Type: types.TargetChunk, ID: chunkID},
		Op:     types.OpRetract,
		Reason: "bob owns it now",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EditPending, e.Status)

	// still visible while pending
	hits, err = s.Search(ctx, user, retrieval.Query{Text: "deploy pipeline", Channel: types.ChannelPrivate})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	err = s.ApproveEdit(ctx, user, e.ID)
	assert.True(t, types.IsKind(err, types.KindForbidden), "plain users cannot approve")

	require.NoError(t, s.ApproveEdit(ctx, approver, e.ID))

	hits, err = s.Search(ctx, user, retrieval.Query{Text: "deploy pipeline", Channel: types.ChannelPrivate})
	require.NoError(t, err)
	assert.Empty(t, hits, "approved retraction hides the chunk")
}

func TestProposeEditUnknownTarget(t *testing.T) {
	s := newService(t)
	_, err := s.ProposeEdit(context.Background(), user, &types.MemoryEdit{
		Target: types.TargetRef{Type: types.TargetChunk, ID: "chk_missing"},
		Op:     types.OpQuarantine,
		Reason: "r",
	})
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestCapsulePublishValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.PublishCapsule(ctx, user, &types.Capsule{
		AuthorAgentID:    "agent-a",
		AudienceAgentIDs: []string{"agent-b"},
		TTLDays:          7,
	})
	assert.True(t, types.IsKind(err, types.KindInvalid), "empty capsule rejected")

	c, err := s.PublishCapsule(ctx, user, &types.Capsule{
		AuthorAgentID:    "agent-a",
		AudienceAgentIDs: []string{"agent-b"},
		TTLDays:          7,
		Items:            types.CapsuleItems{ChunkIDs: []string{"chk_1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CapsuleActive, c.Status)
	assert.Equal(t, c.CreatedAt.Add(7*24*time.Hour), c.ExpiresAt)

	visible, err := s.ListCapsulesFor(ctx, user, "agent-b")
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	got, err := s.GetCapsule(ctx, user, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	require.NoError(t, s.RevokeCapsule(ctx, user, c.ID))
	visible, err = s.ListCapsulesFor(ctx, user, "agent-b")
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestGetRejectsMalformedIDs(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.GetEvent(ctx, user, "not-an-event-id")
	assert.True(t, types.IsKind(err, types.KindInvalid))

	// wrong prefix is invalid, not merely not found
	_, err = s.GetEvent(ctx, user, "chk_0123456789abcdef")
	assert.True(t, types.IsKind(err, types.KindInvalid))

	_, err = s.GetArtifact(ctx, user, "art_UPPER!case")
	assert.True(t, types.IsKind(err, types.KindInvalid))

	_, err = s.GetCapsule(ctx, user, "cap_")
	assert.True(t, types.IsKind(err, types.KindInvalid))

	// well-formed but absent ids still read as not found
	_, err = s.GetEvent(ctx, user, "evt_00000000000000000000000000000000")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestGetCapsuleExpired(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &types.Capsule{
		ID:               types.NewID(types.PrefixCapsule),
		AuthorAgentID:    "agent-a",
		AudienceAgentIDs: []string{"agent-b"},
		Items:            types.CapsuleItems{ChunkIDs: []string{"chk_1"}},
		TTLDays:          1,
		Status:           types.CapsuleActive,
		CreatedAt:        now.Add(-48 * time.Hour),
		ExpiresAt:        now.Add(-24 * time.Hour),
	}
	require.NoError(t, s.store.ForTenant("acme").InsertCapsule(ctx, c))

	_, err := s.GetCapsule(ctx, user, c.ID)
	assert.True(t, types.IsKind(err, types.KindExpired))
}

func TestAdminGates(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.AuditLog(ctx, user, 10)
	assert.True(t, types.IsKind(err, types.KindForbidden))

	err = s.PurgeTenant(ctx, user)
	assert.True(t, types.IsKind(err, types.KindForbidden))

	err = s.RunConsolidation(ctx, user, types.JobDaily)
	assert.True(t, types.IsKind(err, types.KindForbidden))

	require.NoError(t, s.RunConsolidation(ctx, admin, types.JobDaily))
}

func TestPurgeTenant(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, _, err := s.RecordEvent(ctx, user, messageReq("to be purged"))
	require.NoError(t, err)

	require.NoError(t, s.PurgeTenant(ctx, admin))

	stats, err := s.Stats(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, stats["events"])
	assert.Zero(t, stats["chunks"])

	trail, err := s.AuditLog(ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1, "only the purge record survives")
	assert.Equal(t, "admin.purge", trail[0].EventType)
}

func TestWakeUpRoundTrip(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	text, err := s.WakeUp(ctx, user, "")
	require.NoError(t, err)
	assert.Contains(t, text, "No prior sessions")

	_, err = s.CreateHandoff(ctx, user, &handoff.CreateRequest{
		SessionID: "s1", Experienced: "shipped the exporter", Noticed: "n",
		Learned: "l", Remember: "exporter needs retry logic", Becoming: "pragmatic",
	})
	require.NoError(t, err)

	text, err = s.WakeUp(ctx, user, "alice")
	require.NoError(t, err)
	assert.Contains(t, text, "exporter needs retry logic")
	assert.Contains(t, text, "Working with alice")

	export, err := s.ExportIdentity(ctx, user)
	require.NoError(t, err)
	assert.Len(t, export.Thread, 1)

	thread, err := s.IdentityThread(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "pragmatic", thread[0].Becoming)

	_, err = s.GetLastHandoff(ctx, user, "nobody")
	assert.True(t, types.IsKind(err, types.KindNotFound), "with_whom filters the lookup")
}
