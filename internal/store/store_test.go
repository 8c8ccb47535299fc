package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/types"
)

func newTestStore(t *testing.T) *TenantStore {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.ForTenant("acme")
}

func testEvent(sessionID, text string, ts time.Time) (*types.Event, []*types.Chunk) {
	ev := &types.Event{
		ID:          types.NewID("evt_"),
		TenantID:    "acme",
		SessionID:   sessionID,
		Channel:     types.ChannelPrivate,
		Sensitivity: types.SensitivityNone,
		Actor:       types.Actor{Type: types.ActorHuman, ID: "u1"},
		Kind:        types.KindMessage,
		TS:          ts,
		Content:     types.MessageContent{Text: text},
	}
	chunk := &types.Chunk{
		ID:          types.NewID("chk_"),
		EventID:     ev.ID,
		TenantID:    "acme",
		SessionID:   sessionID,
		Kind:        types.KindMessage,
		Text:        text,
		TokenEst:    len(text)/4 + 1,
		Channel:     types.ChannelPrivate,
		Sensitivity: types.SensitivityNone,
		TS:          ts,
	}
	return ev, []*types.Chunk{chunk}
}

func TestInsertEventAssignsSessionSequence(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	ev1, chunks1 := testEvent("s1", "first message", at)
	ev2, chunks2 := testEvent("s1", "second message", at) // same timestamp
	ev3, chunks3 := testEvent("s2", "other session", at)

	require.NoError(t, ts.InsertEventWithChunks(ctx, ev1, chunks1, nil))
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev2, chunks2, nil))
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev3, chunks3, nil))

	assert.Equal(t, int64(1), ev1.Seq)
	assert.Equal(t, int64(2), ev2.Seq)
	assert.Equal(t, int64(1), ev3.Seq, "sequence restarts per session")

	events, err := ts.ListSessionEvents(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ev2.ID, events[0].ID, "equal timestamps order by seq")
}

func TestGetEventRoundTripsContent(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	ev := &types.Event{
		ID:          types.NewID("evt_"),
		TenantID:    "acme",
		SessionID:   "s1",
		Channel:     types.ChannelTeam,
		Sensitivity: types.SensitivityHigh,
		Tags:        []string{"deploy"},
		Actor:       types.Actor{Type: types.ActorTool, ID: "runner"},
		Kind:        types.KindToolResult,
		TS:          time.Now().UTC(),
		Content: types.ToolResultContent{
			Tool:        "bash",
			ExcerptText: "exit status 0",
			Truncated:   true,
			ArtifactID:  "art_x",
		},
	}
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev, nil, nil))

	got, err := ts.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	content, ok := got.Content.(types.ToolResultContent)
	require.True(t, ok)
	assert.Equal(t, "bash", content.Tool)
	assert.True(t, content.Truncated)
	assert.Equal(t, []string{"deploy"}, got.Tags)
	assert.Equal(t, types.SensitivityHigh, got.Sensitivity)
}

func TestGetEventOtherTenantIsNotFound(t *testing.T) {
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	acme := s.ForTenant("acme")
	ev, chunks := testEvent("s1", "private to acme", time.Now().UTC())
	require.NoError(t, acme.InsertEventWithChunks(ctx, ev, chunks, nil))

	_, err = s.ForTenant("globex").GetEvent(ctx, ev.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestSearchChunksMatchesAndFilters(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	ev1, chunks1 := testEvent("s1", "postgres connection pooling is saturated", at)
	ev2, chunks2 := testEvent("s1", "frontend build pipeline is green", at.Add(time.Second))
	chunks2[0].Sensitivity = types.SensitivityHigh
	ev2.Sensitivity = types.SensitivityHigh
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev1, chunks1, nil))
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev2, chunks2, nil))

	hits, err := ts.SearchChunks(ctx, ChunkQuery{
		Query:                "postgres pooling",
		AllowedSensitivities: types.SensitivityAllowed(types.ChannelPrivate),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks1[0].ID, hits[0].Chunk.ID)
	assert.Greater(t, hits[0].Rank, 0.0)

	// public channel may not see the high-sensitivity chunk
	hits, err = ts.SearchChunks(ctx, ChunkQuery{
		Query:                "frontend pipeline",
		AllowedSensitivities: types.SensitivityAllowed(types.ChannelPublic),
	})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchChunksEmptyQueryOrdersByRecency(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	ev1, chunks1 := testEvent("s1", "older note", at)
	ev2, chunks2 := testEvent("s1", "newer note", at.Add(time.Minute))
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev1, chunks1, nil))
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev2, chunks2, nil))

	hits, err := ts.SearchChunks(ctx, ChunkQuery{
		AllowedSensitivities: types.SensitivityAllowed(types.ChannelPrivate),
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, chunks2[0].ID, hits[0].Chunk.ID)
	assert.Zero(t, hits[0].Rank)
}

func TestSearchChunksNeutralizesOperators(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	ev, chunks := testEvent("s1", "ordinary text", time.Now().UTC())
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev, chunks, nil))

	// FTS5 syntax in the query must not produce a parse error.
	_, err := ts.SearchChunks(ctx, ChunkQuery{
		Query:                `"unbalanced AND (NEAR: text*`,
		AllowedSensitivities: types.SensitivityAllowed(types.ChannelPrivate),
	})
	require.NoError(t, err)
}

func TestArtifactStoredWithEvent(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	ev, chunks := testEvent("s1", "truncated output", time.Now().UTC())
	art := &types.Artifact{
		ID:        types.NewID("art_"),
		TenantID:  "acme",
		EventID:   ev.ID,
		Tool:      "bash",
		SizeBytes: 5,
		Data:      []byte("hello"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.InsertEventWithChunks(ctx, ev, chunks, art))

	got, err := ts.GetArtifact(ctx, art.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Data)
	assert.Equal(t, ev.ID, got.EventID)
}

func TestSupersedeDecision(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	old := &types.Decision{
		ID:       types.NewID("dec_"),
		TenantID: "acme",
		Status:   types.DecisionActive,
		Scope:    types.ScopeProject,
		Decision: "use REST",
		TS:       time.Now().UTC(),
	}
	require.NoError(t, ts.InsertDecision(ctx, old))

	repl := &types.Decision{
		ID:       types.NewID("dec_"),
		TenantID: "acme",
		Status:   types.DecisionActive,
		Scope:    types.ScopeProject,
		Decision: "use gRPC",
		TS:       time.Now().UTC(),
	}
	require.NoError(t, ts.SupersedeDecision(ctx, old.ID, repl))

	got, err := ts.GetDecision(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionSuperseded, got.Status)
	assert.Equal(t, repl.ID, got.SupersededBy)

	// a second supersede of the same decision conflicts
	again := &types.Decision{ID: types.NewID("dec_"), Status: types.DecisionActive, Scope: types.ScopeProject, Decision: "use GraphQL", TS: time.Now().UTC()}
	err = ts.SupersedeDecision(ctx, old.ID, again)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestListDecisionsHidesArchivedByDefault(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	active := &types.Decision{ID: types.NewID("dec_"), Status: types.DecisionActive, Scope: types.ScopeGlobal, Decision: "keep logs 30d", TS: time.Now().UTC()}
	archived := &types.Decision{ID: types.NewID("dec_"), Status: types.DecisionArchived, Scope: types.ScopeGlobal, Decision: "old retention rule", TS: time.Now().UTC()}
	require.NoError(t, ts.InsertDecision(ctx, active))
	require.NoError(t, ts.InsertDecision(ctx, archived))

	got, err := ts.ListDecisions(ctx, DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	got, err = ts.ListDecisions(ctx, DecisionFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestResolveEditFirstResolutionWins(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	edit := &types.MemoryEdit{
		ID:         types.NewID("edit_"),
		TenantID:   "acme",
		Target:     types.TargetRef{Type: types.TargetChunk, ID: "chk_1"},
		Op:         types.OpRetract,
		Reason:     "wrong person",
		Status:     types.EditPending,
		ProposedBy: "u1",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, ts.InsertEdit(ctx, edit))

	require.NoError(t, ts.ResolveEdit(ctx, edit.ID, types.EditApproved, "approver1", time.Now().UTC()))
	err := ts.ResolveEdit(ctx, edit.ID, types.EditRejected, "approver2", time.Now().UTC())
	assert.True(t, types.IsKind(err, types.KindConflict))

	got, err := ts.GetEdit(ctx, edit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EditApproved, got.Status)
	assert.Equal(t, "approver1", got.ApprovedBy)
	require.NotNil(t, got.AppliedAt)
}

func TestApprovedEditsForBatch(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, targetID := range []string{"chk_a", "chk_a", "chk_b"} {
		e := &types.MemoryEdit{
			ID:         types.NewID("edit_"),
			Target:     types.TargetRef{Type: types.TargetChunk, ID: targetID},
			Op:         types.OpAttenuate,
			Status:     types.EditApproved,
			ProposedBy: "u1",
			ApprovedBy: "u1",
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}
		at := e.CreatedAt
		e.AppliedAt = &at
		require.NoError(t, ts.InsertEdit(ctx, e))
	}
	// pending edits must not appear
	pending := &types.MemoryEdit{
		ID:         types.NewID("edit_"),
		Target:     types.TargetRef{Type: types.TargetChunk, ID: "chk_a"},
		Op:         types.OpRetract,
		Status:     types.EditPending,
		ProposedBy: "u1",
		CreatedAt:  now,
	}
	require.NoError(t, ts.InsertEdit(ctx, pending))

	edits, err := ts.ApprovedEditsFor(ctx, types.TargetChunk, []string{"chk_a", "chk_b", "chk_missing"})
	require.NoError(t, err)
	assert.Len(t, edits["chk_a"], 2)
	assert.Len(t, edits["chk_b"], 1)
	assert.NotContains(t, edits, "chk_missing")
}

func TestCapsuleLifecycle(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &types.Capsule{
		ID:               types.NewID("cap_"),
		TenantID:         "acme",
		AuthorAgentID:    "agent-a",
		AudienceAgentIDs: []string{"agent-b"},
		Items:            types.CapsuleItems{ChunkIDs: []string{"chk_1"}},
		TTLDays:          7,
		Status:           types.CapsuleActive,
		CreatedAt:        now,
		ExpiresAt:        now.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, ts.InsertCapsule(ctx, c))

	visible, err := ts.ListActiveFor(ctx, "agent-b", now, 10)
	require.NoError(t, err)
	require.Len(t, visible, 1)

	// not in the audience
	visible, err = ts.ListActiveFor(ctx, "agent-c", now, 10)
	require.NoError(t, err)
	assert.Empty(t, visible)

	// lapsed TTL hides the capsule even before the expiry sweep
	visible, err = ts.ListActiveFor(ctx, "agent-b", now.Add(8*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, visible)

	n, err := ts.ExpireCapsules(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = ts.RevokeCapsule(ctx, c.ID)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestHandoffCompressionAndIntegration(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	h := &types.Handoff{
		ID:               types.NewID("sh_"),
		TenantID:         "acme",
		Experienced:      "long detailed narrative of the session",
		Noticed:          "many observations",
		Learned:          "sqlite locks under write load",
		Remember:         "keep transactions short",
		Becoming:         "more careful with storage",
		CompressionLevel: types.CompressionFull,
		CreatedAt:        now.Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, ts.InsertHandoff(ctx, h))

	old, err := ts.ListHandoffs(ctx, HandoffFilter{
		Level:     types.CompressionFull,
		OlderThan: now.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, old, 1)

	require.NoError(t, ts.CompressHandoff(ctx, h.ID, types.CompressionSummary, "short summary", ""))
	got, err := ts.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionSummary, got.CompressionLevel)
	assert.Equal(t, "short summary", got.Experienced)
	assert.Equal(t, "keep transactions short", got.Remember, "meaning-bearing fields survive compression")

	note := &types.KnowledgeNote{
		ID:             types.NewID("kn_"),
		TenantID:       "acme",
		Title:          "storage discipline",
		Content:        "keep transactions short",
		SourceHandoffs: []string{h.ID},
		Confidence:     0.8,
		CreatedAt:      now,
	}
	require.NoError(t, ts.InsertKnowledgeNote(ctx, note))
	require.NoError(t, ts.MarkIntegrated(ctx, []string{h.ID}, note.ID))

	got, err = ts.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, note.ID, got.IntegratedInto)
	assert.Equal(t, types.CompressionIntegrated, got.CompressionLevel)

	dup := &types.KnowledgeNote{ID: types.NewID("kn_"), Title: "storage discipline", Content: "x", CreatedAt: now}
	err = ts.InsertKnowledgeNote(ctx, dup)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestIdentityThreadNewestFirst(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, becoming := range []string{"curious", "", "methodical"} {
		h := &types.Handoff{
			ID:          types.NewID("sh_"),
			Experienced: "e", Noticed: "n", Learned: "l", Remember: "r",
			Becoming:         becoming,
			Significance:     0.5,
			CompressionLevel: types.CompressionFull,
			CreatedAt:        now.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, ts.InsertHandoff(ctx, h))
	}

	thread, err := ts.IdentityThread(ctx, 0)
	require.NoError(t, err)
	require.Len(t, thread, 2, "empty becoming fields are skipped")
	assert.Equal(t, "methodical", thread[0].Becoming)
	assert.Equal(t, "curious", thread[1].Becoming)
	assert.Equal(t, 0.5, thread[0].Significance)
}

func TestJobExclusionPerTenantAndType(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &types.ConsolidationJob{ID: types.NewID("job_"), Type: types.JobDaily, StartedAt: now}
	require.NoError(t, ts.BeginJob(ctx, job))

	dup := &types.ConsolidationJob{ID: types.NewID("job_"), Type: types.JobDaily, StartedAt: now}
	err := ts.BeginJob(ctx, dup)
	assert.True(t, types.IsKind(err, types.KindConflict))

	// a different type runs concurrently
	weekly := &types.ConsolidationJob{ID: types.NewID("job_"), Type: types.JobWeekly, StartedAt: now}
	require.NoError(t, ts.BeginJob(ctx, weekly))

	require.NoError(t, ts.FinishJob(ctx, job.ID, 10, 4, "", now.Add(time.Minute)))
	last, err := ts.LastJobCompletion(ctx, types.JobDaily)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), last.UnixNano())

	// completed job frees the slot
	again := &types.ConsolidationJob{ID: types.NewID("job_"), Type: types.JobDaily, StartedAt: now.Add(2 * time.Minute)}
	require.NoError(t, ts.BeginJob(ctx, again))
}

func TestPurgeTenantRemovesEverything(t *testing.T) {
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	acme := s.ForTenant("acme")
	globex := s.ForTenant("globex")

	ev1, chunks1 := testEvent("s1", "acme data", time.Now().UTC())
	require.NoError(t, acme.InsertEventWithChunks(ctx, ev1, chunks1, nil))
	ev2 := &types.Event{
		ID: types.NewID("evt_"), SessionID: "s1",
		Channel: types.ChannelPrivate, Sensitivity: types.SensitivityNone,
		Actor: types.Actor{Type: types.ActorHuman, ID: "u2"},
		Kind:  types.KindMessage, TS: time.Now().UTC(),
		Content: types.MessageContent{Text: "globex data"},
	}
	require.NoError(t, globex.InsertEventWithChunks(ctx, ev2, nil, nil))

	require.NoError(t, acme.PurgeTenant(ctx))

	stats, err := acme.Stats(ctx)
	require.NoError(t, err)
	for table, count := range stats {
		assert.Zero(t, count, table)
	}
	_, err = globex.GetEvent(ctx, ev2.ID)
	assert.NoError(t, err, "purge is tenant-scoped")
}
