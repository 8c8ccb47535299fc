package consolidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, config.Default().Consolidation, nil, nil), s
}

func oldHandoff(level types.CompressionLevel, age time.Duration, becoming string) *types.Handoff {
	return &types.Handoff{
		ID:               types.NewID(types.PrefixHandoff),
		Experienced:      "a long session narrative. it kept going. and going further still.",
		Noticed:          "several observations",
		Learned:          "one concrete lesson",
		Remember:         "the durable lesson",
		Becoming:         becoming,
		CompressionLevel: level,
		CreatedAt:        time.Now().UTC().Add(-age),
	}
}

func TestDailyCompressesOldFullHandoffs(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")

	old := oldHandoff(types.CompressionFull, 40*24*time.Hour, "steadier")
	recent := oldHandoff(types.CompressionFull, 2*24*time.Hour, "steadier")
	require.NoError(t, ts.InsertHandoff(ctx, old))
	require.NoError(t, ts.InsertHandoff(ctx, recent))

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobDaily))

	got, err := ts.GetHandoff(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionSummary, got.CompressionLevel)
	assert.Equal(t, "the durable lesson", got.Remember, "meaning-bearing fields survive")
	assert.Empty(t, got.Noticed)

	got, err = ts.GetHandoff(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionFull, got.CompressionLevel, "recent handoffs untouched")

	jobs, err := ts.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobCompleted, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].ItemsProcessed)
}

func TestDailyExpiresCapsules(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")
	now := time.Now().UTC()

	require.NoError(t, ts.InsertCapsule(ctx, &types.Capsule{
		ID: types.NewID(types.PrefixCapsule), AuthorAgentID: "a",
		AudienceAgentIDs: []string{"b"}, TTLDays: 1, Status: types.CapsuleActive,
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobDaily))

	jobs, err := ts.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].ItemsAffected)
}

func TestWeeklyArchivesStaleActiveDecisions(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")
	now := time.Now().UTC()

	stale := &types.Decision{
		ID: types.NewID(types.PrefixDecision), Status: types.DecisionActive,
		Scope: types.ScopeGlobal, Decision: "old rule nobody revisits", TS: now.Add(-90 * 24 * time.Hour),
	}
	fresh := &types.Decision{
		ID: types.NewID(types.PrefixDecision), Status: types.DecisionActive,
		Scope: types.ScopeGlobal, Decision: "recently adopted", TS: now.Add(-10 * 24 * time.Hour),
	}
	superseded := &types.Decision{
		ID: types.NewID(types.PrefixDecision), Status: types.DecisionSuperseded,
		Scope: types.ScopeGlobal, Decision: "replaced long ago", TS: now.Add(-120 * 24 * time.Hour),
	}
	require.NoError(t, ts.InsertDecision(ctx, stale))
	require.NoError(t, ts.InsertDecision(ctx, fresh))
	require.NoError(t, ts.InsertDecision(ctx, superseded))

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobWeekly))

	got, err := ts.GetDecision(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionArchived, got.Status)

	got, err = ts.GetDecision(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionActive, got.Status)

	// superseded is a terminal record of the replacement link, not an
	// archival candidate
	got, err = ts.GetDecision(ctx, superseded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionSuperseded, got.Status)
}

func TestMonthlySynthesizesRecurringThemes(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")

	for i := 0; i < 12; i++ {
		h := oldHandoff(types.CompressionSummary, time.Duration(i+1)*24*time.Hour,
			"someone who rehearses migrations")
		h.Learned = fmt.Sprintf("unrelated lesson %d", i)
		require.NoError(t, ts.InsertHandoff(ctx, h))
	}
	// below-threshold theme must not produce a note
	for i := 0; i < 3; i++ {
		h := oldHandoff(types.CompressionSummary, time.Duration(i+1)*time.Hour,
			"comfortable with kubernetes upgrades")
		require.NoError(t, ts.InsertHandoff(ctx, h))
	}

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobMonthly))

	notes, err := ts.ListKnowledgeNotes(ctx, 0)
	require.NoError(t, err)
	titles := make(map[string]bool)
	for _, n := range notes {
		titles[n.Title] = true
	}
	assert.True(t, titles["theme: migrations"])
	assert.False(t, titles["theme: kubernetes"])

	var note *types.KnowledgeNote
	for _, n := range notes {
		if n.Title == "theme: migrations" {
			note = n
		}
	}
	require.NotNil(t, note)
	assert.Len(t, note.SourceHandoffs, 12)
	assert.InDelta(t, 0.6, note.Confidence, 1e-9)

	// backlinks and level bump
	h, err := ts.GetHandoff(ctx, note.SourceHandoffs[0])
	require.NoError(t, err)
	assert.Equal(t, note.ID, h.IntegratedInto)
	assert.Equal(t, types.CompressionIntegrated, h.CompressionLevel)

	refls, err := ts.ListReflections(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, refls, 1)
}

func TestMonthlySynthesisBucketsBecomingStatements(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")

	// identical becoming statements with fully unrelated learned text: the
	// identity thread, not the lessons, drives the theme
	var seeded []string
	for i := 0; i < 15; i++ {
		h := oldHandoff(types.CompressionSummary, time.Duration(i+1)*24*time.Hour,
			"value clarity over cleverness")
		h.Learned = fmt.Sprintf("incident report number %d", i)
		require.NoError(t, ts.InsertHandoff(ctx, h))
		seeded = append(seeded, h.ID)
	}
	// no becoming statement, no identity thread membership
	silent := oldHandoff(types.CompressionSummary, 24*time.Hour, "")
	silent.Learned = "value clarity over cleverness"
	require.NoError(t, ts.InsertHandoff(ctx, silent))

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobMonthly))

	notes, err := ts.ListKnowledgeNotes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "theme: clarity", notes[0].Title)
	assert.ElementsMatch(t, seeded, notes[0].SourceHandoffs)

	for _, id := range seeded {
		h, err := ts.GetHandoff(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, notes[0].ID, h.IntegratedInto)
	}
	got, err := ts.GetHandoff(ctx, silent.ID)
	require.NoError(t, err)
	assert.Empty(t, got.IntegratedInto, "learned text alone never buckets a handoff")
}

func TestMonthlyIntegratesAncientQuickRefs(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")

	ancient := oldHandoff(types.CompressionQuickRef, 200*24*time.Hour, "old habits")
	recent := oldHandoff(types.CompressionQuickRef, 30*24*time.Hour, "new habits")
	require.NoError(t, ts.InsertHandoff(ctx, ancient))
	require.NoError(t, ts.InsertHandoff(ctx, recent))

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobMonthly))

	got, err := ts.GetHandoff(ctx, ancient.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionIntegrated, got.CompressionLevel)
	assert.Empty(t, got.IntegratedInto, "age integration carries no note backlink")

	got, err = ts.GetHandoff(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CompressionQuickRef, got.CompressionLevel)
}

func TestMonthlySynthesisIsIdempotent(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	ts := s.ForTenant("acme")

	for i := 0; i < 12; i++ {
		h := oldHandoff(types.CompressionSummary, time.Duration(i+1)*24*time.Hour,
			"migrations need rehearsal")
		require.NoError(t, ts.InsertHandoff(ctx, h))
	}

	require.NoError(t, e.RunTenant(ctx, "acme", types.JobMonthly))
	require.NoError(t, e.RunTenant(ctx, "acme", types.JobMonthly))

	notes, err := ts.ListKnowledgeNotes(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, notes, 1, "second run finds nothing unintegrated")
}

func TestRunForAllTenantsCoversEveryTenant(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		ts := s.ForTenant(tenant)
		require.NoError(t, ts.InsertHandoff(ctx, oldHandoff(types.CompressionFull, 40*24*time.Hour, "patient")))
	}

	require.NoError(t, e.RunForAllTenants(ctx, types.JobDaily))

	for _, tenant := range []string{"acme", "globex"} {
		jobs, err := s.ForTenant(tenant).ListJobs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1, tenant)
		assert.Equal(t, types.JobCompleted, jobs[0].Status)
	}
}

func TestNextRunTimes(t *testing.T) {
	// Wednesday 2026-01-07 10:00 UTC
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 1, 8, 2, 0, 0, 0, time.UTC), nextDailyRun(now))
	assert.Equal(t, time.Date(2026, 1, 11, 3, 0, 0, 0, time.UTC), nextWeeklyRun(now))
	assert.Equal(t, time.Date(2026, 2, 1, 4, 0, 0, 0, time.UTC), nextMonthlyRun(now))

	// just before the daily slot
	now = time.Date(2026, 1, 7, 1, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 7, 2, 0, 0, 0, time.UTC), nextDailyRun(now))

	// Sunday after the weekly slot rolls a full week
	now = time.Date(2026, 1, 4, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 11, 3, 0, 0, 0, time.UTC), nextWeeklyRun(now))
}

func TestSchedulerStartStopLeaksNothing(t *testing.T) {
	e, _ := newEngine(t)
	// snapshot after the store is open so database/sql internals are ignored
	opt := goleak.IgnoreCurrent()

	sched := NewScheduler(e, nil)
	sched.Start()
	time.Sleep(10 * time.Millisecond)
	sched.Stop()

	goleak.VerifyNone(t, opt)
}
