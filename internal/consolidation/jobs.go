// Package consolidation implements the scheduled maintenance engine:
// handoff compression, decision archival, capsule expiry, and identity
// synthesis. Every run is recorded as a job row; only one job of a type runs
// per tenant at a time.
package consolidation

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/summarizer"
	"mnemo/internal/types"
)

// Compression age thresholds.
const (
	summaryAge    = 30 * 24 * time.Hour
	quickRefAge   = 90 * 24 * time.Hour
	integratedAge = 180 * 24 * time.Hour
)

// decisionArchiveAge is how long an active decision stays in the default
// view before the weekly job archives it.
const decisionArchiveAge = 60 * 24 * time.Hour

// synthesisMinMembers is the bucket size at which a theme becomes a
// knowledge note.
const synthesisMinMembers = 10

// Token targets for compressed narrative fields.
const (
	summaryTargetTokens    = 500
	quickRefTargetTokens   = 100
	integratedTargetTokens = 25
)

// Engine runs consolidation jobs across tenants.
type Engine struct {
	store  *store.Store
	cfg    config.ConsolidationConfig
	sum    summarizer.Summarizer
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds the engine.
func NewEngine(s *store.Store, cfg config.ConsolidationConfig, sum summarizer.Summarizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sum == nil {
		sum = summarizer.Extractive{}
	}
	return &Engine{store: s, cfg: cfg, sum: sum, logger: logger, now: time.Now}
}

// RunForAllTenants fans the given job out to every tenant in parallel. A
// tenant already running that job type is skipped, not failed.
func (e *Engine) RunForAllTenants(ctx context.Context, jobType types.JobType) error {
	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, tenant := range tenants {
		g.Go(func() error {
			err := e.RunTenant(gctx, tenant, jobType)
			if types.IsKind(err, types.KindConflict) {
				e.logger.Debug("job already running, skipped",
					zap.String("tenant", tenant), zap.String("type", string(jobType)))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// RunTenant executes one job for one tenant, recording it in the job log.
func (e *Engine) RunTenant(ctx context.Context, tenant string, jobType types.JobType) error {
	ts := e.store.ForTenant(tenant)
	job := &types.ConsolidationJob{
		ID:        types.NewID(types.PrefixJob),
		Type:      jobType,
		TenantID:  tenant,
		StartedAt: e.now().UTC(),
	}
	if err := ts.BeginJob(ctx, job); err != nil {
		return err
	}

	var (
		processed, affected int
		runErr              error
	)
	switch jobType {
	case types.JobDaily:
		processed, affected, runErr = e.runDaily(ctx, ts, job.ID)
	case types.JobWeekly:
		processed, affected, runErr = e.runWeekly(ctx, ts, job.ID)
	case types.JobMonthly:
		processed, affected, runErr = e.runMonthly(ctx, ts, job.ID)
	default:
		runErr = types.Errorf("consolidation.RunTenant", types.KindInvalid, "unknown job type %q", jobType)
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := ts.FinishJob(ctx, job.ID, processed, affected, errMsg, e.now().UTC()); err != nil {
		e.logger.Error("failed to finish job", zap.String("job_id", job.ID), zap.Error(err))
	}
	e.logger.Info("consolidation job finished",
		zap.String("tenant", tenant),
		zap.String("type", string(jobType)),
		zap.Int("processed", processed),
		zap.Int("affected", affected),
		zap.Bool("failed", runErr != nil))
	return runErr
}

// runDaily compresses month-old full handoffs to summaries and expires
// lapsed capsules.
func (e *Engine) runDaily(ctx context.Context, ts *store.TenantStore, jobID string) (int, int, error) {
	now := e.now().UTC()
	processed, affected, err := e.compress(ctx, ts, jobID, types.CompressionFull, types.CompressionSummary,
		now.Add(-summaryAge), summaryTargetTokens, e.cfg.DailyHandoffs)
	if err != nil {
		return processed, affected, err
	}
	expired, err := ts.ExpireCapsules(ctx, now)
	if err != nil {
		return processed, affected, err
	}
	return processed, affected + expired, nil
}

// runWeekly compresses quarter-old summaries to quick refs and archives
// active decisions untouched for sixty days.
func (e *Engine) runWeekly(ctx context.Context, ts *store.TenantStore, jobID string) (int, int, error) {
	now := e.now().UTC()
	processed, affected, err := e.compress(ctx, ts, jobID, types.CompressionSummary, types.CompressionQuickRef,
		now.Add(-quickRefAge), quickRefTargetTokens, e.cfg.WeeklyHandoffs)
	if err != nil {
		return processed, affected, err
	}
	archived, err := ts.ArchiveActiveBefore(ctx, now.Add(-decisionArchiveAge), e.cfg.BatchSize)
	if err != nil {
		return processed, affected, err
	}
	return processed, affected + archived, nil
}

// runMonthly synthesizes knowledge notes from recurring handoff themes,
// records a reflection over the period, then folds half-year-old quick refs
// down to the integrated level.
func (e *Engine) runMonthly(ctx context.Context, ts *store.TenantStore, jobID string) (int, int, error) {
	processed, affected, err := e.synthesize(ctx, ts)
	if err != nil {
		return processed, affected, err
	}
	p, a, err := e.compress(ctx, ts, jobID, types.CompressionQuickRef, types.CompressionIntegrated,
		e.now().UTC().Add(-integratedAge), integratedTargetTokens, 0)
	return processed + p, affected + a, err
}

// compress walks handoffs at fromLevel older than cutoff and rewrites them
// at toLevel, checkpointing progress every batch.
func (e *Engine) compress(ctx context.Context, ts *store.TenantStore, jobID string, fromLevel, toLevel types.CompressionLevel, cutoff time.Time, target, limit int) (int, int, error) {
	handoffs, err := ts.ListHandoffs(ctx, store.HandoffFilter{
		Level:     fromLevel,
		OlderThan: cutoff,
		Limit:     limit,
	})
	if err != nil {
		return 0, 0, err
	}

	processed, affected := 0, 0
	for _, h := range handoffs {
		if err := ctx.Err(); err != nil {
			return processed, affected, err
		}
		text := h.Experienced
		if h.Noticed != "" {
			text += "\n" + h.Noticed
		}
		compressed, err := e.sum.Summarize(ctx, text, target)
		if err != nil {
			return processed, affected, err
		}
		if err := ts.CompressHandoff(ctx, h.ID, toLevel, compressed, ""); err != nil {
			return processed, affected, err
		}
		processed++
		affected++
		if processed%e.cfg.BatchSize == 0 {
			_ = ts.UpdateJobProgress(ctx, jobID, processed, affected)
		}
	}
	return processed, affected, nil
}

// synthesize buckets the identity thread's becoming statements by recurring
// theme keyword and turns buckets of at least synthesisMinMembers into
// knowledge notes. A bucket whose note title already exists is skipped, which
// makes re-runs idempotent.
func (e *Engine) synthesize(ctx context.Context, ts *store.TenantStore) (int, int, error) {
	handoffs, err := ts.ListHandoffs(ctx, store.HandoffFilter{Unintegrated: true, Limit: 2000})
	if err != nil {
		return 0, 0, err
	}
	if len(handoffs) < synthesisMinMembers {
		return len(handoffs), 0, nil
	}

	buckets := make(map[string][]*types.Handoff)
	for _, h := range handoffs {
		// Age-integrated handoffs without a note backlink stay out of
		// future buckets.
		if h.CompressionLevel == types.CompressionIntegrated {
			continue
		}
		for _, kw := range themeKeywords(h) {
			buckets[kw] = append(buckets[kw], h)
		}
	}

	// Deterministic bucket order: biggest first, then keyword.
	keywords := make([]string, 0, len(buckets))
	for kw := range buckets {
		keywords = append(keywords, kw)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if len(buckets[keywords[i]]) != len(buckets[keywords[j]]) {
			return len(buckets[keywords[i]]) > len(buckets[keywords[j]])
		}
		return keywords[i] < keywords[j]
	})

	now := e.now().UTC()
	processed, affected := len(handoffs), 0
	integrated := make(map[string]bool)
	for _, kw := range keywords {
		members := buckets[kw]
		// A handoff integrates into at most one note per run.
		fresh := members[:0]
		for _, h := range members {
			if !integrated[h.ID] {
				fresh = append(fresh, h)
			}
		}
		if len(fresh) < synthesisMinMembers {
			continue
		}

		var statements []string
		ids := make([]string, len(fresh))
		for i, h := range fresh {
			ids[i] = h.ID
			statements = append(statements, h.Becoming)
		}
		content, err := e.sum.Summarize(ctx, strings.Join(statements, "\n"), quickRefTargetTokens)
		if err != nil {
			return processed, affected, err
		}

		note := &types.KnowledgeNote{
			ID:             types.NewID(types.PrefixNote),
			TenantID:       ts.Tenant(),
			Title:          "theme: " + kw,
			Content:        content,
			SourceHandoffs: ids,
			Confidence:     confidence(len(fresh)),
			Tags:           []string{kw},
			CreatedAt:      now,
		}
		if err := ts.InsertKnowledgeNote(ctx, note); err != nil {
			if types.IsKind(err, types.KindConflict) {
				continue
			}
			return processed, affected, err
		}
		if err := ts.MarkIntegrated(ctx, ids, note.ID); err != nil {
			return processed, affected, err
		}
		for _, id := range ids {
			integrated[id] = true
		}
		affected += len(fresh)
	}

	if affected > 0 {
		first, last := handoffs[0].CreatedAt, handoffs[len(handoffs)-1].CreatedAt
		refl := &types.Reflection{
			ID:             types.NewID(types.PrefixReflection),
			TenantID:       ts.Tenant(),
			PeriodStart:    first,
			PeriodEnd:      last,
			SessionCount:   len(handoffs),
			Summary:        "synthesized recurring themes into knowledge notes",
			SourceHandoffs: nil,
			CreatedAt:      now,
		}
		if err := ts.InsertReflection(ctx, refl); err != nil {
			return processed, affected, err
		}
	}
	return processed, affected, nil
}

// confidence grows with bucket size and saturates at 1.
func confidence(members int) float64 {
	c := float64(members) / 20.0
	if c > 1 {
		c = 1
	}
	return c
}

// themeKeywords extracts the bucketing keys from a handoff's becoming
// statement. Handoffs outside the identity thread (empty becoming) yield no
// keys and are never bucketed.
func themeKeywords(h *types.Handoff) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(h.Becoming, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9')
	}) {
		if len(w) < 5 {
			continue
		}
		kw := strings.ToLower(w)
		if stopwords[kw] || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "always": true,
	"because": true, "before": true, "being": true, "between": true,
	"could": true, "doing": true, "every": true, "should": true,
	"something": true, "their": true, "there": true, "these": true,
	"thing": true, "things": true, "think": true, "through": true,
	"until": true, "when": true, "where": true, "which": true,
	"while": true, "would": true,
}
