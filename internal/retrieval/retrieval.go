// Package retrieval scores and ranks chunk candidates for context assembly
// and direct search. Scoring is deterministic and documented: callers can
// reconstruct every score from the components returned with each hit.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/config"
	"mnemo/internal/overlay"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Scoring weights and the recency decay constant. The final score is
//
//	score = 0.6*text_rank + 0.3*recency + 0.1*importance
//
// where text_rank is the bm25 rank normalized into [0,1] over the candidate
// pool, recency = exp(-age/tau) with tau = 14 days, and importance is the
// chunk's overlay-adjusted importance.
const (
	WeightRank       = 0.6
	WeightRecency    = 0.3
	WeightImportance = 0.1

	RecencyTau = 14 * 24 * time.Hour
)

// Query is one retrieval request. Channel determines the sensitivity filter
// and the overlay read context.
type Query struct {
	Text               string
	Channel            types.Channel
	SessionID          string
	ProjectID          string
	SubjectType        string
	SubjectID          string
	Kinds              []types.EventKind
	Limit              int
	IncludeQuarantined bool
}

// ScoredChunk is a ranked hit with its score decomposition.
type ScoredChunk struct {
	Chunk      *types.Chunk `json:"chunk"`
	Score      float64      `json:"score"`
	TextRank   float64      `json:"text_rank"`
	Recency    float64      `json:"recency"`
	Importance float64      `json:"importance"`
}

// Engine runs searches against one tenant's store.
type Engine struct {
	store  *store.TenantStore
	cfg    config.RetrievalConfig
	logger *zap.Logger
	now    func() time.Time
}

// New builds an engine over a tenant-bound store.
func New(ts *store.TenantStore, cfg config.RetrievalConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: ts, cfg: cfg, logger: logger, now: time.Now}
}

// Search runs the full pipeline: candidate fetch under the channel's
// sensitivity filter, overlay application, scoring of the bounded pool, and
// a deterministic final order (score desc, then ts desc, then chunk id
// desc).
func (e *Engine) Search(ctx context.Context, q Query) ([]ScoredChunk, error) {
	scored, _, err := e.SearchPool(ctx, q)
	return scored, err
}

// SearchPool is Search plus the size of the candidate pool the text ranks
// were normalized over. The pool is the raw FTS result set before the edit
// overlay runs, so a chunk's normalized rank does not shift when an
// unrelated candidate is retracted.
func (e *Engine) SearchPool(ctx context.Context, q Query) ([]ScoredChunk, int, error) {
	const op = "retrieval.SearchPool"
	if !q.Channel.Valid() {
		return nil, 0, types.Errorf(op, types.KindInvalid, "unknown channel %q", q.Channel)
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	hits, err := e.store.SearchChunks(ctx, store.ChunkQuery{
		Query:                q.Text,
		AllowedSensitivities: types.SensitivityAllowed(q.Channel),
		SessionID:            q.SessionID,
		ProjectID:            q.ProjectID,
		SubjectType:          q.SubjectType,
		SubjectID:            q.SubjectID,
		Kinds:                q.Kinds,
		Limit:                e.cfg.CandidatePoolMax,
	})
	if err != nil {
		return nil, 0, err
	}
	poolSize := len(hits)
	if poolSize == 0 {
		return nil, 0, nil
	}

	maxRank := 0.0
	for _, h := range hits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Chunk.ID
	}
	edits, err := e.store.ApprovedEditsFor(ctx, types.TargetChunk, ids)
	if err != nil {
		return nil, poolSize, err
	}

	readOpts := overlay.ReadOptions{Channel: q.Channel, IncludeQuarantined: q.IncludeQuarantined}
	visible := hits[:0]
	for _, h := range hits {
		c, ok := overlay.ApplyChunk(h.Chunk, edits[h.Chunk.ID], readOpts)
		if !ok {
			continue
		}
		visible = append(visible, store.ChunkHit{Chunk: c, Rank: h.Rank})
	}
	if len(visible) > e.cfg.ScoredMax {
		visible = visible[:e.cfg.ScoredMax]
	}
	if len(visible) == 0 {
		return nil, poolSize, nil
	}

	now := e.now().UTC()
	scored := make([]ScoredChunk, 0, len(visible))
	for _, h := range visible {
		sc := ScoredChunk{
			Chunk:      h.Chunk,
			Recency:    recency(now, h.Chunk.TS),
			Importance: h.Chunk.Importance,
		}
		if maxRank > 0 {
			sc.TextRank = h.Rank / maxRank
		}
		sc.Score = WeightRank*sc.TextRank + WeightRecency*sc.Recency + WeightImportance*sc.Importance
		scored = append(scored, sc)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Chunk.TS.Equal(scored[j].Chunk.TS) {
			return scored[i].Chunk.TS.After(scored[j].Chunk.TS)
		}
		return scored[i].Chunk.ID > scored[j].Chunk.ID
	})

	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored, poolSize, nil
}

// recency is exp(-age/tau), 1.0 for items from the future or right now.
func recency(now, ts time.Time) float64 {
	age := now.Sub(ts)
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-float64(age) / float64(RecencyTau))
}
