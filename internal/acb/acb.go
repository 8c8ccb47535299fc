// Package acb assembles Active Context Bundles: the mode-aware, token-
// budgeted working memory handed to an agent at the start of a turn. A
// bundle is built from fixed sections in a fixed order; every included item
// carries provenance back to the record it came from, and every exclusion is
// reported with a reason.
package acb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/config"
	"mnemo/internal/ingest"
	"mnemo/internal/overlay"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Omission reasons.
const (
	// ReasonOversize marks an item larger than its section's whole budget.
	ReasonOversize = "oversize"
	// ReasonBudgetExhausted marks an item dropped because earlier items used
	// the section or total budget up.
	ReasonBudgetExhausted = "budget_exhausted"
	// ReasonEvictedForSticky marks an item removed after packing to make room
	// for a sticky one.
	ReasonEvictedForSticky = "evicted_for_sticky"
	// ReasonBudgetExhaustedSticky marks a sticky item that could not be
	// placed even after evicting every non-sticky candidate.
	ReasonBudgetExhaustedSticky = "budget_exhausted_sticky"
)

// Request describes one bundle to assemble. Mode wins over Intent when both
// are set; an empty Mode is detected from Intent. MaxTokens nil means the
// configured default budget; an explicit zero is honored and yields an empty
// bundle.
type Request struct {
	SessionID          string
	ProjectID          string
	AgentID            string
	Intent             string
	Mode               Mode
	Channel            types.Channel
	Query              string
	SubjectType        string
	SubjectID          string
	IncludeCapsules    bool
	IncludeQuarantined bool
	MaxTokens          *int
}

// Item is one included piece of context with provenance.
type Item struct {
	Section    Section `json:"section"`
	SourceType string  `json:"source_type"`
	SourceID   string  `json:"source_id"`
	Text       string  `json:"text"`
	Tokens     int     `json:"tokens"`
	Score      float64 `json:"score,omitempty"`
	Sticky     bool    `json:"sticky,omitempty"`
}

// Omission records one candidate left out of the bundle and why.
type Omission struct {
	Section  Section `json:"section"`
	SourceID string  `json:"source_id"`
	Reason   string  `json:"reason"`
}

// ScoringWeights echoes the retrieval scoring constants the evidence section
// was ranked with.
type ScoringWeights struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Provenance records how the bundle was assembled: the caller's intent, the
// resolved mode, the query terms, the size of the retrieval candidate pool,
// and the filters and scoring weights in effect.
type Provenance struct {
	Intent             string              `json:"intent,omitempty"`
	Mode               Mode                `json:"mode"`
	QueryTerms         []string            `json:"query_terms,omitempty"`
	CandidatePoolSize  int                 `json:"candidate_pool_size"`
	SensitivityAllowed []types.Sensitivity `json:"sensitivity_allowed"`
	Scope              string              `json:"scope,omitempty"`
	Scoring            ScoringWeights      `json:"scoring"`
}

// Bundle is the assembled context.
type Bundle struct {
	ID         string     `json:"acb_id"`
	TenantID   string     `json:"tenant_id"`
	SessionID  string     `json:"session_id"`
	Mode       Mode       `json:"mode"`
	MaxTokens  int        `json:"budget_tokens"`
	UsedTokens int        `json:"token_used_est"`
	Items      []Item     `json:"items"`
	Omissions  []Omission `json:"omissions,omitempty"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Render returns the bundle as sectioned plain text.
func (b *Bundle) Render() string {
	var sb strings.Builder
	var cur Section
	for _, it := range b.Items {
		if it.Section != cur {
			if cur != "" {
				sb.WriteByte('\n')
			}
			cur = it.Section
			sb.WriteString("## ")
			sb.WriteString(string(cur))
			sb.WriteByte('\n')
		}
		sb.WriteString(it.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Assembler builds bundles for one tenant.
type Assembler struct {
	store     *store.TenantStore
	retrieval *retrieval.Engine
	defBudget int
	logger    *zap.Logger
	now       func() time.Time
}

// New builds an assembler. The retrieval engine must be bound to the same
// tenant store.
func New(ts *store.TenantStore, eng *retrieval.Engine, cfg *config.Config, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		store:     ts,
		retrieval: eng,
		defBudget: cfg.DefaultMaxTokens,
		logger:    logger,
		now:       time.Now,
	}
}

// Assemble builds the bundle for req. Sections are packed in assembly order
// against their fixed per-mode budgets; after packing, sticky items that
// missed are placed by evicting non-sticky items, starting from the last
// section.
func (a *Assembler) Assemble(ctx context.Context, req *Request) (*Bundle, error) {
	const op = "acb.Assemble"
	if req.SessionID == "" {
		return nil, types.Errorf(op, types.KindInvalid, "session_id required")
	}
	if req.Mode == "" {
		req.Mode = DetectMode(req.Intent)
	}
	if !req.Mode.Valid() {
		return nil, types.Errorf(op, types.KindInvalid, "unknown mode %q", req.Mode)
	}
	if req.Channel == "" {
		req.Channel = types.ChannelPrivate
	}
	if !req.Channel.Valid() {
		return nil, types.Errorf(op, types.KindInvalid, "unknown channel %q", req.Channel)
	}
	total := a.defBudget
	if req.MaxTokens != nil {
		if *req.MaxTokens < 0 {
			return nil, types.Errorf(op, types.KindInvalid, "max_tokens must be non-negative")
		}
		total = *req.MaxTokens
	}

	b := &Bundle{
		ID:        types.NewID(types.PrefixACB),
		TenantID:  a.store.Tenant(),
		SessionID: req.SessionID,
		Mode:      req.Mode,
		MaxTokens: total,
		CreatedAt: a.now().UTC(),
		Provenance: Provenance{
			Intent:             req.Intent,
			Mode:               req.Mode,
			QueryTerms:         strings.Fields(req.Query),
			SensitivityAllowed: types.SensitivityAllowed(req.Channel),
			Scope:              req.ProjectID,
			Scoring: ScoringWeights{
				Alpha: retrieval.WeightRank,
				Beta:  retrieval.WeightRecency,
				Gamma: retrieval.WeightImportance,
			},
		},
	}
	if total == 0 {
		// A zero budget is a provenance-only dry run, not an error.
		return b, nil
	}

	candidates, poolSize, err := a.gather(ctx, req)
	if err != nil {
		return nil, err
	}
	b.Provenance.CandidatePoolSize = poolSize

	budgets := sectionBudgets[req.Mode]
	secRem := make(map[Section]int, len(sectionOrder))
	for _, sec := range sectionOrder {
		secRem[sec] = budgets[sec]
	}
	totalRem := total
	packed := make(map[Section][]Item, len(sectionOrder))
	var stickyMisses []Item

	for _, sec := range sectionOrder {
		for _, it := range candidates[sec] {
			switch {
			case it.Tokens > budgets[sec]:
				// Too big for the section even when empty; eviction cannot
				// help a sticky item here either.
				reason := ReasonOversize
				if it.Sticky {
					reason = ReasonBudgetExhaustedSticky
				}
				b.Omissions = append(b.Omissions, Omission{Section: sec, SourceID: it.SourceID, Reason: reason})
			case it.Tokens > secRem[sec] || it.Tokens > totalRem:
				if it.Sticky {
					stickyMisses = append(stickyMisses, it)
					continue
				}
				b.Omissions = append(b.Omissions, Omission{Section: sec, SourceID: it.SourceID, Reason: ReasonBudgetExhausted})
			default:
				packed[sec] = append(packed[sec], it)
				secRem[sec] -= it.Tokens
				totalRem -= it.Tokens
			}
		}
	}

	// evict pops the last non-sticky item from a section.
	evict := func(sec Section) (Item, bool) {
		items := packed[sec]
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].Sticky {
				continue
			}
			victim := items[i]
			packed[sec] = append(items[:i:i], items[i+1:]...)
			return victim, true
		}
		return Item{}, false
	}

	for _, it := range stickyMisses {
		placed := true
		for it.Tokens > secRem[it.Section] || it.Tokens > totalRem {
			var victim Item
			var ok bool
			if it.Tokens > secRem[it.Section] {
				// Only same-section eviction frees section budget.
				victim, ok = evict(it.Section)
			} else {
				for i := len(sectionOrder) - 1; i >= 0 && !ok; i-- {
					victim, ok = evict(sectionOrder[i])
				}
			}
			if !ok {
				b.Omissions = append(b.Omissions, Omission{Section: it.Section, SourceID: it.SourceID, Reason: ReasonBudgetExhaustedSticky})
				placed = false
				break
			}
			secRem[victim.Section] += victim.Tokens
			totalRem += victim.Tokens
			b.Omissions = append(b.Omissions, Omission{Section: victim.Section, SourceID: victim.SourceID, Reason: ReasonEvictedForSticky})
		}
		if placed {
			packed[it.Section] = append(packed[it.Section], it)
			secRem[it.Section] -= it.Tokens
			totalRem -= it.Tokens
		}
	}

	for _, sec := range sectionOrder {
		b.Items = append(b.Items, packed[sec]...)
	}
	b.UsedTokens = total - totalRem
	a.logger.Debug("assembled bundle",
		zap.String("acb_id", b.ID),
		zap.String("mode", string(b.Mode)),
		zap.Int("used_tokens", b.UsedTokens),
		zap.Int("items", len(b.Items)),
		zap.Int("omissions", len(b.Omissions)))
	return b, nil
}

// gather collects ordered candidate items for every section and returns the
// size of the retrieval candidate pool. Sticky candidates are marked here:
// safety-tagged decisions, hard constraints, blocking task updates, and the
// session's most recent correction.
func (a *Assembler) gather(ctx context.Context, req *Request) (map[Section][]Item, int, error) {
	out := make(map[Section][]Item)
	readOpts := overlay.ReadOptions{Channel: req.Channel, IncludeQuarantined: req.IncludeQuarantined}
	allowed := types.SensitivityAllowed(req.Channel)

	// identity: the carry-forward fields of the last handoff plus the top
	// knowledge notes.
	if h, err := a.store.GetLastHandoff(ctx, ""); err == nil {
		text := "Remember: " + h.Remember
		if h.Becoming != "" {
			text += "\nBecoming: " + h.Becoming
		}
		out[SectionIdentity] = append(out[SectionIdentity], Item{
			Section: SectionIdentity, SourceType: "handoff", SourceID: h.ID,
			Text: text, Tokens: ingest.EstimateTokens(text),
		})
	} else if !types.IsKind(err, types.KindNotFound) {
		return nil, 0, err
	}
	notes, err := a.store.ListKnowledgeNotes(ctx, 3)
	if err != nil {
		return nil, 0, err
	}
	for _, n := range notes {
		text := n.Title + ": " + n.Content
		out[SectionIdentity] = append(out[SectionIdentity], Item{
			Section: SectionIdentity, SourceType: "knowledge_note", SourceID: n.ID,
			Text: text, Tokens: ingest.EstimateTokens(text),
		})
	}

	// rules and relevant_decisions both come from active decisions, filtered
	// through the overlay. Decisions with constraints feed the rules section
	// and are sticky, as are safety-tagged decisions wherever they land.
	decisions, err := a.store.ListActiveDecisions(ctx, req.ProjectID, 50)
	if err != nil {
		return nil, 0, err
	}
	decIDs := make([]string, len(decisions))
	for i, d := range decisions {
		decIDs[i] = d.ID
	}
	decEdits, err := a.store.ApprovedEditsFor(ctx, types.TargetDecision, decIDs)
	if err != nil {
		return nil, 0, err
	}
	for _, d := range decisions {
		vd, ok := overlay.ApplyDecision(d, decEdits[d.ID], readOpts)
		if !ok {
			continue
		}
		if len(vd.Constraints) > 0 {
			text := vd.Decision + "\nConstraints: " + strings.Join(vd.Constraints, "; ")
			out[SectionRules] = append(out[SectionRules], Item{
				Section: SectionRules, SourceType: "decision", SourceID: vd.ID,
				Text: text, Tokens: ingest.EstimateTokens(text), Sticky: true,
			})
			continue
		}
		text := vd.Decision
		if len(vd.Rationale) > 0 {
			text += " (" + strings.Join(vd.Rationale, "; ") + ")"
		}
		out[SectionDecisions] = append(out[SectionDecisions], Item{
			Section: SectionDecisions, SourceType: "decision", SourceID: vd.ID,
			Text: text, Tokens: ingest.EstimateTokens(text), Sticky: vd.HasTag("safety"),
		})
	}

	// task_state: latest update per task in this session. A blocking update
	// is sticky.
	tasks, err := a.store.LatestTaskUpdates(ctx, req.SessionID, 20)
	if err != nil {
		return nil, 0, err
	}
	for _, ev := range tasks {
		text := ev.Content.ExtractText()
		sticky := false
		if tu, ok := ev.Content.(types.TaskUpdateContent); ok {
			sticky = tu.Blocking || tu.Status == "blocked"
		}
		out[SectionTaskState] = append(out[SectionTaskState], Item{
			Section: SectionTaskState, SourceType: "event", SourceID: ev.ID,
			Text: text, Tokens: ingest.EstimateTokens(text), Sticky: sticky,
		})
	}

	// recent_window: newest session chunks through the overlay. The newest
	// correction is sticky.
	recent, err := a.store.ListSessionChunks(ctx, req.SessionID, allowed, 30)
	if err != nil {
		return nil, 0, err
	}
	recentIDs := make([]string, len(recent))
	for i, c := range recent {
		recentIDs[i] = c.ID
	}
	chunkEdits, err := a.store.ApprovedEditsFor(ctx, types.TargetChunk, recentIDs)
	if err != nil {
		return nil, 0, err
	}
	correctionSeen := false
	for _, c := range recent {
		vc, ok := overlay.ApplyChunk(c, chunkEdits[c.ID], readOpts)
		if !ok {
			continue
		}
		sticky := false
		if !correctionSeen && vc.HasTag("correction") {
			sticky = true
			correctionSeen = true
		}
		out[SectionRecentWindow] = append(out[SectionRecentWindow], Item{
			Section: SectionRecentWindow, SourceType: "chunk", SourceID: vc.ID,
			Text: vc.Text, Tokens: vc.TokenEst, Sticky: sticky,
		})
	}

	if req.IncludeCapsules && req.AgentID != "" {
		if err := a.gatherCapsules(ctx, req, readOpts, allowed, out); err != nil {
			return nil, 0, err
		}
	}

	// retrieved_evidence: scored search when the request carries a query.
	poolSize := 0
	if req.Query != "" {
		hits, pool, err := a.retrieval.SearchPool(ctx, retrieval.Query{
			Text:               req.Query,
			Channel:            req.Channel,
			ProjectID:          req.ProjectID,
			SubjectType:        req.SubjectType,
			SubjectID:          req.SubjectID,
			IncludeQuarantined: req.IncludeQuarantined,
			Limit:              20,
		})
		if err != nil {
			return nil, 0, err
		}
		poolSize = pool
		for _, h := range hits {
			out[SectionEvidence] = append(out[SectionEvidence], Item{
				Section: SectionEvidence, SourceType: "chunk", SourceID: h.Chunk.ID,
				Text: h.Chunk.Text, Tokens: h.Chunk.TokenEst, Score: h.Score,
			})
		}
	}

	return out, poolSize, nil
}

// gatherCapsules enumerates the manifests of the capsules addressed to the
// requesting agent: one header item per capsule, then its chunks, decisions
// and artifact references, each under the same sensitivity and overlay rules
// as any other read.
func (a *Assembler) gatherCapsules(ctx context.Context, req *Request, readOpts overlay.ReadOptions, allowed []types.Sensitivity, out map[Section][]Item) error {
	capsules, err := a.store.ListActiveFor(ctx, req.AgentID, a.now().UTC(), 10)
	if err != nil {
		return err
	}
	allowedSet := make(map[types.Sensitivity]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	for _, c := range capsules {
		if c.SubjectType != "" && req.SubjectType != "" &&
			(c.SubjectType != req.SubjectType || c.SubjectID != req.SubjectID) {
			continue
		}
		header := fmt.Sprintf("Capsule from %s", c.AuthorAgentID)
		if len(c.Risks) > 0 {
			header += "\nRisks: " + strings.Join(c.Risks, "; ")
		}
		out[SectionCapsules] = append(out[SectionCapsules], Item{
			Section: SectionCapsules, SourceType: "capsule", SourceID: c.ID,
			Text: header, Tokens: ingest.EstimateTokens(header),
		})

		chunks, err := a.store.ListChunksByIDs(ctx, c.Items.ChunkIDs)
		if err != nil {
			return err
		}
		chunkEdits, err := a.store.ApprovedEditsFor(ctx, types.TargetChunk, c.Items.ChunkIDs)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			if !allowedSet[ch.Sensitivity] {
				continue
			}
			vc, ok := overlay.ApplyChunk(ch, chunkEdits[ch.ID], readOpts)
			if !ok {
				continue
			}
			out[SectionCapsules] = append(out[SectionCapsules], Item{
				Section: SectionCapsules, SourceType: "chunk", SourceID: vc.ID,
				Text: vc.Text, Tokens: vc.TokenEst,
			})
		}

		decEdits, err := a.store.ApprovedEditsFor(ctx, types.TargetDecision, c.Items.DecisionIDs)
		if err != nil {
			return err
		}
		for _, id := range c.Items.DecisionIDs {
			d, err := a.store.GetDecision(ctx, id)
			if types.IsKind(err, types.KindNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			vd, ok := overlay.ApplyDecision(d, decEdits[id], readOpts)
			if !ok {
				continue
			}
			out[SectionCapsules] = append(out[SectionCapsules], Item{
				Section: SectionCapsules, SourceType: "decision", SourceID: vd.ID,
				Text: vd.Decision, Tokens: ingest.EstimateTokens(vd.Decision),
			})
		}

		for _, id := range c.Items.ArtifactIDs {
			text := "Artifact " + id
			out[SectionCapsules] = append(out[SectionCapsules], Item{
				Section: SectionCapsules, SourceType: "artifact", SourceID: id,
				Text: text, Tokens: ingest.EstimateTokens(text),
			})
		}
	}
	return nil
}
