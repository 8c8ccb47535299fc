// Package ingest implements the write-path pipeline: request validation,
// secret scanning and redaction, excerpt truncation with artifact offload,
// and chunk derivation. The pipeline is pure; persistence happens in the
// caller's transaction.
package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

// Request is one event to ingest. TS defaults to the current time when zero.
type Request struct {
	SessionID   string
	ProjectID   string
	SubjectType string
	SubjectID   string
	Channel     types.Channel
	Sensitivity types.Sensitivity
	Tags        []string
	Actor       types.Actor
	Kind        types.EventKind
	TS          time.Time
	Content     types.EventContent
	Refs        []string
}

// Result reports what the pipeline did beyond producing the event.
type Result struct {
	ChunkIDs       []string
	RedactionCount int
	Truncated      bool
	ArtifactID     string
}

// Pipeline holds the ingest configuration. Safe for concurrent use. The
// secret policy is the one live-tunable field, updated through
// SetSecretPolicy when the config file is reloaded.
type Pipeline struct {
	cfg    config.IngestConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	policy config.SecretPolicy
}

// New builds a pipeline from the ingest configuration.
func New(cfg config.IngestConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: logger, now: time.Now, policy: cfg.SecretPolicy}
}

// SetSecretPolicy switches the secret handling policy. Unknown values are
// ignored.
func (p *Pipeline) SetSecretPolicy(policy config.SecretPolicy) {
	if policy != config.SecretRedact && policy != config.SecretReject {
		return
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

func (p *Pipeline) secretPolicy() config.SecretPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Prepare validates the request and produces the event, its derived chunks,
// and the offloaded artifact if the excerpt was truncated. Under the reject
// secret policy a detected secret fails the whole request with a
// sensitive-content error and nothing is produced.
func (p *Pipeline) Prepare(tenantID string, req *Request) (*types.Event, []*types.Chunk, *types.Artifact, Result, error) {
	const op = "ingest.Prepare"
	var res Result

	if err := p.validate(req); err != nil {
		return nil, nil, nil, res, err
	}

	ts := req.TS
	if ts.IsZero() {
		ts = p.now()
	}
	ts = ts.UTC()

	ev := &types.Event{
		ID:          types.NewID(types.PrefixEvent),
		TenantID:    tenantID,
		SessionID:   req.SessionID,
		ProjectID:   req.ProjectID,
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Channel:     req.Channel,
		Sensitivity: req.Sensitivity,
		Tags:        req.Tags,
		Actor:       req.Actor,
		Kind:        req.Kind,
		TS:          ts,
		Content:     req.Content,
		Refs:        req.Refs,
	}

	// Secret-graded events never persist their text; the classification is
	// kept but every text field collapses to the placeholder.
	if req.Sensitivity == types.SensitivitySecret {
		ev.Content = blankContent(req.Content)
		return ev, nil, nil, res, nil
	}

	content, redactions, err := p.applySecretPolicy(req.Content)
	if err != nil {
		return nil, nil, nil, res, types.E(op, types.KindSensitiveContent, err)
	}
	res.RedactionCount = redactions
	if redactions > 0 {
		p.logger.Info("redacted secrets on ingest",
			zap.String("event_id", ev.ID),
			zap.Int("count", redactions))
	}

	var art *types.Artifact
	if tr, ok := content.(types.ToolResultContent); ok {
		if len(tr.ExcerptText) > p.cfg.ExcerptBytesMax {
			full := tr.ExcerptText
			tr.ExcerptText = truncateUTF8(full, p.cfg.ExcerptBytesMax)
			tr.Truncated = true
			art = &types.Artifact{
				ID:        types.NewID(types.PrefixArtifact),
				TenantID:  tenantID,
				EventID:   ev.ID,
				Tool:      tr.Tool,
				MediaType: "text/plain",
				SizeBytes: int64(len(full)),
				Data:      []byte(full),
				CreatedAt: ts,
			}
			tr.ArtifactID = art.ID
			content = tr
			res.Truncated = true
			res.ArtifactID = art.ID
		}
	}
	ev.Content = content

	chunks := p.deriveChunks(ev)
	for _, c := range chunks {
		res.ChunkIDs = append(res.ChunkIDs, c.ID)
	}
	return ev, chunks, art, res, nil
}

func (p *Pipeline) validate(req *Request) error {
	const op = "ingest.Prepare"
	switch {
	case req.SessionID == "":
		return types.Errorf(op, types.KindInvalid, "session_id required")
	case !req.Channel.Valid():
		return types.Errorf(op, types.KindInvalid, "unknown channel %q", req.Channel)
	case !req.Sensitivity.Valid():
		return types.Errorf(op, types.KindInvalid, "unknown sensitivity %q", req.Sensitivity)
	case !req.Actor.Type.Valid():
		return types.Errorf(op, types.KindInvalid, "unknown actor type %q", req.Actor.Type)
	case req.Actor.ID == "":
		return types.Errorf(op, types.KindInvalid, "actor id required")
	case !req.Kind.Valid():
		return types.Errorf(op, types.KindInvalid, "unknown event kind %q", req.Kind)
	}
	if err := types.ValidateContent(req.Kind, req.Content); err != nil {
		return types.E(op, types.KindInvalid, err)
	}
	for _, f := range []string{req.SessionID, req.ProjectID, req.SubjectType, req.SubjectID} {
		if len(f) > p.cfg.MaxFieldLen {
			return types.Errorf(op, types.KindInvalid, "field exceeds %d bytes", p.cfg.MaxFieldLen)
		}
	}
	return nil
}

// applySecretPolicy scans and, depending on policy, redacts or rejects.
func (p *Pipeline) applySecretPolicy(content types.EventContent) (types.EventContent, int, error) {
	if p.secretPolicy() == config.SecretReject {
		if n := ScanSecrets(collectText(content)); n > 0 {
			return nil, 0, fmt.Errorf("secret content detected (%d spans)", n)
		}
		return content, 0, nil
	}
	return redactContent(content)
}

// collectText concatenates the scannable text fields of a content variant.
func collectText(content types.EventContent) string {
	var sb strings.Builder
	for _, f := range textFields(content) {
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func textFields(content types.EventContent) []string {
	switch c := content.(type) {
	case types.MessageContent:
		return []string{c.Text}
	case types.ToolCallContent:
		return []string{c.Args}
	case types.ToolResultContent:
		return []string{c.ExcerptText}
	case types.DecisionContent:
		fields := []string{c.Decision}
		return append(fields, c.Rationale...)
	case types.TaskUpdateContent:
		return []string{c.Task, c.Note}
	case types.ArtifactContent:
		return []string{c.Description}
	}
	return nil
}

// redactContent rewrites every text field of the variant through the secret
// detectors and returns the total replacement count.
func redactContent(content types.EventContent) (types.EventContent, int, error) {
	total := 0
	red := func(s string) string {
		out, n := RedactSecrets(s)
		total += n
		return out
	}
	switch c := content.(type) {
	case types.MessageContent:
		c.Text = red(c.Text)
		return c, total, nil
	case types.ToolCallContent:
		c.Args = red(c.Args)
		return c, total, nil
	case types.ToolResultContent:
		c.ExcerptText = red(c.ExcerptText)
		return c, total, nil
	case types.DecisionContent:
		c.Decision = red(c.Decision)
		rationale := make([]string, len(c.Rationale))
		for i, r := range c.Rationale {
			rationale[i] = red(r)
		}
		c.Rationale = rationale
		return c, total, nil
	case types.TaskUpdateContent:
		c.Task = red(c.Task)
		c.Note = red(c.Note)
		return c, total, nil
	case types.ArtifactContent:
		c.Description = red(c.Description)
		return c, total, nil
	}
	return content, 0, nil
}

// blankContent replaces every text field with the redaction placeholder,
// preserving structural fields like tool names and status.
func blankContent(content types.EventContent) types.EventContent {
	switch c := content.(type) {
	case types.MessageContent:
		c.Text = RedactedPlaceholder
		return c
	case types.ToolCallContent:
		c.Args = RedactedPlaceholder
		return c
	case types.ToolResultContent:
		c.ExcerptText = RedactedPlaceholder
		return c
	case types.DecisionContent:
		c.Decision = RedactedPlaceholder
		c.Rationale = nil
		return c
	case types.TaskUpdateContent:
		c.Note = RedactedPlaceholder
		return c
	case types.ArtifactContent:
		c.Description = RedactedPlaceholder
		return c
	}
	return content
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// deriveChunks produces the indexed text units for an event. Kinds whose
// extracted text is empty produce no chunk.
func (p *Pipeline) deriveChunks(ev *types.Event) []*types.Chunk {
	text := ev.Content.ExtractText()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunk := &types.Chunk{
		ID:          types.NewID(types.PrefixChunk),
		EventID:     ev.ID,
		TenantID:    ev.TenantID,
		SessionID:   ev.SessionID,
		ProjectID:   ev.ProjectID,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Kind:        ev.Kind,
		Text:        text,
		TokenEst:    EstimateTokens(text),
		Importance:  baseImportance(ev),
		Channel:     ev.Channel,
		Sensitivity: ev.Sensitivity,
		Tags:        ev.Tags,
		TS:          ev.TS,
	}
	return []*types.Chunk{chunk}
}

// baseImportance assigns the initial importance by kind, with a floor for
// pinned items:
//
//	decision    1.0
//	pinned tag  0.9
//	task_update 0.8
//	otherwise   0.0
func baseImportance(ev *types.Event) float64 {
	imp := 0.0
	switch ev.Kind {
	case types.KindDecision:
		imp = 1.0
	case types.KindTaskUpdate:
		imp = 0.8
	}
	for _, tag := range ev.Tags {
		if tag == "pinned" && imp < 0.9 {
			imp = 0.9
		}
	}
	return imp
}
