// Package handoff manages session handoffs and the identity thread built
// from them: creation, wake-up narratives for session start, and identity
// export.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Manager operates on one tenant's handoffs.
type Manager struct {
	store  *store.TenantStore
	logger *zap.Logger
	now    func() time.Time
}

// New builds a manager over a tenant-bound store.
func New(ts *store.TenantStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: ts, logger: logger, now: time.Now}
}

// CreateRequest carries the narrative fields of a new handoff. The four core
// fields are required; story, becoming and with_whom are optional.
type CreateRequest struct {
	SessionID    string
	Experienced  string
	Noticed      string
	Learned      string
	Remember     string
	Story        string
	Becoming     string
	WithWhom     string
	Significance float64
	Tags         []string
}

// Create validates and persists a new handoff at full compression.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*types.Handoff, error) {
	const op = "handoff.Create"
	for name, v := range map[string]string{
		"experienced": req.Experienced,
		"noticed":     req.Noticed,
		"learned":     req.Learned,
		"remember":    req.Remember,
	} {
		if strings.TrimSpace(v) == "" {
			return nil, types.Errorf(op, types.KindInvalid, "%s required", name)
		}
	}
	if req.Significance < 0 || req.Significance > 1 {
		return nil, types.Errorf(op, types.KindInvalid, "significance must be in [0,1]")
	}

	h := &types.Handoff{
		ID:               types.NewID(types.PrefixHandoff),
		TenantID:         m.store.Tenant(),
		SessionID:        req.SessionID,
		Experienced:      req.Experienced,
		Noticed:          req.Noticed,
		Learned:          req.Learned,
		Remember:         req.Remember,
		Story:            req.Story,
		Becoming:         req.Becoming,
		WithWhom:         req.WithWhom,
		Significance:     req.Significance,
		Tags:             req.Tags,
		CompressionLevel: types.CompressionFull,
		CreatedAt:        m.now().UTC(),
	}
	if err := m.store.InsertHandoff(ctx, h); err != nil {
		return nil, err
	}
	m.logger.Info("handoff created",
		zap.String("handoff_id", h.ID),
		zap.String("session_id", h.SessionID))
	return h, nil
}

// GetLast returns the most recent handoff, optionally for one collaborator.
func (m *Manager) GetLast(ctx context.Context, withWhom string) (*types.Handoff, error) {
	return m.store.GetLastHandoff(ctx, withWhom)
}

// WakeUp builds the session-start narrative: the last handoff, the latest
// identity thread entries, the most recent knowledge notes, and counts of
// what memory holds, rendered as markdown. A tenant with no history gets a
// short first-session note. Read-only.
func (m *Manager) WakeUp(ctx context.Context, withWhom string) (string, error) {
	var sb strings.Builder

	last, err := m.store.GetLastHandoff(ctx, "")
	if types.IsKind(err, types.KindNotFound) {
		return "No prior sessions. This is the beginning of the thread.\n", nil
	}
	if err != nil {
		return "", err
	}

	sb.WriteString("# Waking up\n\n")
	if withWhom != "" {
		fmt.Fprintf(&sb, "Working with %s.\n\n", withWhom)
	}
	fmt.Fprintf(&sb, "Last session (%s):\n\n", last.CreatedAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "- Experienced: %s\n", last.Experienced)
	fmt.Fprintf(&sb, "- Noticed: %s\n", last.Noticed)
	fmt.Fprintf(&sb, "- Learned: %s\n", last.Learned)
	fmt.Fprintf(&sb, "- Remember: %s\n", last.Remember)
	if last.Becoming != "" {
		fmt.Fprintf(&sb, "- Becoming: %s\n", last.Becoming)
	}
	if last.Story != "" {
		fmt.Fprintf(&sb, "\n%s\n", last.Story)
	}

	thread, err := m.store.IdentityThread(ctx, 5)
	if err != nil {
		return "", err
	}
	if len(thread) > 0 {
		sb.WriteString("\n## Identity thread\n\n")
		for _, e := range thread {
			fmt.Fprintf(&sb, "- %s: %s\n", e.CreatedAt.Format("2006-01-02"), e.Becoming)
		}
	}

	notes, err := m.store.ListKnowledgeNotes(ctx, 5)
	if err != nil {
		return "", err
	}
	if len(notes) > 0 {
		sb.WriteString("\n## What I know\n\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s: %s\n", n.Title, n.Content)
		}
	}

	activeDecisions, err := m.store.CountDecisions(ctx, types.DecisionActive)
	if err != nil {
		return "", err
	}
	noteCount, err := m.store.CountKnowledgeNotes(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "\nMemory holds %d active decision(s) and %d knowledge note(s).\n",
		activeDecisions, noteCount)
	return sb.String(), nil
}

// IdentityExport is the portable identity document.
type IdentityExport struct {
	TenantID    string                 `json:"tenant_id"`
	ExportedAt  time.Time              `json:"exported_at"`
	Thread      []store.IdentityEntry  `json:"thread"`
	Notes       []*types.KnowledgeNote `json:"notes"`
	LastHandoff *types.Handoff         `json:"last_handoff,omitempty"`
}

// Export gathers the identity thread, knowledge notes and last handoff into
// one document.
func (m *Manager) Export(ctx context.Context) (*IdentityExport, error) {
	thread, err := m.store.IdentityThread(ctx, 0)
	if err != nil {
		return nil, err
	}
	notes, err := m.store.ListKnowledgeNotes(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := &IdentityExport{
		TenantID:   m.store.Tenant(),
		ExportedAt: m.now().UTC(),
		Thread:     thread,
		Notes:      notes,
	}
	last, err := m.store.GetLastHandoff(ctx, "")
	if err == nil {
		out.LastHandoff = last
	} else if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}
	return out, nil
}

// RenderJSON encodes the export as indented JSON.
func (e *IdentityExport) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// RenderMarkdown renders the export as a human-readable document.
func (e *IdentityExport) RenderMarkdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Identity export for %s\n\n", e.TenantID)
	fmt.Fprintf(&sb, "Exported %s\n", e.ExportedAt.Format(time.RFC3339))

	if len(e.Thread) > 0 {
		sb.WriteString("\n## Becoming\n\n")
		for _, t := range e.Thread {
			fmt.Fprintf(&sb, "- %s: %s\n", t.CreatedAt.Format("2006-01-02"), t.Becoming)
		}
	}
	if len(e.Notes) > 0 {
		sb.WriteString("\n## Knowledge\n\n")
		for _, n := range e.Notes {
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", n.Title, n.Content)
		}
	}
	if e.LastHandoff != nil {
		sb.WriteString("## Last handoff\n\n")
		fmt.Fprintf(&sb, "- Learned: %s\n", e.LastHandoff.Learned)
		fmt.Fprintf(&sb, "- Remember: %s\n", e.LastHandoff.Remember)
	}
	return sb.String()
}
