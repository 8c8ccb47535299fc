// Package overlay applies approved memory edits at read time. Ground truth
// never mutates; every read path routes items through Apply so retractions,
// amendments, quarantines, attenuations and channel blocks take effect
// uniformly.
package overlay

import (
	"mnemo/internal/ingest"
	"mnemo/internal/types"
)

// ReadOptions describes the read context an item is surfaced in.
type ReadOptions struct {
	// Channel is the channel the read executes on.
	Channel types.Channel
	// IncludeQuarantined surfaces quarantined items; only audit-style reads
	// set it.
	IncludeQuarantined bool
}

// ApplyChunk folds the approved edits for a chunk, in approval order, into a
// copy of the chunk. The second return is false when the chunk must not be
// surfaced in this read context. Retraction is terminal: once a retract edit
// is seen, later edits cannot restore visibility.
func ApplyChunk(c *types.Chunk, edits []*types.MemoryEdit, opts ReadOptions) (*types.Chunk, bool) {
	out := *c
	quarantined := false
	for _, e := range edits {
		if e.Status != types.EditApproved {
			continue
		}
		switch e.Op {
		case types.OpRetract:
			return nil, false
		case types.OpAmend:
			if e.Patch == nil {
				continue
			}
			if e.Patch.Text != "" {
				out.Text = e.Patch.Text
				out.TokenEst = ingest.EstimateTokens(e.Patch.Text)
			}
			if e.Patch.Importance != nil {
				out.Importance = clamp01(*e.Patch.Importance)
			}
		case types.OpQuarantine:
			quarantined = true
		case types.OpAttenuate:
			if e.Patch != nil {
				out.Importance = clamp01(out.Importance - e.Patch.ImportanceDelta)
			}
		case types.OpBlock:
			if e.Patch != nil && e.Patch.Channel == opts.Channel {
				return nil, false
			}
		}
	}
	if quarantined && !opts.IncludeQuarantined {
		return nil, false
	}
	return &out, true
}

// ApplyDecision folds approved edits into a copy of the decision. Attenuate
// has no effect on decisions; they carry no importance score.
func ApplyDecision(d *types.Decision, edits []*types.MemoryEdit, opts ReadOptions) (*types.Decision, bool) {
	out := *d
	quarantined := false
	for _, e := range edits {
		if e.Status != types.EditApproved {
			continue
		}
		switch e.Op {
		case types.OpRetract:
			return nil, false
		case types.OpAmend:
			if e.Patch != nil && e.Patch.Text != "" {
				out.Decision = e.Patch.Text
			}
		case types.OpQuarantine:
			quarantined = true
		case types.OpBlock:
			if e.Patch != nil && e.Patch.Channel == opts.Channel {
				return nil, false
			}
		}
	}
	if quarantined && !opts.IncludeQuarantined {
		return nil, false
	}
	return &out, true
}

// ValidateProposal checks that an edit proposal carries the payload its
// operation requires.
func ValidateProposal(e *types.MemoryEdit) error {
	const op = "overlay.ValidateProposal"
	if !e.Target.Type.Valid() {
		return types.Errorf(op, types.KindInvalid, "unknown target type %q", e.Target.Type)
	}
	if e.Target.ID == "" {
		return types.Errorf(op, types.KindInvalid, "target id required")
	}
	if !e.Op.Valid() {
		return types.Errorf(op, types.KindInvalid, "unknown edit op %q", e.Op)
	}
	if e.Reason == "" {
		return types.Errorf(op, types.KindInvalid, "reason required")
	}
	switch e.Op {
	case types.OpAmend:
		if e.Patch == nil || (e.Patch.Text == "" && e.Patch.Importance == nil) {
			return types.Errorf(op, types.KindInvalid, "amend requires text or importance")
		}
		if e.Patch.Importance != nil && (*e.Patch.Importance < 0 || *e.Patch.Importance > 1) {
			return types.Errorf(op, types.KindInvalid, "importance must be in [0,1]")
		}
	case types.OpAttenuate:
		if e.Patch == nil || e.Patch.ImportanceDelta <= 0 {
			return types.Errorf(op, types.KindInvalid, "attenuate requires a positive importance delta")
		}
	case types.OpBlock:
		if e.Patch == nil || !e.Patch.Channel.Valid() {
			return types.Errorf(op, types.KindInvalid, "block requires a valid channel")
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
