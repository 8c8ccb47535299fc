package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/types"
)

func chunk() *types.Chunk {
	return &types.Chunk{
		ID:         "chk_1",
		Text:       "the deploy key lives in vault",
		TokenEst:   8,
		Importance: 0.5,
	}
}

func approved(op types.EditOp, patch *types.EditPatch) *types.MemoryEdit {
	return &types.MemoryEdit{
		ID:     types.NewID(types.PrefixEdit),
		Target: types.TargetRef{Type: types.TargetChunk, ID: "chk_1"},
		Op:     op,
		Patch:  patch,
		Status: types.EditApproved,
	}
}

func TestRetractHidesEverywhere(t *testing.T) {
	_, visible := ApplyChunk(chunk(), []*types.MemoryEdit{approved(types.OpRetract, nil)}, ReadOptions{Channel: types.ChannelPrivate})
	assert.False(t, visible)

	// retraction is terminal: a later amend cannot restore visibility
	edits := []*types.MemoryEdit{
		approved(types.OpRetract, nil),
		approved(types.OpAmend, &types.EditPatch{Text: "restored"}),
	}
	_, visible = ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate, IncludeQuarantined: true})
	assert.False(t, visible)
}

func TestAmendRewritesTextAndTokens(t *testing.T) {
	imp := 0.2
	edits := []*types.MemoryEdit{
		approved(types.OpAmend, &types.EditPatch{Text: "corrected fact", Importance: &imp}),
	}
	out, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible)
	assert.Equal(t, "corrected fact", out.Text)
	assert.Equal(t, 4, out.TokenEst, "token estimate follows the amended text")
	assert.Equal(t, 0.2, out.Importance)
}

func TestQuarantineHiddenUnlessRequested(t *testing.T) {
	edits := []*types.MemoryEdit{approved(types.OpQuarantine, nil)}

	_, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate})
	assert.False(t, visible)

	out, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate, IncludeQuarantined: true})
	require.True(t, visible)
	assert.Equal(t, "chk_1", out.ID)
}

func TestAttenuateReducesImportance(t *testing.T) {
	edits := []*types.MemoryEdit{
		approved(types.OpAttenuate, &types.EditPatch{ImportanceDelta: 0.3}),
	}
	out, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible)
	assert.InDelta(t, 0.2, out.Importance, 1e-9, "delta is subtracted")

	// repeated attenuation clamps at zero, never below
	edits = append(edits, approved(types.OpAttenuate, &types.EditPatch{ImportanceDelta: 0.9}))
	out, visible = ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible, "attenuated items stay visible")
	assert.Equal(t, 0.0, out.Importance)
}

func TestBlockHidesOnlyNamedChannel(t *testing.T) {
	edits := []*types.MemoryEdit{
		approved(types.OpBlock, &types.EditPatch{Channel: types.ChannelPublic}),
	}
	_, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPublic})
	assert.False(t, visible)

	out, visible := ApplyChunk(chunk(), edits, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible)
	assert.NotNil(t, out)
}

func TestPendingEditsHaveNoEffect(t *testing.T) {
	e := approved(types.OpRetract, nil)
	e.Status = types.EditPending
	out, visible := ApplyChunk(chunk(), []*types.MemoryEdit{e}, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible)
	assert.Equal(t, "the deploy key lives in vault", out.Text)
}

func TestApplyNeverMutatesGroundTruth(t *testing.T) {
	c := chunk()
	edits := []*types.MemoryEdit{approved(types.OpAmend, &types.EditPatch{Text: "changed"})}
	_, _ = ApplyChunk(c, edits, ReadOptions{Channel: types.ChannelPrivate})
	assert.Equal(t, "the deploy key lives in vault", c.Text)
}

func TestApplyDecision(t *testing.T) {
	d := &types.Decision{ID: "dec_1", Decision: "use REST", Status: types.DecisionActive}
	edits := []*types.MemoryEdit{
		{
			Target: types.TargetRef{Type: types.TargetDecision, ID: "dec_1"},
			Op:     types.OpAmend,
			Patch:  &types.EditPatch{Text: "use REST for external APIs only"},
			Status: types.EditApproved,
		},
	}
	out, visible := ApplyDecision(d, edits, ReadOptions{Channel: types.ChannelPrivate})
	require.True(t, visible)
	assert.Equal(t, "use REST for external APIs only", out.Decision)
	assert.Equal(t, "use REST", d.Decision)

	edits[0].Op = types.OpRetract
	_, visible = ApplyDecision(d, edits, ReadOptions{Channel: types.ChannelPrivate})
	assert.False(t, visible)
}

func TestValidateProposal(t *testing.T) {
	base := func() *types.MemoryEdit {
		return &types.MemoryEdit{
			Target: types.TargetRef{Type: types.TargetChunk, ID: "chk_1"},
			Op:     types.OpRetract,
			Reason: "mistaken identity",
		}
	}

	assert.NoError(t, ValidateProposal(base()))

	e := base()
	e.Reason = ""
	assert.True(t, types.IsKind(ValidateProposal(e), types.KindInvalid))

	e = base()
	e.Op = types.OpAmend
	assert.True(t, types.IsKind(ValidateProposal(e), types.KindInvalid), "amend needs a patch")
	e.Patch = &types.EditPatch{Text: "fixed"}
	assert.NoError(t, ValidateProposal(e))

	e = base()
	e.Op = types.OpAttenuate
	e.Patch = &types.EditPatch{}
	assert.True(t, types.IsKind(ValidateProposal(e), types.KindInvalid))
	e.Patch.ImportanceDelta = -0.2
	assert.True(t, types.IsKind(ValidateProposal(e), types.KindInvalid), "attenuate only lowers importance")
	e.Patch.ImportanceDelta = 0.2
	assert.NoError(t, ValidateProposal(e))

	e = base()
	e.Op = types.OpBlock
	e.Patch = &types.EditPatch{Channel: "nope"}
	assert.True(t, types.IsKind(ValidateProposal(e), types.KindInvalid))
	e.Patch.Channel = types.ChannelPublic
	assert.NoError(t, ValidateProposal(e))
}
