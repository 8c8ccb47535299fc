package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	editTargetType string
	editTargetID   string
	editReason     string
	editText       string
	editDelta      float64
	editChannel    string
	editListStatus string
)

var editsCmd = &cobra.Command{
	Use:   "edits",
	Short: "Propose and resolve memory edits",
	Long: `Edits are the governance overlay over immutable memory. Propose files a
retract, amend, quarantine, attenuate or block against a chunk or
decision; retract and block wait for an approver, the rest auto-approve
when the config allows it.`,
}

var editsProposeCmd = &cobra.Command{
	Use:   "propose [op]",
	Short: "File an edit against a chunk or decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		op := types.EditOp(args[0])
		e := &types.MemoryEdit{
			Target: types.TargetRef{Type: types.TargetType(editTargetType), ID: editTargetID},
			Op:     op,
			Reason: editReason,
		}
		switch op {
		case types.OpAmend:
			e.Patch = &types.EditPatch{Text: editText}
		case types.OpAttenuate:
			e.Patch = &types.EditPatch{ImportanceDelta: editDelta}
		case types.OpBlock:
			e.Patch = &types.EditPatch{Channel: types.Channel(editChannel)}
		}

		e, err = svc.ProposeEdit(context.Background(), principal(), e)
		if err != nil {
			return err
		}
		if e.Status == types.EditPending {
			fmt.Println(warnStyle.Render("pending approval"), e.ID)
		} else {
			fmt.Println(okStyle.Render("applied"), e.ID)
		}
		return nil
	},
}

var editsApproveCmd = &cobra.Command{
	Use:   "approve [edit-id]",
	Short: "Approve a pending edit (approver role)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.ApproveEdit(context.Background(), principal(), args[0]); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("approved"), args[0])
		return nil
	},
}

var editsRejectCmd = &cobra.Command{
	Use:   "reject [edit-id]",
	Short: "Reject a pending edit (approver role)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.RejectEdit(context.Background(), principal(), args[0]); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("rejected"), args[0])
		return nil
	},
}

var editsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memory edits",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		edits, err := svc.ListEdits(context.Background(), principal(), store.EditFilter{
			Status: types.EditStatus(editListStatus),
		})
		if err != nil {
			return err
		}
		if len(edits) == 0 {
			fmt.Println(mutedStyle.Render("no edits"))
			return nil
		}
		for _, e := range edits {
			status := mutedStyle.Render(string(e.Status))
			if e.Status == types.EditPending {
				status = warnStyle.Render(string(e.Status))
			}
			fmt.Printf("%s  %s  %s %s/%s  %s\n", e.ID, status,
				labelStyle.Render(string(e.Op)), e.Target.Type, e.Target.ID, e.Reason)
		}
		return nil
	},
}

func init() {
	editsProposeCmd.Flags().StringVar(&editTargetType, "target-type", string(types.TargetChunk), "Target type: chunk, decision")
	editsProposeCmd.Flags().StringVar(&editTargetID, "target", "", "Target id (required)")
	editsProposeCmd.Flags().StringVar(&editReason, "reason", "", "Reason for the edit (required)")
	editsProposeCmd.Flags().StringVar(&editText, "text", "", "Replacement text for amend")
	editsProposeCmd.Flags().Float64Var(&editDelta, "delta", 0, "Importance reduction for attenuate (subtracted, clamped at zero)")
	editsProposeCmd.Flags().StringVar(&editChannel, "channel", "", "Channel to block")
	_ = editsProposeCmd.MarkFlagRequired("target")
	_ = editsProposeCmd.MarkFlagRequired("reason")

	editsListCmd.Flags().StringVar(&editListStatus, "status", "", "Filter by status: pending, approved, rejected")

	editsCmd.AddCommand(editsProposeCmd)
	editsCmd.AddCommand(editsApproveCmd)
	editsCmd.AddCommand(editsRejectCmd)
	editsCmd.AddCommand(editsListCmd)
}
