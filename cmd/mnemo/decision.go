package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

var (
	decScope        string
	decProject      string
	decRationale    []string
	decConstraints  []string
	decTags         []string
	decSupersedes   string
	decListStatus   string
	decListTag      string
	decListArchived bool
)

var decisionCmd = &cobra.Command{
	Use:   "decision",
	Short: "Record and inspect decision records",
}

var decisionAddCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Record a decision, optionally superseding an earlier one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		d := &types.Decision{
			ProjectID:   decProject,
			Scope:       types.DecisionScope(strings.ToLower(decScope)),
			Decision:    args[0],
			Rationale:   decRationale,
			Constraints: decConstraints,
			Tags:        decTags,
		}
		ctx := context.Background()
		if decSupersedes != "" {
			d, err = svc.SupersedeDecision(ctx, principal(), decSupersedes, d)
		} else {
			d, err = svc.RecordDecision(ctx, principal(), d)
		}
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render("decision recorded"), d.ID)
		return nil
	},
}

var decisionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decisions through the governance overlay",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		decisions, err := svc.ListDecisions(context.Background(), principal(), store.DecisionFilter{
			ProjectID:       decProject,
			Status:          types.DecisionStatus(decListStatus),
			Tag:             decListTag,
			IncludeArchived: decListArchived,
		}, "")
		if err != nil {
			return err
		}
		if len(decisions) == 0 {
			fmt.Println(mutedStyle.Render("no decisions"))
			return nil
		}
		for _, d := range decisions {
			status := string(d.Status)
			if d.Status == types.DecisionActive {
				status = okStyle.Render(status)
			} else {
				status = mutedStyle.Render(status)
			}
			fmt.Printf("%s  %s  %s  %s\n", d.ID, status, labelStyle.Render(string(d.Scope)), d.Decision)
			if d.SupersededBy != "" {
				fmt.Printf("    %s\n", mutedStyle.Render("superseded by "+d.SupersededBy))
			}
		}
		return nil
	},
}

func init() {
	decisionAddCmd.Flags().StringVar(&decScope, "scope", string(types.ScopeProject), "Scope: global, project, user")
	decisionAddCmd.Flags().StringVar(&decProject, "project", "", "Project id")
	decisionAddCmd.Flags().StringSliceVar(&decRationale, "rationale", nil, "Rationale (repeatable)")
	decisionAddCmd.Flags().StringSliceVar(&decConstraints, "constraint", nil, "Constraint this decision imposes (repeatable)")
	decisionAddCmd.Flags().StringSliceVar(&decTags, "tag", nil, "Tags (repeatable)")
	decisionAddCmd.Flags().StringVar(&decSupersedes, "supersedes", "", "Decision id this one replaces")

	decisionListCmd.Flags().StringVar(&decProject, "project", "", "Project id")
	decisionListCmd.Flags().StringVar(&decListStatus, "status", "", "Filter by status")
	decisionListCmd.Flags().StringVar(&decListTag, "tag", "", "Filter by tag")
	decisionListCmd.Flags().BoolVar(&decListArchived, "archived", false, "Include archived decisions")

	decisionCmd.AddCommand(decisionAddCmd)
	decisionCmd.AddCommand(decisionListCmd)
}
