package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/acb"
	"mnemo/internal/retrieval"
	"mnemo/internal/types"
)

var (
	searchChannel string
	searchSession string
	searchProject string
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memory chunks with scored retrieval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		hits, err := svc.Search(context.Background(), principal(), retrieval.Query{
			Text:      args[0],
			Channel:   types.Channel(searchChannel),
			SessionID: searchSession,
			ProjectID: searchProject,
			Limit:     searchLimit,
		})
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println(mutedStyle.Render("no results"))
			return nil
		}
		for i, h := range hits {
			fmt.Printf("%s %s %s\n", labelStyle.Render(fmt.Sprintf("%2d.", i+1)), h.Chunk.ID,
				mutedStyle.Render(fmt.Sprintf("score=%.3f text=%.3f recency=%.3f importance=%.2f",
					h.Score, h.TextRank, h.Recency, h.Importance)))
			fmt.Printf("    %s\n", firstLine(h.Chunk.Text))
		}
		return nil
	},
}

var (
	acbSession     string
	acbProject     string
	acbAgent       string
	acbIntent      string
	acbMode        string
	acbChannel     string
	acbQuery       string
	acbMaxTokens   int
	acbCapsules    bool
	acbQuarantined bool
	acbShowPlan    bool
)

var acbCmd = &cobra.Command{
	Use:   "acb",
	Short: "Assemble an Active Context Bundle for a session",
	Long: `Assemble builds the mode-budgeted context bundle a session starts from:
identity, standing rules, task state, relevant decisions, the recent
window, addressed capsules, and (with --query) retrieved evidence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		req := &acb.Request{
			SessionID:          acbSession,
			ProjectID:          acbProject,
			AgentID:            acbAgent,
			Intent:             acbIntent,
			Channel:            types.Channel(acbChannel),
			Query:              acbQuery,
			IncludeCapsules:    acbCapsules,
			IncludeQuarantined: acbQuarantined,
		}
		if acbMode != "" {
			req.Mode = acb.Mode(strings.ToUpper(acbMode))
		}
		if cmd.Flags().Changed("max-tokens") {
			req.MaxTokens = &acbMaxTokens
		}
		b, err := svc.AssembleContext(context.Background(), principal(), req)
		if err != nil {
			return err
		}

		fmt.Println(b.Render())
		if acbShowPlan {
			fmt.Println(headerStyle.Render("--- assembly report ---"))
			fmt.Printf("tokens used: %d / %d\n", b.UsedTokens, b.MaxTokens)
			p := b.Provenance
			fmt.Printf("mode: %s  intent: %q  query terms: %s\n", p.Mode, p.Intent, strings.Join(p.QueryTerms, " "))
			fmt.Printf("candidate pool: %d  scope: %s\n", p.CandidatePoolSize, p.Scope)
			fmt.Printf("scoring: alpha=%.1f beta=%.1f gamma=%.1f\n", p.Scoring.Alpha, p.Scoring.Beta, p.Scoring.Gamma)
			for _, o := range b.Omissions {
				fmt.Println(warnStyle.Render(fmt.Sprintf("omitted %s/%s: %s", o.Section, o.SourceID, o.Reason)))
			}
		}
		return nil
	},
}

var wakeWith string

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Render the session-start narrative from the last handoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		text, err := svc.WakeUp(context.Background(), principal(), wakeWith)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func init() {
	searchCmd.Flags().StringVar(&searchChannel, "channel", string(types.ChannelPrivate), "Read channel")
	searchCmd.Flags().StringVarP(&searchSession, "session", "s", "", "Restrict to one session")
	searchCmd.Flags().StringVar(&searchProject, "project", "", "Restrict to one project")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum results")

	wakeCmd.Flags().StringVar(&wakeWith, "with", "", "Collaborator named in the greeting")

	acbCmd.Flags().StringVarP(&acbSession, "session", "s", "", "Session id (required)")
	acbCmd.Flags().StringVar(&acbProject, "project", "", "Project id")
	acbCmd.Flags().StringVar(&acbAgent, "agent", "", "Agent id, selects addressed capsules")
	acbCmd.Flags().StringVar(&acbIntent, "intent", "", "Free-form intent, mapped to a mode")
	acbCmd.Flags().StringVarP(&acbMode, "mode", "m", "", "Mode override: task, exploration, debugging, learning, general")
	acbCmd.Flags().StringVar(&acbChannel, "channel", string(types.ChannelPrivate), "Read channel")
	acbCmd.Flags().StringVarP(&acbQuery, "query", "q", "", "Retrieval query for the evidence section")
	acbCmd.Flags().IntVar(&acbMaxTokens, "max-tokens", 0, "Token budget (unset = configured default)")
	acbCmd.Flags().BoolVar(&acbCapsules, "include-capsules", false, "Enumerate capsules addressed to --agent")
	acbCmd.Flags().BoolVar(&acbQuarantined, "include-quarantined", false, "Surface quarantined items")
	acbCmd.Flags().BoolVar(&acbShowPlan, "report", false, "Print the assembly report after the bundle")
	_ = acbCmd.MarkFlagRequired("session")
}
