package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/handoff"
)

var (
	hoSession      string
	hoExperienced  string
	hoNoticed      string
	hoLearned      string
	hoRemember     string
	hoStory        string
	hoBecoming     string
	hoWithWhom     string
	hoSignificance float64
	hoTags         []string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Write the end-of-session handoff",
	Long: `Handoff records the narrative a session leaves for its successor. The
four required fields carry the meaning: what was experienced, what was
noticed, what was learned, and what the next session must remember.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		h, err := svc.CreateHandoff(context.Background(), principal(), &handoff.CreateRequest{
			SessionID:    hoSession,
			Experienced:  hoExperienced,
			Noticed:      hoNoticed,
			Learned:      hoLearned,
			Remember:     hoRemember,
			Story:        hoStory,
			Becoming:     hoBecoming,
			WithWhom:     hoWithWhom,
			Significance: hoSignificance,
			Tags:         hoTags,
		})
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render("handoff written"), h.ID)
		return nil
	},
}

func init() {
	handoffCmd.Flags().StringVarP(&hoSession, "session", "s", "", "Session id (required)")
	handoffCmd.Flags().StringVar(&hoExperienced, "experienced", "", "What happened this session (required)")
	handoffCmd.Flags().StringVar(&hoNoticed, "noticed", "", "What stood out (required)")
	handoffCmd.Flags().StringVar(&hoLearned, "learned", "", "What was learned (required)")
	handoffCmd.Flags().StringVar(&hoRemember, "remember", "", "What the next session must know (required)")
	handoffCmd.Flags().StringVar(&hoStory, "story", "", "Longer narrative, optional")
	handoffCmd.Flags().StringVar(&hoBecoming, "becoming", "", "Identity direction, optional")
	handoffCmd.Flags().StringVar(&hoWithWhom, "with", "", "Collaborators, optional")
	handoffCmd.Flags().Float64Var(&hoSignificance, "significance", 0, "Significance in [0,1]")
	handoffCmd.Flags().StringSliceVar(&hoTags, "tag", nil, "Theme tags (repeatable)")
	_ = handoffCmd.MarkFlagRequired("session")
}
