package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mnemo/internal/types"
)

// capsuleManifest is the YAML shape accepted by capsule publish.
type capsuleManifest struct {
	Author      string             `yaml:"author"`
	Audience    []string           `yaml:"audience"`
	SubjectType string             `yaml:"subject_type"`
	SubjectID   string             `yaml:"subject_id"`
	Scope       string             `yaml:"scope"`
	Items       types.CapsuleItems `yaml:"items"`
	Risks       []string           `yaml:"risks"`
	TTLDays     int                `yaml:"ttl_days"`
}

var (
	capsuleFile  string
	capsuleAgent string
)

var capsuleCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Publish, revoke and list context capsules",
	Long: `Capsules are curated, audience-restricted memory packages one agent
shares with others for a bounded time. Publish reads a YAML manifest:

    author: agent-a
    audience: [agent-b, agent-c]
    subject_type: project
    subject_id: proj_billing
    ttl_days: 7
    items:
      chunk_ids: [chk_abc]
      decision_ids: [dec_xyz]
    risks:
      - partial view of the migration state`,
}

var capsulePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a capsule from a YAML manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(capsuleFile)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		var m capsuleManifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		c, err := svc.PublishCapsule(context.Background(), principal(), &types.Capsule{
			AuthorAgentID:    m.Author,
			AudienceAgentIDs: m.Audience,
			SubjectType:      m.SubjectType,
			SubjectID:        m.SubjectID,
			Scope:            m.Scope,
			Items:            m.Items,
			Risks:            m.Risks,
			TTLDays:          m.TTLDays,
		})
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render("published"), c.ID,
			mutedStyle.Render("expires "+c.ExpiresAt.Format("2006-01-02 15:04 MST")))
		return nil
	},
}

var capsuleRevokeCmd = &cobra.Command{
	Use:   "revoke [capsule-id]",
	Short: "Revoke an active capsule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.RevokeCapsule(context.Background(), principal(), args[0]); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("revoked"), args[0])
		return nil
	},
}

var capsuleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active capsules addressed to an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		capsules, err := svc.ListCapsulesFor(context.Background(), principal(), capsuleAgent)
		if err != nil {
			return err
		}
		if len(capsules) == 0 {
			fmt.Println(mutedStyle.Render("no active capsules"))
			return nil
		}
		for _, c := range capsules {
			items := len(c.Items.ChunkIDs) + len(c.Items.DecisionIDs) + len(c.Items.ArtifactIDs)
			fmt.Printf("%s  from %s  %s\n", c.ID, labelStyle.Render(c.AuthorAgentID),
				mutedStyle.Render(fmt.Sprintf("%d item(s), expires %s", items, c.ExpiresAt.Format("2006-01-02"))))
			for _, r := range c.Risks {
				fmt.Printf("    %s\n", warnStyle.Render("risk: "+r))
			}
		}
		return nil
	},
}

func init() {
	capsulePublishCmd.Flags().StringVarP(&capsuleFile, "file", "f", "", "Manifest path (required)")
	_ = capsulePublishCmd.MarkFlagRequired("file")

	capsuleListCmd.Flags().StringVar(&capsuleAgent, "agent", "", "Audience agent id (required)")
	_ = capsuleListCmd.MarkFlagRequired("agent")

	capsuleCmd.AddCommand(capsulePublishCmd)
	capsuleCmd.AddCommand(capsuleRevokeCmd)
	capsuleCmd.AddCommand(capsuleListCmd)
}
