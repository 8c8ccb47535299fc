package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"mnemo/internal/types"
)

var (
	exportFormat string
	auditLimit   int
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate [daily|weekly|monthly]",
	Short: "Run a consolidation job for the tenant now (admin role)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jt := types.JobType(args[0])
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.RunConsolidation(context.Background(), principal(), jt); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("consolidation complete"), string(jt))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the tenant's identity document",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		export, err := svc.ExportIdentity(context.Background(), principal())
		if err != nil {
			return err
		}
		switch exportFormat {
		case "json":
			raw, err := export.RenderJSON()
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
		case "markdown", "md":
			fmt.Println(export.RenderMarkdown())
		default:
			return fmt.Errorf("unknown format %q, want json or markdown", exportFormat)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table row counts for the tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		stats, err := svc.Stats(context.Background(), principal())
		if err != nil {
			return err
		}
		fmt.Println(headerStyle.Render("tenant " + tenant))
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s %d\n", labelStyle.Render(fmt.Sprintf("%-22s", name)), stats[name])
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the tenant's audit trail (admin role)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		trail, err := svc.AuditLog(context.Background(), principal(), auditLimit)
		if err != nil {
			return err
		}
		if len(trail) == 0 {
			fmt.Println(mutedStyle.Render("audit trail is empty"))
			return nil
		}
		for _, e := range trail {
			outcome := okStyle.Render(e.Outcome)
			if e.Outcome != "success" {
				outcome = warnStyle.Render(e.Outcome)
			}
			fmt.Printf("%s  %-18s %s  %s %s/%s\n",
				mutedStyle.Render(e.TS.Format("2006-01-02 15:04:05")),
				e.EventType, outcome, e.Action, e.ResourceType, e.ResourceID)
			if e.Details != "" {
				fmt.Printf("    %s\n", mutedStyle.Render(e.Details))
			}
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "Output format: json, markdown")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum entries")
}
