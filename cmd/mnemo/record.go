package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/ingest"
	"mnemo/internal/types"
)

var (
	recordSession     string
	recordProject     string
	recordChannel     string
	recordSensitivity string
	recordKind        string
	recordActorType   string
	recordActorID     string
	recordTags        []string
	recordTask        string
	recordStatus      string
)

var recordCmd = &cobra.Command{
	Use:   "record [text]",
	Short: "Record an event into the memory stream",
	Long: `Record appends one immutable event to a session. Text is taken from the
argument or, when absent, from stdin-less flags. Message, decision and
task_update kinds are supported from the command line; tool traffic comes
in through the API.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		req := &ingest.Request{
			SessionID:   recordSession,
			ProjectID:   recordProject,
			Channel:     types.Channel(recordChannel),
			Sensitivity: types.Sensitivity(recordSensitivity),
			Tags:        recordTags,
			Actor:       types.Actor{Type: types.ActorType(recordActorType), ID: recordActorID},
			Kind:        types.EventKind(recordKind),
		}
		text := args[0]
		switch req.Kind {
		case types.KindMessage:
			req.Content = types.MessageContent{Text: text}
		case types.KindDecision:
			req.Content = types.DecisionContent{Decision: text}
		case types.KindTaskUpdate:
			req.Content = types.TaskUpdateContent{Task: recordTask, Status: recordStatus, Note: text}
		default:
			return fmt.Errorf("kind %q is not recordable from the CLI", recordKind)
		}

		ev, res, err := svc.RecordEvent(context.Background(), principal(), req)
		if err != nil {
			return err
		}

		fmt.Println(okStyle.Render("recorded"), ev.ID,
			mutedStyle.Render(fmt.Sprintf("seq=%d session=%s", ev.Seq, ev.SessionID)))
		if res.RedactionCount > 0 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("redacted %d secret span(s)", res.RedactionCount)))
		}
		if res.Truncated {
			fmt.Println(warnStyle.Render("excerpt truncated, full payload in " + res.ArtifactID))
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordSession, "session", "s", "", "Session id (required)")
	recordCmd.Flags().StringVar(&recordProject, "project", "", "Project id")
	recordCmd.Flags().StringVar(&recordChannel, "channel", string(types.ChannelPrivate), "Channel: private, team, public, agent")
	recordCmd.Flags().StringVar(&recordSensitivity, "sensitivity", string(types.SensitivityNone), "Sensitivity: none, low, high, secret")
	recordCmd.Flags().StringVar(&recordKind, "kind", string(types.KindMessage), "Event kind: message, decision, task_update")
	recordCmd.Flags().StringVar(&recordActorType, "actor-type", string(types.ActorHuman), "Actor type: human, agent, tool")
	recordCmd.Flags().StringVar(&recordActorID, "actor", "", "Actor id (defaults to --user)")
	recordCmd.Flags().StringSliceVar(&recordTags, "tag", nil, "Tags (repeatable)")
	recordCmd.Flags().StringVar(&recordTask, "task", "", "Task name for task_update events")
	recordCmd.Flags().StringVar(&recordStatus, "task-status", "", "Task status for task_update events")
	_ = recordCmd.MarkFlagRequired("session")

	recordCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if recordActorID == "" {
			recordActorID = userID
		}
		recordKind = strings.ToLower(recordKind)
	}
}
