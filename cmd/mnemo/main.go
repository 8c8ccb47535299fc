// mnemo is the CLI front end of the memory service. Every subcommand builds
// a service instance over the configured database and acts as the principal
// given by the --tenant/--user/--role flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mnemo/internal/config"
	"mnemo/internal/service"
	"mnemo/internal/types"
)

var (
	// Global flags
	cfgPath string
	dbPath  string
	tenant  string
	userID  string
	roles   []string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - persistent memory service for AI agents",
	Long: `mnemo stores agent interaction history as immutable events, derives a
searchable memory from them, and assembles token-budgeted context bundles
for new sessions. Governance (memory edits, capsules, audit) and scheduled
consolidation run on top of the same store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// principal builds the acting principal from the global flags.
func principal() types.Principal {
	return types.Principal{
		TenantID: tenant,
		UserID:   userID,
		Roles:    roles,
	}
}

// openService loads config and wires a service instance. The CLI disables
// the background scheduler; consolidation runs via the consolidate command.
func openService() (*service.Service, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	cfg.Consolidation.Enabled = false
	return service.New(cfg, logger)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "mnemo.json", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "default", "Tenant to act in")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "Acting user id")
	rootCmd.PersistentFlags().StringSliceVar(&roles, "role", nil, "Roles of the acting user (admin, approver)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(acbCmd)
	rootCmd.AddCommand(wakeCmd)
	rootCmd.AddCommand(handoffCmd)
	rootCmd.AddCommand(decisionCmd)
	rootCmd.AddCommand(editsCmd)
	rootCmd.AddCommand(capsuleCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(daemonCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
