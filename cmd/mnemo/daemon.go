package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/service"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the consolidation scheduler until interrupted",
	Long: `Daemon keeps a service instance alive so the scheduler can run the
daily, weekly and monthly consolidation jobs at their UTC slots. The
config file is watched; secret policy changes apply without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		cfg.Consolidation.Enabled = true

		svc, err := service.New(cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		watcher, err := config.NewWatcher(cfgPath, cfg, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.Subscribe(svc.ApplyConfig)

		fmt.Println(okStyle.Render("mnemo daemon running"), mutedStyle.Render("db="+cfg.DBPath))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println(mutedStyle.Render("shutting down"))
		return nil
	},
}
