package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pinga/service/config"
	"pinga/service/server"
	"pinga/service/util"
)

var (
	version = "dev"
	commit  = "unknown"
)

func init() {
	_ = godotenv.Load() //nolint:errcheck // .env is optional
}

var rootCmd = &cobra.Command{
	Use:           "pinga",
	Short:         "Webhook notification hub with chat-driven agent commands",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pinga server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and show enabled integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "port:       %d\n", cfg.Port)
		fmt.Fprintf(out, "storage:    %s\n", cfg.StoragePath)
		fmt.Fprintf(out, "task store: %s\n", cfg.TaskStore)
		fmt.Fprintf(out, "telegram:   %t\n", cfg.IsTelegramEnabled())
		fmt.Fprintf(out, "slack:      %t\n", cfg.IsSlackEnabled())
		fmt.Fprintf(out, "email:      %t\n", cfg.IsEmailEnabled())
		fmt.Fprintf(out, "devflow:    %t\n", cfg.IsDevflowEnabled())
		fmt.Fprintf(out, "ai summary: %t\n", cfg.IsSummaryEnabled())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Pinga %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		util.NewLogger(false).Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.NewLogger(cfg.VerboseLogging)
	logger.Info("Starting Pinga", "version", version)

	srv, err := server.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
