// Package cmd defines and implements the CLI commands for the portfolio-monitor
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/config"
	"github.com/JakeFAU/portfolio-monitor/internal/logging"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
	"github.com/JakeFAU/portfolio-monitor/internal/server"
)

// sessionKeyType is the key for storing the loaded session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// session carries what PersistentPreRunE prepared for subcommands.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// Application is what the serve and scan commands drive.
type Application interface {
	Scan(ctx context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// loadConfig and newApp are variables so tests can inject fakes.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Application, error) {
		return server.Build(ctx, cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "portfolio-monitor",
		Short: "Detects changes in the published portfolios of investment funds.",
		Long: `portfolio-monitor scans the public portfolio pages of monitored funds,
extracts company names with a chain of language models, and records new
companies and possible exits in an append-only change log.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, sessionKey, &session{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveSession(cmd.Context()); err == nil {
				// stderr/stdout sync errors are expected on some platforms
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	if ctx == nil {
		return nil, errors.New("session not initialized")
	}
	rt, ok := ctx.Value(sessionKey).(*session)
	if !ok || rt == nil {
		return nil, errors.New("session not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "portfolio-monitor: %v\n", err)
		os.Exit(1)
	}
}
