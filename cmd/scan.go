package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// newScanCmd runs a single batch and prints the response as JSON.
func newScanCmd() *cobra.Command {
	var req portfolio.ScanRequest
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan batch and print the result",
		Long: `Scans eligible targets (oldest scan first) once, records detected
changes, and prints the batch response as JSON. A configuration error aborts
before any target is touched and exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.BatchLimit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
					rt.logger.Warn("close application failed", zap.Error(cerr))
				}
			}()

			resp, runErr := app.Scan(ctx, req)
			if runErr == nil || len(resp.Results) > 0 {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp); err != nil {
					return fmt.Errorf("encode response: %w", err)
				}
			}
			if runErr != nil {
				return fmt.Errorf("scan: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TargetID, "target", "", "scan only this target id")
	cmd.Flags().IntVar(&req.BatchLimit, "limit", 0, "maximum targets to scan (0 uses scan.default_batch_limit)")
	cmd.Flags().BoolVar(&req.ForceScan, "force", false, "skip the unchanged-page check")
	return cmd
}
