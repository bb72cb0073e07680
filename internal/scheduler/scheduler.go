// Package scheduler triggers scan batches on a fixed interval while the
// service is running.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Runner runs one scan batch.
type Runner interface {
	Run(ctx context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error)
}

type tickerFunc func(d time.Duration) (<-chan time.Time, func())

// Scheduler runs a default batch on every tick. Batches never overlap; a tick
// that arrives while a batch is running is dropped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	request  portfolio.ScanRequest
	logger   *zap.Logger
	ticker   tickerFunc
}

// New constructs a Scheduler. An interval <= 0 disables it.
func New(runner Runner, interval time.Duration, req portfolio.ScanRequest, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		request:  req,
		logger:   logger.Named("scheduler"),
		ticker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Enabled reports whether Run will schedule anything.
func (s *Scheduler) Enabled() bool {
	return s.interval > 0 && s.runner != nil
}

// Run blocks until ctx is done, running one batch per tick.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ticks, stop := s.ticker(s.interval)
	defer stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticks:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	resp, err := s.runner.Run(ctx, s.request)
	fields := []zap.Field{
		zap.Int("targets_scanned", resp.TargetsScanned),
		zap.Int("targets_skipped", resp.TargetsSkipped),
		zap.Int("new_companies", resp.TotalNewCompanies),
		zap.Int("possible_exits", resp.TotalPossibleExits),
		zap.Int("credits_used", resp.CreditsUsed),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err == nil:
		s.logger.Info("scheduled scan completed", fields...)
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduled scan interrupted", append(fields, zap.Error(err))...)
	default:
		s.logger.Error("scheduled scan failed", append(fields, zap.Error(err))...)
	}
}
