// Package usage meters provider calls. Writes are best-effort: a failed write
// is logged and counted but never returned to the caller.
package usage

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// DefaultCaller tags records written by the scan engine.
const DefaultCaller = "portfolio-scan"

// Logger writes usage records to a ledger.
type Logger struct {
	ledger portfolio.UsageLedger
	clock  portfolio.Clock
	caller string
	logger *zap.Logger
}

// New builds a Logger. A nil ledger discards records after counting credits.
func New(ledger portfolio.UsageLedger, clock portfolio.Clock, caller string, logger *zap.Logger) *Logger {
	if caller == "" {
		caller = DefaultCaller
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{ledger: ledger, clock: clock, caller: caller, logger: logger.Named("usage")}
}

// Record logs one metered call.
func (l *Logger) Record(ctx context.Context, service, operation string, credits int, metadata map[string]any) {
	metrics.ObserveCredits(service, credits)
	if l == nil || l.ledger == nil {
		return
	}
	rec := portfolio.UsageRecord{
		Service:   service,
		Operation: operation,
		Credits:   credits,
		Caller:    l.caller,
		Metadata:  maps.Clone(metadata),
		CreatedAt: l.clock.Now(),
	}
	if err := l.ledger.RecordUsage(ctx, rec); err != nil {
		metrics.ObserveUsageLogFailure()
		l.logger.Warn("usage record not written",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("credits", credits),
			zap.Error(err),
		)
	}
}
