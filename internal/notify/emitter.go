// Package notify creates the aggregate notification for a scan batch.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Notification constants.
const (
	Type  = "portfolio_changes"
	Title = "Portfolio changes detected"
)

// Emitter writes one notification per batch that found changes, and
// optionally publishes it. All failures are logged and swallowed.
type Emitter struct {
	store     portfolio.NotificationStore
	publisher portfolio.Publisher
	topic     string
	ids       portfolio.IDGenerator
	clock     portfolio.Clock
	logger    *zap.Logger
}

// Option customizes an Emitter.
type Option func(*Emitter)

// WithPublisher fans the notification out to topic.
func WithPublisher(p portfolio.Publisher, topic string) Option {
	return func(e *Emitter) {
		e.publisher = p
		e.topic = topic
	}
}

// New builds an Emitter.
func New(store portfolio.NotificationStore, ids portfolio.IDGenerator, clock portfolio.Clock, logger *zap.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{store: store, ids: ids, clock: clock, logger: logger.Named("notify")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit records a notification when resp has at least one new company or
// possible exit. It reports whether a notification was stored.
func (e *Emitter) Emit(ctx context.Context, resp portfolio.ScanResponse) bool {
	if resp.TotalChanges() == 0 {
		return false
	}

	id, err := e.ids.NewID()
	if err != nil {
		metrics.ObserveNotificationFailure("id")
		e.logger.Warn("notification id failed", zap.Error(err))
		return false
	}
	n := portfolio.Notification{
		ID:        id,
		Type:      Type,
		Title:     Title,
		Message:   Message(resp),
		Metadata:  metadata(resp),
		CreatedAt: e.clock.Now(),
	}

	stored := true
	if err := e.store.InsertNotification(ctx, n); err != nil {
		stored = false
		metrics.ObserveNotificationFailure("store")
		e.logger.Warn("notification not stored", zap.Error(err))
	}

	if e.publisher != nil && e.topic != "" {
		if _, err := e.publisher.Publish(ctx, e.topic, n); err != nil {
			metrics.ObserveNotificationFailure("publish")
			e.logger.Warn("notification not published", zap.String("topic", e.topic), zap.Error(err))
		}
	}
	return stored
}

// Message renders the human summary of a batch.
func Message(resp portfolio.ScanResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %d %s (%d skipped as unchanged): %d new %s, %d possible %s. Credits used: %d.",
		resp.TargetsScanned, plural(resp.TargetsScanned, "fund", "funds"),
		resp.TargetsSkipped,
		resp.TotalNewCompanies, plural(resp.TotalNewCompanies, "company", "companies"),
		resp.TotalPossibleExits, plural(resp.TotalPossibleExits, "exit", "exits"),
		resp.CreditsUsed,
	)
	for _, r := range resp.Results {
		if r.NewCompanies == 0 && r.PossibleExits == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: +%d / -%d", r.TargetName, r.NewCompanies, r.PossibleExits)
	}
	return b.String()
}

func metadata(resp portfolio.ScanResponse) map[string]any {
	funds := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.NewCompanies == 0 && r.PossibleExits == 0 {
			continue
		}
		funds = append(funds, map[string]any{
			"target_id":      r.TargetID,
			"target_name":    r.TargetName,
			"new_companies":  r.NewCompanies,
			"possible_exits": r.PossibleExits,
		})
	}
	return map[string]any{
		"targets_scanned":      resp.TargetsScanned,
		"targets_skipped":      resp.TargetsSkipped,
		"total_new_companies":  resp.TotalNewCompanies,
		"total_possible_exits": resp.TotalPossibleExits,
		"credits_used":         resp.CreditsUsed,
		"funds":                funds,
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
