package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeLedger struct {
	records []portfolio.UsageRecord
	err     error
}

func (f *fakeLedger) RecordUsage(_ context.Context, rec portfolio.UsageRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func TestLoggerRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{}
	l := New(ledger, fixedClock{now}, "", zap.NewNop())

	meta := map[string]any{"target_id": "t1"}
	l.Record(context.Background(), "scrapeapi", "scrape", 1, meta)
	meta["target_id"] = "mutated"

	require.Len(t, ledger.records, 1)
	rec := ledger.records[0]
	require.Equal(t, "scrapeapi", rec.Service)
	require.Equal(t, "scrape", rec.Operation)
	require.Equal(t, 1, rec.Credits)
	require.Equal(t, DefaultCaller, rec.Caller)
	require.Equal(t, now, rec.CreatedAt)
	require.Equal(t, "t1", rec.Metadata["target_id"])
}

func TestLoggerSwallowsFailures(t *testing.T) {
	t.Parallel()

	l := New(&fakeLedger{err: errors.New("db down")}, fixedClock{}, "batch", nil)
	require.NotPanics(t, func() {
		l.Record(context.Background(), "openai", "extract", 1, nil)
	})

	var nilLogger *Logger
	require.NotPanics(t, func() {
		nilLogger.Record(context.Background(), "openai", "extract", 1, nil)
	})
}
