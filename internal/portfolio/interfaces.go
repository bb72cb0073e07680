package portfolio

import (
	"context"
	"io"
	"time"
)

// TargetFilter narrows target selection.
type TargetFilter struct {
	ID    string
	Limit int
}

// TargetRegistry lists eligible targets and records scan bookkeeping.
type TargetRegistry interface {
	// ListEligible returns diff-enabled, non-deleted targets with a source URL,
	// oldest last scan first (never-scanned first), capped at filter.Limit.
	ListEligible(ctx context.Context, filter TargetFilter) ([]Target, error)
	// UpdateScanState stores fresh validator tokens and the last scan time.
	UpdateScanState(ctx context.Context, targetID string, tokens ValidatorTokens, scannedAt time.Time) error
	// TouchLastScan updates only the last scan time.
	TouchLastScan(ctx context.Context, targetID string, scannedAt time.Time) error
}

// EntityStore reads the known portfolio companies of a target.
type EntityStore interface {
	ListByTarget(ctx context.Context, targetID string) ([]PersistedEntity, error)
}

// ChangeLog is the append-only detected change log.
type ChangeLog interface {
	// InsertIfAbsent inserts the change unless one with the same natural key
	// exists. It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, change DetectedChange) (bool, error)
}

// UsageLedger records metered provider calls.
type UsageLedger interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// NotificationStore persists aggregate notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) error
}

// PageProvider renders or scrapes a page.
type PageProvider interface {
	Name() string
	Scrape(ctx context.Context, url string) (RawPage, error)
}

// Prober performs a header-only request and returns the response validators.
type Prober interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// ProbeResult is the outcome of a header-only request.
type ProbeResult struct {
	StatusCode int
	Validators ValidatorTokens
}

// Preflighter verifies that required configuration is present.
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// BlobStore writes opaque snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher fans out notification payloads. Implementations encode payload
// as JSON.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock exposes the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
