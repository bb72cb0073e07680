package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// DefaultQueryTimeout bounds every statement issued by the Store.
const DefaultQueryTimeout = 5 * time.Second

// querier is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements the portfolio persistence interfaces on Postgres.
type Store struct {
	db      querier
	timeout time.Duration
}

// NewStore wraps an open pool. timeout <= 0 uses DefaultQueryTimeout.
func NewStore(db querier, timeout time.Duration) (*Store, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Store{db: db, timeout: timeout}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.Ping(ctx)
}

type targetRow struct {
	ID            string             `db:"id"`
	Name          string             `db:"name"`
	SourceURL     string             `db:"source_url"`
	ETag          string             `db:"etag"`
	LastModified  string             `db:"last_modified"`
	LastScannedAt pgtype.Timestamptz `db:"last_scanned_at"`
	DiffEnabled   bool               `db:"diff_enabled"`
}

const listEligibleSQL = `
SELECT id,
       name,
       source_url,
       COALESCE(etag, '') AS etag,
       COALESCE(last_modified, '') AS last_modified,
       last_scanned_at,
       diff_enabled
FROM portfolio_targets
WHERE diff_enabled
  AND deleted_at IS NULL
  AND COALESCE(source_url, '') <> ''
  AND ($1 = '' OR id = $1)
ORDER BY last_scanned_at ASC NULLS FIRST, id
LIMIT $2`

// ListEligible implements portfolio.TargetRegistry.
func (s *Store) ListEligible(ctx context.Context, filter portfolio.TargetFilter) ([]portfolio.Target, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}
	var rows []targetRow
	if err := pgxscan.Select(ctx, s.db, &rows, listEligibleSQL, filter.ID, limit); err != nil {
		return nil, fmt.Errorf("select eligible targets: %w", err)
	}
	out := make([]portfolio.Target, 0, len(rows))
	for _, r := range rows {
		target := portfolio.Target{
			ID:          r.ID,
			Name:        r.Name,
			SourceURL:   r.SourceURL,
			Validators:  portfolio.ValidatorTokens{ETag: r.ETag, LastModified: r.LastModified},
			DiffEnabled: r.DiffEnabled,
		}
		if r.LastScannedAt.Valid {
			scanned := r.LastScannedAt.Time
			target.LastScannedAt = &scanned
		}
		out = append(out, target)
	}
	return out, nil
}

// UpdateScanState implements portfolio.TargetRegistry. Empty tokens are stored
// as NULL.
func (s *Store) UpdateScanState(ctx context.Context, targetID string, tokens portfolio.ValidatorTokens, scannedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
UPDATE portfolio_targets
SET etag = NULLIF($2, ''), last_modified = NULLIF($3, ''), last_scanned_at = $4
WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, targetID, tokens.ETag, tokens.LastModified, scannedAt); err != nil {
		return fmt.Errorf("update scan state: %w", err)
	}
	return nil
}

// TouchLastScan implements portfolio.TargetRegistry.
func (s *Store) TouchLastScan(ctx context.Context, targetID string, scannedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `UPDATE portfolio_targets SET last_scanned_at = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, targetID, scannedAt); err != nil {
		return fmt.Errorf("touch last scan: %w", err)
	}
	return nil
}

type entityRow struct {
	ID       string `db:"id"`
	TargetID string `db:"target_id"`
	Name     string `db:"name"`
	Status   string `db:"status"`
	Deleted  bool   `db:"deleted"`
}

// ListByTarget implements portfolio.EntityStore. Soft-deleted and exited
// entities are included; the diff decides which ones count.
func (s *Store) ListByTarget(ctx context.Context, targetID string) ([]portfolio.PersistedEntity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
SELECT id, target_id, name, status, deleted_at IS NOT NULL AS deleted
FROM portfolio_entities
WHERE target_id = $1
ORDER BY name`
	var rows []entityRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, targetID); err != nil {
		return nil, fmt.Errorf("select entities: %w", err)
	}
	out := make([]portfolio.PersistedEntity, 0, len(rows))
	for _, r := range rows {
		out = append(out, portfolio.PersistedEntity{
			ID:       r.ID,
			TargetID: r.TargetID,
			Name:     r.Name,
			Status:   portfolio.EntityStatus(r.Status),
			Deleted:  r.Deleted,
		})
	}
	return out, nil
}

// InsertIfAbsent implements portfolio.ChangeLog using the natural-key unique
// index.
func (s *Store) InsertIfAbsent(ctx context.Context, change portfolio.DetectedChange) (bool, error) {
	if change.ID == "" {
		return false, errors.New("change id is required")
	}
	meta, err := marshalMetadata(change.Metadata)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
INSERT INTO detected_changes (
	id, target_id, change_type, raw_name, normalized_name, entity_id, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (target_id, normalized_name, change_type) DO NOTHING`
	tag, err := s.db.Exec(ctx, query,
		change.ID,
		change.TargetID,
		string(change.Type),
		change.RawName,
		change.NormalizedName,
		nullable(change.EntityID),
		meta,
		change.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert detected change: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordUsage implements portfolio.UsageLedger.
func (s *Store) RecordUsage(ctx context.Context, rec portfolio.UsageRecord) error {
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
INSERT INTO usage_logs (service, operation, credits, caller, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query, rec.Service, rec.Operation, rec.Credits, rec.Caller, meta, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// InsertNotification implements portfolio.NotificationStore.
func (s *Store) InsertNotification(ctx context.Context, n portfolio.Notification) error {
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
INSERT INTO notifications (id, type, title, message, metadata, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.Exec(ctx, query, n.ID, n.Type, n.Title, n.Message, meta, n.Read, n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
