// Package changes records detected portfolio changes in the append-only
// change log.
package changes

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/diff"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Provenance describes where a set of changes came from.
type Provenance struct {
	SourceURL     string
	ContentHash   string
	Provider      string
	Extractor     string
	SnapshotURI   string
	DetectedNames int
}

func (p Provenance) metadata() map[string]any {
	m := map[string]any{
		"source_url":     p.SourceURL,
		"content_hash":   p.ContentHash,
		"fetch_provider": p.Provider,
		"extractor":      p.Extractor,
		"detected_names": p.DetectedNames,
	}
	if p.SnapshotURI != "" {
		m["snapshot_uri"] = p.SnapshotURI
	}
	return m
}

// Summary counts what a Persist call did. Inserted counts only new rows;
// rows that already existed are counted in Existing.
type Summary struct {
	Inserted int
	Existing int
}

// Persister writes changes through a ChangeLog.
type Persister struct {
	log    portfolio.ChangeLog
	ids    portfolio.IDGenerator
	clock  portfolio.Clock
	logger *zap.Logger
}

// New builds a Persister.
func New(log portfolio.ChangeLog, ids portfolio.IDGenerator, clock portfolio.Clock, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{log: log, ids: ids, clock: clock, logger: logger.Named("changes")}
}

// Persist inserts one change per new candidate and possible exit, skipping
// any whose (target, normalized name, type) already exists. It never updates
// or deletes rows. The first failing insert aborts and is returned.
func (p *Persister) Persist(ctx context.Context, target portfolio.Target, res diff.Result, prov Provenance) (Summary, error) {
	var sum Summary
	now := p.clock.Now()
	meta := prov.metadata()

	for _, c := range res.New {
		change := portfolio.DetectedChange{
			TargetID:       target.ID,
			Type:           portfolio.ChangeNewCompany,
			RawName:        c.Name,
			NormalizedName: c.Normalized,
			Metadata:       maps.Clone(meta),
			CreatedAt:      now,
		}
		if err := p.insert(ctx, change, &sum); err != nil {
			return sum, err
		}
	}
	for _, e := range res.PossibleExits {
		change := portfolio.DetectedChange{
			TargetID:       target.ID,
			Type:           portfolio.ChangeExit,
			RawName:        e.Entity.Name,
			NormalizedName: e.Normalized,
			EntityID:       e.Entity.ID,
			Metadata:       maps.Clone(meta),
			CreatedAt:      now,
		}
		if err := p.insert(ctx, change, &sum); err != nil {
			return sum, err
		}
	}

	p.logger.Debug("changes persisted",
		zap.String("target_id", target.ID),
		zap.Int("inserted", sum.Inserted),
		zap.Int("existing", sum.Existing),
	)
	return sum, nil
}

func (p *Persister) insert(ctx context.Context, change portfolio.DetectedChange, sum *Summary) error {
	id, err := p.ids.NewID()
	if err != nil {
		return fmt.Errorf("change id: %w", err)
	}
	change.ID = id
	inserted, err := p.log.InsertIfAbsent(ctx, change)
	if err != nil {
		return fmt.Errorf("insert %s change %q: %w", change.Type, change.NormalizedName, err)
	}
	if inserted {
		sum.Inserted++
	} else {
		sum.Existing++
	}
	return nil
}
