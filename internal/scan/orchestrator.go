// Package scan runs portfolio scan batches: it selects eligible targets and
// drives each one through probe, fetch, extract, diff and persist.
package scan

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/changes"
	"github.com/JakeFAU/portfolio-monitor/internal/content"
	"github.com/JakeFAU/portfolio-monitor/internal/detector"
	"github.com/JakeFAU/portfolio-monitor/internal/diff"
	"github.com/JakeFAU/portfolio-monitor/internal/extract"
	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/pacing"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
	"github.com/JakeFAU/portfolio-monitor/internal/telemetry"
)

// Target outcomes used in metrics and logs.
const (
	OutcomeSkipped  = "skipped"
	OutcomeScanned  = "scanned"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// Warnings attached to target results.
const (
	WarningExtractionDegraded = "extraction_degraded"
	WarningExtractionEmpty    = "extraction_empty"
	WarningTextTruncated      = "text_truncated"
	WarningSnapshotFailed     = "snapshot_failed"
	WarningStateUpdateFailed  = "state_update_failed"
)

// Config tunes batch selection and snapshot archiving.
type Config struct {
	DefaultBatchLimit int
	MaxBatchLimit     int
	ArchivePrefix     string
	ContentType       string
}

func (c Config) withDefaults() Config {
	if c.DefaultBatchLimit <= 0 {
		c.DefaultBatchLimit = 10
	}
	if c.MaxBatchLimit <= 0 {
		c.MaxBatchLimit = 100
	}
	if c.DefaultBatchLimit > c.MaxBatchLimit {
		c.DefaultBatchLimit = c.MaxBatchLimit
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "snapshots"
	}
	if c.ContentType == "" {
		c.ContentType = "text/markdown; charset=utf-8"
	}
	return c
}

// Fetcher retrieves a target's page.
type Fetcher interface {
	Fetch(ctx context.Context, target portfolio.Target) (portfolio.Page, error)
}

// Extractor turns page text into candidate names.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) extract.Extraction
}

// ChangeDetector decides whether a page changed since the last scan.
type ChangeDetector interface {
	Check(ctx context.Context, url string, stored portfolio.ValidatorTokens) detector.Decision
	Capture(ctx context.Context, url string) portfolio.ValidatorTokens
}

// Persister writes detected changes.
type Persister interface {
	Persist(ctx context.Context, target portfolio.Target, res diff.Result, prov changes.Provenance) (changes.Summary, error)
}

// Notifier emits the batch notification.
type Notifier interface {
	Emit(ctx context.Context, resp portfolio.ScanResponse) bool
}

// Dependencies carries every collaborator of the Orchestrator. Blob and
// Notifier are optional.
type Dependencies struct {
	Targets     portfolio.TargetRegistry
	Entities    portfolio.EntityStore
	Changes     Persister
	Fetcher     Fetcher
	Extractor   Extractor
	Detector    ChangeDetector
	Pacer       pacing.Pacer
	Notifier    Notifier
	Blob        portfolio.BlobStore
	Clock       portfolio.Clock
	Preflighter []portfolio.Preflighter
	Logger      *zap.Logger
}

// Orchestrator runs scan batches. It is safe for concurrent use; overlapping
// batches rely on the change log's insert-if-absent semantics.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	tracer trace.Tracer
}

// New validates the dependencies and builds an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Targets == nil:
		return nil, errors.New("scan: target registry is required")
	case deps.Entities == nil:
		return nil, errors.New("scan: entity store is required")
	case deps.Changes == nil:
		return nil, errors.New("scan: change persister is required")
	case deps.Fetcher == nil:
		return nil, errors.New("scan: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("scan: extractor is required")
	case deps.Detector == nil:
		return nil, errors.New("scan: detector is required")
	case deps.Clock == nil:
		return nil, errors.New("scan: clock is required")
	}
	if deps.Pacer == nil {
		deps.Pacer = pacing.None{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: deps.Logger.Named("scan"),
		tracer: telemetry.Tracer(),
	}, nil
}

// Preflight checks provider configuration. A failure wraps
// portfolio.ErrConfiguration.
func (o *Orchestrator) Preflight(ctx context.Context) error {
	for _, p := range o.deps.Preflighter {
		if err := p.Preflight(ctx); err != nil {
			if errors.Is(err, portfolio.ErrConfiguration) {
				return err
			}
			return fmt.Errorf("%w: %w", portfolio.ErrConfiguration, err)
		}
	}
	return nil
}

// Run executes one batch. Only a configuration error, a failure to list
// targets or cancellation of ctx is returned; per-target failures are
// recorded in the response. On cancellation the partial response is returned
// along with the context error.
func (o *Orchestrator) Run(ctx context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	started := time.Now()
	resp := portfolio.ScanResponse{Results: []portfolio.TargetResult{}}

	ctx, span := o.tracer.Start(ctx, "scan.batch", trace.WithAttributes(
		attribute.String("scan.target_id", req.TargetID),
		attribute.Int("scan.batch_limit", req.BatchLimit),
		attribute.Bool("scan.force", req.ForceScan),
	))
	defer span.End()

	if err := o.Preflight(ctx); err != nil {
		o.logger.Error("scan preflight failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "preflight")
		return resp, err
	}

	limit := o.limit(req.BatchLimit)
	targets, err := o.deps.Targets.ListEligible(ctx, portfolio.TargetFilter{ID: req.TargetID, Limit: limit})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list targets")
		return resp, fmt.Errorf("list eligible targets: %w", err)
	}
	o.logger.Info("scan batch started",
		zap.Int("targets", len(targets)),
		zap.Int("limit", limit),
		zap.Bool("force", req.ForceScan),
		zap.String("target_id", req.TargetID),
	)

	var runErr error
	for i, target := range targets {
		if i > 0 {
			if err := o.deps.Pacer.Wait(ctx, target.SourceURL); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		result := o.processTarget(ctx, target, req.ForceScan)
		resp.Results = append(resp.Results, result)
		resp.CreditsUsed += result.CreditsUsed
		if result.Skipped {
			resp.TargetsSkipped++
			continue
		}
		resp.TotalNewCompanies += result.NewCompanies
		resp.TotalPossibleExits += result.PossibleExits
	}
	resp.TargetsScanned = len(resp.Results)

	metrics.ObserveChanges(string(portfolio.ChangeNewCompany), resp.TotalNewCompanies)
	metrics.ObserveChanges(string(portfolio.ChangeExit), resp.TotalPossibleExits)
	metrics.ObserveBatch(time.Since(started))
	span.SetAttributes(
		attribute.Int("scan.targets_scanned", resp.TargetsScanned),
		attribute.Int("scan.targets_skipped", resp.TargetsSkipped),
		attribute.Int("scan.credits_used", resp.CreditsUsed),
	)

	if o.deps.Notifier != nil {
		// Changes found before a cancellation are still reported.
		o.deps.Notifier.Emit(context.WithoutCancel(ctx), resp)
	}

	log := o.logger.With(
		zap.Int("scanned", resp.TargetsScanned),
		zap.Int("skipped", resp.TargetsSkipped),
		zap.Int("new_companies", resp.TotalNewCompanies),
		zap.Int("possible_exits", resp.TotalPossibleExits),
		zap.Int("credits", resp.CreditsUsed),
		zap.Duration("duration", time.Since(started)),
	)
	if runErr != nil {
		log.Warn("scan batch interrupted", zap.Error(runErr))
		span.SetStatus(codes.Error, "interrupted")
		return resp, fmt.Errorf("scan interrupted: %w", runErr)
	}
	log.Info("scan batch finished")
	return resp, nil
}

func (o *Orchestrator) limit(requested int) int {
	if requested <= 0 {
		return o.cfg.DefaultBatchLimit
	}
	if requested > o.cfg.MaxBatchLimit {
		return o.cfg.MaxBatchLimit
	}
	return requested
}

func (o *Orchestrator) processTarget(ctx context.Context, target portfolio.Target, force bool) portfolio.TargetResult {
	ctx, span := o.tracer.Start(ctx, "scan.target", trace.WithAttributes(
		attribute.String("target.id", target.ID),
		attribute.String("target.url", target.SourceURL),
	))
	defer span.End()

	log := o.logger.With(zap.String("target_id", target.ID), zap.String("target", target.Name))
	result := portfolio.TargetResult{TargetID: target.ID, TargetName: target.Name}

	if !force && target.Validators.Present() {
		dec := o.deps.Detector.Check(ctx, target.SourceURL, target.Validators)
		span.SetAttributes(attribute.String("detector.reason", string(dec.Reason)))
		if !dec.Changed {
			result.Skipped = true
			result.SkipReason = string(dec.Reason)
			o.touch(ctx, log, &result, target.ID)
			metrics.ObserveTarget(OutcomeSkipped)
			log.Info("target unchanged, skipped", zap.String("reason", result.SkipReason))
			return result
		}
		log.Debug("target changed", zap.String("reason", string(dec.Reason)))
	}

	outcome, err := o.scanTarget(ctx, log, target, &result)
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "target failed")
		o.touch(ctx, log, &result, target.ID)
		log.Error("target scan failed", zap.Error(err))
	}
	metrics.ObserveTarget(outcome)
	return result
}

// scanTarget runs fetch, extract, diff and persist. Validator tokens are only
// stored once a non-empty extraction was diffed and persisted.
func (o *Orchestrator) scanTarget(
	ctx context.Context,
	log *zap.Logger,
	target portfolio.Target,
	result *portfolio.TargetResult,
) (string, error) {
	page, err := o.deps.Fetcher.Fetch(ctx, target)
	result.CreditsUsed += content.CreditsPerFetch
	if err != nil {
		return OutcomeFailed, err
	}

	snapshotURI := o.archive(ctx, log, target, page, result)

	ext := o.deps.Extractor.Extract(ctx, extract.Input{Target: target, Text: page.Text})
	result.CreditsUsed += ext.Credits
	if ext.Truncated {
		result.Warnings = append(result.Warnings, WarningTextTruncated)
	}
	if len(ext.Names) == 0 {
		warning := WarningExtractionEmpty
		if ext.Degraded {
			warning = WarningExtractionDegraded
		}
		result.Warnings = append(result.Warnings, warning)
		o.touch(ctx, log, result, target.ID)
		log.Warn("extraction produced no names; diff skipped",
			zap.Bool("degraded", ext.Degraded),
			zap.Int("attempts", len(ext.Attempts)),
		)
		return OutcomeDegraded, nil
	}

	persisted, err := o.deps.Entities.ListByTarget(ctx, target.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("list entities: %w", err)
	}
	delta := diff.Compute(ext.Names, persisted)

	sum, err := o.deps.Changes.Persist(ctx, target, delta, changes.Provenance{
		SourceURL:     page.URL,
		ContentHash:   page.ContentHash,
		Provider:      page.Provider,
		Extractor:     ext.Provider,
		SnapshotURI:   snapshotURI,
		DetectedNames: len(ext.Names),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("persist changes: %w", err)
	}

	result.NewCompanies = len(delta.New)
	result.PossibleExits = len(delta.PossibleExits)
	result.NewCompanyNames = delta.NewNames()
	result.PossibleExitNames = delta.ExitNames()

	tokens := page.Validators
	if !tokens.Present() {
		tokens = o.deps.Detector.Capture(ctx, target.SourceURL)
	}
	if err := o.deps.Targets.UpdateScanState(ctx, target.ID, tokens, o.deps.Clock.Now()); err != nil {
		result.Warnings = append(result.Warnings, WarningStateUpdateFailed)
		log.Warn("update scan state failed", zap.Error(err))
	}

	log.Info("target scanned",
		zap.Int("extracted", len(ext.Names)),
		zap.String("extractor", ext.Provider),
		zap.Int("new_companies", result.NewCompanies),
		zap.Int("possible_exits", result.PossibleExits),
		zap.Int("inserted", sum.Inserted),
		zap.Int("existing", sum.Existing),
	)
	return OutcomeScanned, nil
}

// archive stores the fetched text when a blob store is configured. Failures
// only add a warning.
func (o *Orchestrator) archive(
	ctx context.Context,
	log *zap.Logger,
	target portfolio.Target,
	page portfolio.Page,
	result *portfolio.TargetResult,
) string {
	if o.deps.Blob == nil || page.ContentHash == "" {
		return ""
	}
	uri, err := o.deps.Blob.PutObject(ctx, o.snapshotPath(target.ID, page.ContentHash), o.cfg.ContentType, strings.NewReader(page.Text))
	if err != nil {
		result.Warnings = append(result.Warnings, WarningSnapshotFailed)
		log.Warn("snapshot archive failed", zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) snapshotPath(targetID, hash string) string {
	return path.Join(o.cfg.ArchivePrefix, targetID, hash+".md")
}

func (o *Orchestrator) touch(ctx context.Context, log *zap.Logger, result *portfolio.TargetResult, targetID string) {
	if err := o.deps.Targets.TouchLastScan(ctx, targetID, o.deps.Clock.Now()); err != nil {
		result.Warnings = append(result.Warnings, WarningStateUpdateFailed)
		log.Warn("touch last scan failed", zap.Error(err))
	}
}
