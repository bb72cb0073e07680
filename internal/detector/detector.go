// Package detector decides whether a source page changed using a header-only
// probe and the stored cache validators.
package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Reason explains a Decision.
type Reason string

// Decision reasons. Only the *Match reasons mean unchanged.
const (
	ReasonETagMatch         Reason = "etag_match"
	ReasonLastModifiedMatch Reason = "last_modified_match"
	ReasonProbeFailed       Reason = "probe_failed"
	ReasonValidatorsMissing Reason = "validators_missing"
	ReasonValidatorsDiffer  Reason = "validators_differ"
)

// Decision is the outcome of a change check.
type Decision struct {
	Changed bool
	Reason  Reason
	Fresh   portfolio.ValidatorTokens
}

// Detector probes a URL and compares validators. It never mutates stored state.
type Detector struct {
	prober portfolio.Prober
	logger *zap.Logger
}

// New builds a Detector over the given prober.
func New(prober portfolio.Prober, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{prober: prober, logger: logger.Named("detector")}
}

// Check reports whether the page at url differs from the stored validators.
// Any probe failure, non-2xx status or missing token fails open as changed.
func (d *Detector) Check(ctx context.Context, url string, stored portfolio.ValidatorTokens) Decision {
	res, err := d.prober.Probe(ctx, url)
	if err != nil {
		d.logger.Warn("validator probe failed", zap.String("url", url), zap.Error(err))
		return d.record(Decision{Changed: true, Reason: ReasonProbeFailed})
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		d.logger.Warn("validator probe non-success status",
			zap.String("url", url), zap.Int("status", res.StatusCode))
		return d.record(Decision{Changed: true, Reason: ReasonProbeFailed})
	}
	return d.record(Compare(stored, res.Validators))
}

// Compare applies the validator decision table.
func Compare(stored, fresh portfolio.ValidatorTokens) Decision {
	etagComparable := stored.ETag != "" && fresh.ETag != ""
	lmComparable := stored.LastModified != "" && fresh.LastModified != ""

	switch {
	case etagComparable && stored.ETag == fresh.ETag:
		return Decision{Changed: false, Reason: ReasonETagMatch, Fresh: fresh}
	case lmComparable && stored.LastModified == fresh.LastModified:
		return Decision{Changed: false, Reason: ReasonLastModifiedMatch, Fresh: fresh}
	case !etagComparable && !lmComparable:
		return Decision{Changed: true, Reason: ReasonValidatorsMissing, Fresh: fresh}
	default:
		return Decision{Changed: true, Reason: ReasonValidatorsDiffer, Fresh: fresh}
	}
}

// Capture returns the current validators of url, or empty tokens if the probe
// fails. It is used to seed tokens when the content provider surfaces none.
func (d *Detector) Capture(ctx context.Context, url string) portfolio.ValidatorTokens {
	res, err := d.prober.Probe(ctx, url)
	if err != nil || res.StatusCode < 200 || res.StatusCode > 299 {
		d.logger.Debug("validator capture skipped", zap.String("url", url), zap.Error(err))
		return portfolio.ValidatorTokens{}
	}
	return res.Validators
}

func (d *Detector) record(dec Decision) Decision {
	metrics.ObserveProbe(string(dec.Reason))
	return dec
}
