// Package extract turns page text into candidate portfolio company names by
// walking an ordered chain of extraction strategies.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/normalize"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
	"github.com/JakeFAU/portfolio-monitor/internal/usage"
)

// DefaultMaxChars caps the text sent to a strategy, in runes.
const DefaultMaxChars = 15000

// CreditsPerAttempt is charged for every strategy call that is attempted.
const CreditsPerAttempt = 1

// Attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
)

// Strategy is one extraction provider in the chain.
type Strategy interface {
	// Name identifies the provider in usage records.
	Name() string
	// Available returns nil when the strategy is configured to run.
	Available() error
	// Extract returns company names found in text. contextName is the fund's
	// display name, which must not be returned.
	Extract(ctx context.Context, contextName, text string) ([]string, error)
}

// Input is a single extraction request.
type Input struct {
	Target portfolio.Target
	Text   string
}

// Attempt records how one strategy fared.
type Attempt struct {
	Provider string
	Outcome  string
	Err      string
}

// Extraction is the chain result. Degraded means no strategy produced a list;
// Names is then empty and must not be diffed.
type Extraction struct {
	Names     []string
	Provider  string
	Attempts  []Attempt
	Credits   int
	Degraded  bool
	Truncated bool
}

// Chain runs strategies in order until one returns a non-empty list.
type Chain struct {
	strategies []Strategy
	usage      *usage.Logger
	maxChars   int
	logger     *zap.Logger
}

// NewChain builds a Chain. maxChars <= 0 uses DefaultMaxChars.
func NewChain(strategies []Strategy, meter *usage.Logger, maxChars int, logger *zap.Logger) *Chain {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		strategies: strategies,
		usage:      meter,
		maxChars:   maxChars,
		logger:     logger.Named("extract"),
	}
}

// Preflight fails when no strategy in the chain is available.
func (c *Chain) Preflight(context.Context) error {
	var reasons []string
	for _, s := range c.strategies {
		err := s.Available()
		if err == nil {
			return nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", s.Name(), err))
	}
	if len(reasons) == 0 {
		return portfolio.ConfigurationError("no extraction strategies configured")
	}
	return portfolio.ConfigurationError("no extraction strategy available (%s)", strings.Join(reasons, "; "))
}

// Extract walks the chain. An error, an unparsable response or an empty list
// moves on to the next strategy. When every strategy fails the result is
// empty and Degraded.
func (c *Chain) Extract(ctx context.Context, in Input) Extraction {
	text, truncated := truncateRunes(in.Text, c.maxChars)
	res := Extraction{Truncated: truncated}
	log := c.logger.With(zap.String("target_id", in.Target.ID))

	for _, s := range c.strategies {
		name := s.Name()
		if err := s.Available(); err != nil {
			res.Attempts = append(res.Attempts, Attempt{Provider: name, Outcome: OutcomeUnavailable, Err: err.Error()})
			metrics.ObserveExtraction(name, OutcomeUnavailable)
			log.Debug("extraction strategy unavailable", zap.String("provider", name), zap.Error(err))
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Attempts = append(res.Attempts, Attempt{Provider: name, Outcome: OutcomeError, Err: err.Error()})
			break
		}

		names, err := s.Extract(ctx, in.Target.Name, text)
		names = filterNames(names, in.Target.Name)
		outcome := OutcomeOK
		switch {
		case err != nil:
			outcome = OutcomeError
		case len(names) == 0:
			outcome = OutcomeEmpty
		}

		res.Credits += CreditsPerAttempt
		c.usage.Record(ctx, name, "extract", CreditsPerAttempt, map[string]any{
			"target_id": in.Target.ID,
			"outcome":   outcome,
			"names":     len(names),
		})
		metrics.ObserveExtraction(name, outcome)

		attempt := Attempt{Provider: name, Outcome: outcome}
		if err != nil {
			attempt.Err = err.Error()
			level := log.Warn
			if errors.Is(err, ErrUnparsable) {
				level = log.Info
			}
			level("extraction attempt failed", zap.String("provider", name), zap.Error(err))
		}
		res.Attempts = append(res.Attempts, attempt)

		if outcome == OutcomeOK {
			res.Names = names
			res.Provider = name
			return res
		}
	}

	res.Degraded = true
	log.Warn("extraction degraded: no strategy produced names", zap.Int("attempts", len(res.Attempts)))
	return res
}

// filterNames trims, drops the fund's own name and removes normalized duplicates.
func filterNames(names []string, fundName string) []string {
	if len(names) == 0 {
		return nil
	}
	self := normalize.Name(fundName)
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := normalize.Name(n)
		if key == "" || (self != "" && key == self) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

func truncateRunes(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
