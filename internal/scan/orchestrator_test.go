package scan

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portfolio-monitor/internal/changes"
	"github.com/JakeFAU/portfolio-monitor/internal/detector"
	"github.com/JakeFAU/portfolio-monitor/internal/extract"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return fixedNow }

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return "change-" + string(rune('a'+f.n)), nil
}

type scanState struct {
	tokens    portfolio.ValidatorTokens
	scannedAt time.Time
}

type fakeRegistry struct {
	mu       sync.Mutex
	targets  []portfolio.Target
	listErr  error
	filters  []portfolio.TargetFilter
	updated  map[string]scanState
	touched  map[string]time.Time
	listings int
}

func (f *fakeRegistry) ListEligible(_ context.Context, filter portfolio.TargetFilter) ([]portfolio.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := f.targets
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRegistry) UpdateScanState(_ context.Context, id string, tokens portfolio.ValidatorTokens, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = map[string]scanState{}
	}
	f.updated[id] = scanState{tokens: tokens, scannedAt: at}
	return nil
}

func (f *fakeRegistry) TouchLastScan(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = map[string]time.Time{}
	}
	f.touched[id] = at
	return nil
}

type fakeEntities map[string][]portfolio.PersistedEntity

func (f fakeEntities) ListByTarget(_ context.Context, id string) ([]portfolio.PersistedEntity, error) {
	return f[id], nil
}

type fakeChangeLog struct {
	mu   sync.Mutex
	rows map[portfolio.ChangeKey]portfolio.DetectedChange
}

func (f *fakeChangeLog) InsertIfAbsent(_ context.Context, c portfolio.DetectedChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[portfolio.ChangeKey]portfolio.DetectedChange{}
	}
	if _, ok := f.rows[c.Key()]; ok {
		return false, nil
	}
	f.rows[c.Key()] = c
	return true, nil
}

type fakeFetcher struct {
	pages map[string]portfolio.Page
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, target portfolio.Target) (portfolio.Page, error) {
	f.calls = append(f.calls, target.ID)
	if err := f.errs[target.ID]; err != nil {
		return portfolio.Page{}, &portfolio.FetchError{TargetID: target.ID, URL: target.SourceURL, Err: err}
	}
	return f.pages[target.ID], nil
}

type fakeExtractor struct {
	results map[string]extract.Extraction
}

func (f *fakeExtractor) Extract(_ context.Context, in extract.Input) extract.Extraction {
	return f.results[in.Target.ID]
}

type fakeProber struct {
	res   portfolio.ProbeResult
	err   error
	calls int
}

func (f *fakeProber) Probe(context.Context, string) (portfolio.ProbeResult, error) {
	f.calls++
	return f.res, f.err
}

type countingPacer struct {
	waits int
}

func (p *countingPacer) Wait(ctx context.Context, _ string) error {
	p.waits++
	return ctx.Err()
}

type fakeNotifier struct {
	emitted []portfolio.ScanResponse
}

func (f *fakeNotifier) Emit(_ context.Context, resp portfolio.ScanResponse) bool {
	f.emitted = append(f.emitted, resp)
	return resp.TotalChanges() > 0
}

type fakeBlob struct {
	paths []string
	err   error
}

func (f *fakeBlob) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.paths = append(f.paths, path)
	return "mem://" + path, nil
}

type preflightFunc func(context.Context) error

func (f preflightFunc) Preflight(ctx context.Context) error { return f(ctx) }

type harness struct {
	registry  *fakeRegistry
	entities  fakeEntities
	changeLog *fakeChangeLog
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	prober    *fakeProber
	pacer     *countingPacer
	notifier  *fakeNotifier
	blob      *fakeBlob
	preflight []portfolio.Preflighter
}

func newHarness(targets ...portfolio.Target) *harness {
	return &harness{
		registry:  &fakeRegistry{targets: targets},
		entities:  fakeEntities{},
		changeLog: &fakeChangeLog{},
		fetcher:   &fakeFetcher{pages: map[string]portfolio.Page{}, errs: map[string]error{}},
		extractor: &fakeExtractor{results: map[string]extract.Extraction{}},
		prober:    &fakeProber{res: portfolio.ProbeResult{StatusCode: http.StatusOK}},
		pacer:     &countingPacer{},
		notifier:  &fakeNotifier{},
	}
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	deps := Dependencies{
		Targets:     h.registry,
		Entities:    h.entities,
		Changes:     changes.New(h.changeLog, &fakeIDs{}, fakeClock{}, nil),
		Fetcher:     h.fetcher,
		Extractor:   h.extractor,
		Detector:    detector.New(h.prober, nil),
		Pacer:       h.pacer,
		Notifier:    h.notifier,
		Clock:       fakeClock{},
		Preflighter: h.preflight,
	}
	if h.blob != nil {
		deps.Blob = h.blob
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func target(id, name string) portfolio.Target {
	return portfolio.Target{ID: id, Name: name, SourceURL: "https://" + id + ".example/portfolio", DiffEnabled: true}
}

func page(id string, tokens portfolio.ValidatorTokens) portfolio.Page {
	return portfolio.Page{
		URL:         "https://" + id + ".example/portfolio",
		Text:        "# Portfolio",
		ContentHash: "hash-" + id,
		Validators:  tokens,
		Provider:    "scrapeapi",
	}
}

func extraction(names ...string) extract.Extraction {
	return extract.Extraction{Names: names, Provider: "openai", Credits: 1, Attempts: []extract.Attempt{{Provider: "openai", Outcome: extract.OutcomeOK}}}
}

func TestRunSkipsUnchangedTarget(t *testing.T) {
	t.Parallel()

	fund := target("f1", "Fund One")
	fund.Validators = portfolio.ValidatorTokens{ETag: `"v1"`}
	h := newHarness(fund)
	h.prober.res = portfolio.ProbeResult{StatusCode: http.StatusOK, Validators: portfolio.ValidatorTokens{ETag: `"v1"`}}

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)

	require.Equal(t, 1, resp.TargetsScanned)
	require.Equal(t, 1, resp.TargetsSkipped)
	require.Zero(t, resp.CreditsUsed)
	require.Len(t, resp.Results, 1)
	require.True(t, resp.Results[0].Skipped)
	require.Equal(t, string(detector.ReasonETagMatch), resp.Results[0].SkipReason)

	require.Empty(t, h.fetcher.calls, "unchanged target is never fetched")
	require.Equal(t, fixedNow, h.registry.touched["f1"])
	require.NotContains(t, h.registry.updated, "f1", "validator tokens stay untouched")
	require.Len(t, h.notifier.emitted, 1)
	require.Zero(t, h.notifier.emitted[0].TotalChanges())
}

func TestRunDetectsNewCompaniesAndExits(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"))
	h.entities["f1"] = []portfolio.PersistedEntity{
		{ID: "e1", TargetID: "f1", Name: "Acme SL", Status: portfolio.StatusActive},
		{ID: "e2", TargetID: "f1", Name: "Beta Corp", Status: portfolio.StatusActive},
	}
	fresh := portfolio.ValidatorTokens{ETag: `"v2"`}
	h.fetcher.pages["f1"] = page("f1", fresh)
	h.extractor.results["f1"] = extraction("Acme", "Gamma Inc")
	h.blob = &fakeBlob{}

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)

	require.Equal(t, 1, resp.TotalNewCompanies)
	require.Equal(t, 1, resp.TotalPossibleExits)
	require.Equal(t, 2, resp.CreditsUsed)
	res := resp.Results[0]
	require.Equal(t, []string{"Gamma Inc"}, res.NewCompanyNames)
	require.Equal(t, []string{"Beta Corp"}, res.PossibleExitNames)
	require.Empty(t, res.Error)

	require.Len(t, h.changeLog.rows, 2)
	exit := h.changeLog.rows[portfolio.ChangeKey{TargetID: "f1", NormalizedName: "beta", Type: portfolio.ChangeExit}]
	require.Equal(t, "e2", exit.EntityID)
	require.Equal(t, "mem://snapshots/f1/hash-f1.md", exit.Metadata["snapshot_uri"])

	require.Equal(t, scanState{tokens: fresh, scannedAt: fixedNow}, h.registry.updated["f1"])
	require.Equal(t, []string{"snapshots/f1/hash-f1.md"}, h.blob.paths)
	require.Len(t, h.notifier.emitted, 1)
	require.Equal(t, 2, h.notifier.emitted[0].TotalChanges())
	require.Zero(t, h.prober.calls, "target without stored tokens is not probed")
}

func TestRunForceScanBypassesDetector(t *testing.T) {
	t.Parallel()

	fund := target("f1", "Fund One")
	fund.Validators = portfolio.ValidatorTokens{ETag: `"v1"`}
	h := newHarness(fund)
	h.prober.res = portfolio.ProbeResult{StatusCode: http.StatusOK, Validators: portfolio.ValidatorTokens{ETag: `"v1"`}}
	h.fetcher.pages["f1"] = page("f1", portfolio.ValidatorTokens{ETag: `"v1"`})
	h.extractor.results["f1"] = extraction("Acme")

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{ForceScan: true})
	require.NoError(t, err)
	require.Zero(t, resp.TargetsSkipped)
	require.Equal(t, 1, resp.TotalNewCompanies)
	require.Zero(t, h.prober.calls)
	require.Equal(t, []string{"f1"}, h.fetcher.calls)
}

func TestRunIsolatesTargetFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"), target("f2", "Fund Two"), target("f3", "Fund Three"))
	for _, id := range []string{"f1", "f3"} {
		h.fetcher.pages[id] = page(id, portfolio.ValidatorTokens{ETag: `"` + id + `"`})
		h.extractor.results[id] = extraction("Acme")
	}
	h.fetcher.errs["f2"] = errors.New("upstream 502")

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	require.Equal(t, []string{"f1", "f2", "f3"}, []string{resp.Results[0].TargetID, resp.Results[1].TargetID, resp.Results[2].TargetID})
	require.Empty(t, resp.Results[0].Error)
	require.Contains(t, resp.Results[1].Error, "upstream 502")
	require.True(t, resp.Results[1].Failed())
	require.Empty(t, resp.Results[2].Error)
	require.Equal(t, 1, resp.Results[0].NewCompanies)
	require.Equal(t, 1, resp.Results[2].NewCompanies)
	require.Equal(t, 2, resp.TotalNewCompanies)
	require.Equal(t, 5, resp.CreditsUsed, "two full scans plus one failed fetch")

	require.Equal(t, 2, h.pacer.waits, "pacing runs between targets")
	require.Equal(t, fixedNow, h.registry.touched["f2"])
	require.NotContains(t, h.registry.updated, "f2")
}

func TestRunDegradedExtractionWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"))
	h.entities["f1"] = []portfolio.PersistedEntity{
		{ID: "e1", TargetID: "f1", Name: "Acme SL", Status: portfolio.StatusActive},
	}
	h.fetcher.pages["f1"] = page("f1", portfolio.ValidatorTokens{ETag: `"v2"`})
	h.extractor.results["f1"] = extract.Extraction{
		Degraded: true,
		Credits:  2,
		Attempts: []extract.Attempt{
			{Provider: "anthropic", Outcome: extract.OutcomeError, Err: "timeout"},
			{Provider: "openai", Outcome: extract.OutcomeError, Err: "unparsable"},
		},
	}

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)

	res := resp.Results[0]
	require.Zero(t, res.NewCompanies)
	require.Zero(t, res.PossibleExits)
	require.Empty(t, res.Error)
	require.Contains(t, res.Warnings, WarningExtractionDegraded)
	require.Equal(t, 3, resp.CreditsUsed)
	require.Empty(t, h.changeLog.rows)
	require.NotContains(t, h.registry.updated, "f1", "tokens are kept so the page is retried")
	require.Equal(t, fixedNow, h.registry.touched["f1"])
	require.Zero(t, h.notifier.emitted[0].TotalChanges())
}

func TestRunConfigurationErrorAbortsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"))
	h.preflight = []portfolio.Preflighter{preflightFunc(func(context.Context) error {
		return portfolio.ConfigurationError("scrape api key missing")
	})}

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.Error(t, err)
	require.ErrorIs(t, err, portfolio.ErrConfiguration)
	require.Empty(t, resp.Results)
	require.Zero(t, h.registry.listings)
	require.Empty(t, h.fetcher.calls)
	require.Empty(t, h.notifier.emitted)
}

func TestRunWrapsPlainPreflightErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.preflight = []portfolio.Preflighter{preflightFunc(func(context.Context) error {
		return errors.New("no key")
	})}
	_, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.ErrorIs(t, err, portfolio.ErrConfiguration)
}

func TestRunListErrorIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.registry.listErr = errors.New("db down")
	_, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.ErrorContains(t, err, "db down")
}

func TestRunClampsBatchLimit(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.orchestrator(t, Config{DefaultBatchLimit: 5, MaxBatchLimit: 20})

	for _, req := range []portfolio.ScanRequest{{}, {BatchLimit: 3}, {BatchLimit: 500, TargetID: "f9"}} {
		_, err := o.Run(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, []portfolio.TargetFilter{{Limit: 5}, {Limit: 3}, {ID: "f9", Limit: 20}}, h.registry.filters)
}

func TestRunCapturesValidatorsWhenPageHasNone(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"))
	h.fetcher.pages["f1"] = page("f1", portfolio.ValidatorTokens{})
	h.extractor.results["f1"] = extraction("Acme")
	captured := portfolio.ValidatorTokens{LastModified: "Mon, 01 Jan 2024 00:00:00 GMT"}
	h.prober.res = portfolio.ProbeResult{StatusCode: http.StatusOK, Validators: captured}

	_, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, h.prober.calls)
	require.Equal(t, captured, h.registry.updated["f1"].tokens)
}

func TestRunSnapshotFailureIsAWarning(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"))
	h.fetcher.pages["f1"] = page("f1", portfolio.ValidatorTokens{ETag: `"v"`})
	h.extractor.results["f1"] = extraction("Acme")
	h.blob = &fakeBlob{err: errors.New("bucket missing")}

	resp, err := h.orchestrator(t, Config{}).Run(context.Background(), portfolio.ScanRequest{})
	require.NoError(t, err)
	require.Contains(t, resp.Results[0].Warnings, WarningSnapshotFailed)
	require.Equal(t, 1, resp.TotalNewCompanies)
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(target("f1", "Fund One"), target("f2", "Fund Two"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.orchestrator(t, Config{}).Run(ctx, portfolio.ScanRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, resp.Results)
	require.Empty(t, h.fetcher.calls)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{})
	require.ErrorContains(t, err, "target registry")
}
