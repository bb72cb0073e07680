package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/config"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

type fakeApp struct {
	reqs   []portfolio.ScanRequest
	resp   portfolio.ScanResponse
	err    error
	ran    bool
	closed bool
}

func (f *fakeApp) Scan(_ context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// withFakes swaps the package factories; callers must not run in parallel.
func withFakes(t *testing.T, cfg config.Config, app *fakeApp) {
	t.Helper()
	origLoad, origApp, origMigrate := loadConfig, newApp, migrate
	t.Cleanup(func() {
		loadConfig, newApp, migrate = origLoad, origApp, origMigrate
	})
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	newApp = func(context.Context, config.Config, *zap.Logger) (Application, error) { return app, nil }
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScanCommandPrintsResponse(t *testing.T) {
	app := &fakeApp{resp: portfolio.ScanResponse{
		TargetsScanned:    1,
		TotalNewCompanies: 1,
		Results:           []portfolio.TargetResult{{TargetID: "t1", TargetName: "Fund One", NewCompanies: 1}},
	}}
	withFakes(t, config.Config{}, app)

	out, err := execute("scan", "--target", "t1", "--limit", "3", "--force")
	require.NoError(t, err)
	require.Equal(t, []portfolio.ScanRequest{{TargetID: "t1", BatchLimit: 3, ForceScan: true}}, app.reqs)
	require.True(t, app.closed)

	var resp portfolio.ScanResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, 1, resp.TotalNewCompanies)
	require.Equal(t, "Fund One", resp.Results[0].TargetName)
}

func TestScanCommandConfigurationError(t *testing.T) {
	app := &fakeApp{err: portfolio.ConfigurationError("fetch.scrapeapi.api_key is not set")}
	withFakes(t, config.Config{}, app)

	out, err := execute("scan")
	require.ErrorIs(t, err, portfolio.ErrConfiguration)
	require.NotContains(t, out, "targets_scanned")
	require.True(t, app.closed)
}

func TestScanCommandRejectsNegativeLimit(t *testing.T) {
	app := &fakeApp{}
	withFakes(t, config.Config{}, app)

	_, err := execute("scan", "--limit", "-1")
	require.ErrorContains(t, err, "--limit")
	require.Empty(t, app.reqs)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakes(t, config.Config{}, app)

	_, err := execute("serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestConfigLoadFailureStopsCommand(t *testing.T) {
	app := &fakeApp{}
	withFakes(t, config.Config{}, app)
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("bad yaml") }

	_, err := execute("scan")
	require.ErrorContains(t, err, "bad yaml")
	require.Empty(t, app.reqs)
}

func TestMigrateCommand(t *testing.T) {
	withFakes(t, config.Config{DB: config.DBConfig{Provider: config.DBPostgres, DSN: "postgres://db"}}, &fakeApp{})
	var gotDSN, gotDirection string
	migrate = func(_ context.Context, dsn, direction string, _ *zap.Logger) error {
		gotDSN, gotDirection = dsn, direction
		return nil
	}

	_, err := execute("migrate")
	require.NoError(t, err)
	require.Equal(t, "postgres://db", gotDSN)
	require.Equal(t, "up", gotDirection)

	_, err = execute("migrate", "status")
	require.NoError(t, err)
	require.Equal(t, "status", gotDirection)

	_, err = execute("migrate", "sideways")
	require.Error(t, err)
}

func TestMigrateCommandRequiresPostgres(t *testing.T) {
	withFakes(t, config.Config{DB: config.DBConfig{Provider: config.DBMemory}}, &fakeApp{})
	migrate = func(context.Context, string, string, *zap.Logger) error {
		t.Fatal("migrate should not run for the memory provider")
		return nil
	}

	_, err := execute("migrate", "up")
	require.ErrorContains(t, err, "db.provider")
}
