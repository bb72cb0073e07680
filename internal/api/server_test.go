package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/config"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

func TestServer_RunScan_Succeeds(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{resp: portfolio.ScanResponse{
		TargetsScanned:    1,
		TotalNewCompanies: 2,
		CreditsUsed:       3,
		Results:           []portfolio.TargetResult{{TargetID: "t1", TargetName: "Fund One", NewCompanies: 2}},
	}}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	body := []byte(`{"target_id":"t1","batch_limit":5,"force_scan":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []portfolio.ScanRequest{{TargetID: "t1", BatchLimit: 5, ForceScan: true}}, scanner.requests())

	var resp portfolio.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.TargetsScanned)
	require.Equal(t, 2, resp.TotalNewCompanies)
	require.Equal(t, 3, resp.CreditsUsed)
	require.Equal(t, "Fund One", resp.Results[0].TargetName)
}

func TestServer_RunScan_EmptyBodyUsesDefaults(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []portfolio.ScanRequest{{}}, scanner.requests())
}

func TestServer_RunScan_InvalidJSON(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	for _, body := range []string{"{invalid", `{"unknown":true}`} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, scanner.requests())
}

func TestServer_RunScan_ValidationFails(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(`{"batch_limit":-1}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "BatchLimit")
	require.Empty(t, scanner.requests())
}

func TestServer_RunScan_ConfigurationError(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{err: portfolio.ConfigurationError("no extraction provider has credentials")}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "configuration error")
	require.Contains(t, rec.Body.String(), "no extraction provider")
}

func TestServer_RunScan_InterruptedReturnsPartial(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{
		resp: portfolio.ScanResponse{TargetsScanned: 1, Results: []portfolio.TargetResult{{TargetID: "t1"}}},
		err:  fmt.Errorf("scan interrupted: %w", context.Canceled),
	}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body scanErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.Error, "interrupted")
	require.NotNil(t, body.Partial)
	require.Equal(t, 1, body.Partial.TargetsScanned)
}

func TestServer_RunScan_SurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	scanner := &disconnectingScanner{targets: []string{"f1", "f2", "f3"}, disconnect: cancel}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Error(t, ctx.Err())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"f1", "f2", "f3"}, scanner.processed)

	var resp portfolio.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.TargetsScanned)
}

func TestServer_RunScan_OtherError(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{err: errors.New("list eligible targets: connection refused")}
	server := NewServer(scanner, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := NewServer(&fakeScanner{}, fakePinger{}, config.Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	ready.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	notReady := NewServer(&fakeScanner{}, fakePinger{err: errors.New("db down")}, config.Config{}, zap.NewNop())
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# TYPE")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(scanner, nil, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// probes are not behind the API key
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, scanner.requests(), 2)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	newTestServer().Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(panicScanner{}, nil, config.Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeScanner struct {
	mu   sync.Mutex
	reqs []portfolio.ScanRequest
	resp portfolio.ScanResponse
	err  error
}

func (f *fakeScanner) Run(_ context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeScanner) requests() []portfolio.ScanRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portfolio.ScanRequest(nil), f.reqs...)
}

// disconnectingScanner cancels the caller after the first target and stops as
// soon as its context is done, like the orchestrator does between targets.
type disconnectingScanner struct {
	targets    []string
	disconnect context.CancelFunc
	processed  []string
}

func (d *disconnectingScanner) Run(ctx context.Context, _ portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	var resp portfolio.ScanResponse
	for i, id := range d.targets {
		if err := ctx.Err(); err != nil {
			return resp, fmt.Errorf("scan interrupted: %w", err)
		}
		d.processed = append(d.processed, id)
		resp.TargetsScanned++
		resp.Results = append(resp.Results, portfolio.TargetResult{TargetID: id})
		if i == 0 {
			d.disconnect()
		}
	}
	return resp, nil
}

type panicScanner struct{}

func (panicScanner) Run(context.Context, portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	panic("boom")
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error {
	return p.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer() *Server {
	return NewServer(&fakeScanner{}, nil, config.Config{}, zap.NewNop())
}
