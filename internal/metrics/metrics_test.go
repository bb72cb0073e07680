package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveScanCounters(t *testing.T) {
	before := testutil.ToFloat64(scanTargetsTotal.WithLabelValues("skipped"))
	ObserveTarget("skipped")
	if got := testutil.ToFloat64(scanTargetsTotal.WithLabelValues("skipped")); got != before+1 {
		t.Errorf("expected skipped targets to grow by 1, got %f -> %f", before, got)
	}

	beforeNew := testutil.ToFloat64(scanChangesTotal.WithLabelValues("new_company"))
	ObserveChanges("new_company", 3)
	ObserveChanges("new_company", 0)
	if got := testutil.ToFloat64(scanChangesTotal.WithLabelValues("new_company")); got != beforeNew+3 {
		t.Errorf("expected new_company changes to grow by 3, got %f -> %f", beforeNew, got)
	}

	beforeCredits := testutil.ToFloat64(creditsTotal.WithLabelValues("scrapeapi"))
	ObserveCredits("scrapeapi", 1)
	if got := testutil.ToFloat64(creditsTotal.WithLabelValues("scrapeapi")); got != beforeCredits+1 {
		t.Errorf("expected credits to grow by 1, got %f -> %f", beforeCredits, got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://fund.example", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
