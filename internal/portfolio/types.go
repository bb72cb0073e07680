// Package portfolio defines the core types and collaborator interfaces of the
// portfolio change detection engine.
package portfolio

import (
	"net/http"
	"strings"
	"time"
)

// EntityStatus is the lifecycle status of a known portfolio company.
type EntityStatus string

// Entity statuses understood by the engine. Anything other than StatusActive is
// excluded from exit detection.
const (
	StatusActive EntityStatus = "ACTIVE"
	StatusExited EntityStatus = "EXITED"
)

// ChangeType classifies a DetectedChange.
type ChangeType string

// Change types persisted in the change log.
const (
	ChangeNewCompany ChangeType = "new_company"
	ChangeExit       ChangeType = "exit"
)

// ValidatorTokens are the HTTP cache validators stored per target.
type ValidatorTokens struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Present reports whether at least one token is set.
func (v ValidatorTokens) Present() bool {
	return strings.TrimSpace(v.ETag) != "" || strings.TrimSpace(v.LastModified) != ""
}

// ValidatorsFromHeader reads ETag and Last-Modified from response headers.
func ValidatorsFromHeader(h http.Header) ValidatorTokens {
	if h == nil {
		return ValidatorTokens{}
	}
	return ValidatorTokens{
		ETag:         strings.TrimSpace(h.Get("ETag")),
		LastModified: strings.TrimSpace(h.Get("Last-Modified")),
	}
}

// Target is a monitored fund whose published portfolio page is scanned.
type Target struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	SourceURL     string          `json:"source_url"`
	Validators    ValidatorTokens `json:"validators"`
	LastScannedAt *time.Time      `json:"last_scanned_at,omitempty"`
	DiffEnabled   bool            `json:"diff_enabled"`
	Deleted       bool            `json:"deleted"`
}

// Eligible reports whether the target may be selected for a scan.
func (t Target) Eligible() bool {
	return t.DiffEnabled && !t.Deleted && strings.TrimSpace(t.SourceURL) != ""
}

// PersistedEntity is a portfolio company already known for a target.
type PersistedEntity struct {
	ID       string       `json:"id"`
	TargetID string       `json:"target_id"`
	Name     string       `json:"name"`
	Status   EntityStatus `json:"status"`
	Deleted  bool         `json:"deleted"`
}

// DetectedChange records a new or possibly exited company found by a scan.
type DetectedChange struct {
	ID             string         `json:"id"`
	TargetID       string         `json:"target_id"`
	Type           ChangeType     `json:"change_type"`
	RawName        string         `json:"raw_name"`
	NormalizedName string         `json:"normalized_name"`
	EntityID       string         `json:"entity_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ChangeKey is the natural key that makes change inserts idempotent.
type ChangeKey struct {
	TargetID       string
	NormalizedName string
	Type           ChangeType
}

// Key returns the natural key of the change.
func (c DetectedChange) Key() ChangeKey {
	return ChangeKey{TargetID: c.TargetID, NormalizedName: c.NormalizedName, Type: c.Type}
}

// UsageRecord is one metered provider call.
type UsageRecord struct {
	Service   string         `json:"service"`
	Operation string         `json:"operation"`
	Credits   int            `json:"credits"`
	Caller    string         `json:"caller"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification is an aggregate, user-facing summary of a scan batch.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// RawPage is what a page provider returns before text normalization.
type RawPage struct {
	URL        string
	StatusCode int
	Body       string
	Format     PageFormat
	Validators ValidatorTokens
}

// PageFormat describes the representation carried in RawPage.Body.
type PageFormat string

// Supported page formats.
const (
	FormatMarkdown PageFormat = "markdown"
	FormatHTML     PageFormat = "html"
	FormatText     PageFormat = "text"
)

// Page is the normalized text representation of a fetched source page.
type Page struct {
	URL         string
	Text        string
	ContentHash string
	Validators  ValidatorTokens
	Provider    string
}

// ScanRequest is the invocation contract of a scan batch.
type ScanRequest struct {
	TargetID   string `json:"target_id,omitempty" validate:"omitempty,max=64"`
	BatchLimit int    `json:"batch_limit,omitempty" validate:"gte=0"`
	ForceScan  bool   `json:"force_scan,omitempty"`
}

// TargetResult summarizes the outcome of one target within a batch.
type TargetResult struct {
	TargetID          string   `json:"target_id"`
	TargetName        string   `json:"target_name"`
	NewCompanies      int      `json:"new_companies"`
	PossibleExits     int      `json:"possible_exits"`
	Skipped           bool     `json:"skipped,omitempty"`
	SkipReason        string   `json:"skip_reason,omitempty"`
	Error             string   `json:"error,omitempty"`
	NewCompanyNames   []string `json:"new_company_names,omitempty"`
	PossibleExitNames []string `json:"possible_exit_names,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	CreditsUsed       int      `json:"-"`
}

// Failed reports whether the target ended in the FAILED state.
func (r TargetResult) Failed() bool {
	return r.Error != ""
}

// ScanResponse aggregates a whole batch.
type ScanResponse struct {
	TargetsScanned     int            `json:"targets_scanned"`
	TargetsSkipped     int            `json:"targets_skipped"`
	TotalNewCompanies  int            `json:"total_new_companies"`
	TotalPossibleExits int            `json:"total_possible_exits"`
	CreditsUsed        int            `json:"credits_used"`
	Results            []TargetResult `json:"results"`
}

// TotalChanges returns new companies plus possible exits.
func (r ScanResponse) TotalChanges() int {
	return r.TotalNewCompanies + r.TotalPossibleExits
}
