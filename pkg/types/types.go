package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a tax document relative to the tenant.
type Direction string

const (
	DirectionPurchase Direction = "purchase"
	DirectionSale     Direction = "sale"
)

// Directions lists both directions in processing order.
var Directions = []Direction{DirectionPurchase, DirectionSale}

// CounterpartyRole is the role a counterparty has been seen in.
type CounterpartyRole string

const (
	RoleProvider CounterpartyRole = "provider"
	RoleClient   CounterpartyRole = "client"
	RoleBoth     CounterpartyRole = "both"
)

// RoleFor returns the counterparty role implied by a document direction.
func RoleFor(d Direction) CounterpartyRole {
	if d == DirectionSale {
		return RoleClient
	}
	return RoleProvider
}

// Cookie is one cookie captured from the browser.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Session is an authenticated portal session for one tenant.
type Session struct {
	TenantID        string            `json:"tenant_id"`
	CredentialRef   string            `json:"credential_ref"`
	Cookies         []Cookie          `json:"cookies"`
	DerivedHeaders  map[string]string `json:"derived_headers,omitempty"`
	CapturedAt      time.Time         `json:"captured_at"`
	LastValidatedAt time.Time         `json:"last_validated_at"`
	IsValid         bool              `json:"is_valid"`
	InvalidReason   string            `json:"invalid_reason,omitempty"`
}

// Cookie returns the named cookie value, if present.
func (s *Session) Cookie(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, c := range s.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// SessionInfo is the cookie-free view of a session used for listings.
type SessionInfo struct {
	TenantID        string    `json:"tenant_id"`
	CredentialRef   string    `json:"credential_ref"`
	CookieCount     int       `json:"cookie_count"`
	CapturedAt      time.Time `json:"captured_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`
	IsValid         bool      `json:"is_valid"`
	InvalidReason   string    `json:"invalid_reason,omitempty"`
}

// Info strips cookie values from s.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		TenantID:        s.TenantID,
		CredentialRef:   s.CredentialRef,
		CookieCount:     len(s.Cookies),
		CapturedAt:      s.CapturedAt,
		LastValidatedAt: s.LastValidatedAt,
		IsValid:         s.IsValid,
		InvalidReason:   s.InvalidReason,
	}
}

// IngestionMode tells whether a document type exposes per-record detail.
type IngestionMode string

const (
	AggregateNoDetail IngestionMode = "AGGREGATE_NO_DETAIL"
	DetailAvailable   IngestionMode = "DETAIL_AVAILABLE"
)

// PeriodSummaryLine is one document type row of a period summary.
type PeriodSummaryLine struct {
	TypeCode      string          `json:"type_code"`
	DocumentCount int             `json:"document_count"`
	Mode          IngestionMode   `json:"ingestion_mode"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	ExemptAmount  decimal.Decimal `json:"exempt_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// DocumentKind records which extraction strategy produced a document.
type DocumentKind string

const (
	KindDetail  DocumentKind = "detail"
	KindDaily   DocumentKind = "daily_aggregate"
	KindMonthly DocumentKind = "monthly_aggregate"
)

// RawDocument is one extracted record before persistence.
type RawDocument struct {
	Folio             string          `json:"folio"`
	IssueDate         time.Time       `json:"issue_date"`
	CounterpartyTaxID string          `json:"counterparty_tax_id,omitempty"`
	CounterpartyName  string          `json:"counterparty_name,omitempty"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	ExemptAmount      decimal.Decimal `json:"exempt_amount"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	TypeCode          string          `json:"type_code"`
	Kind              DocumentKind    `json:"kind"`
	DocumentCount     int             `json:"document_count,omitempty"`
	InternalID        string          `json:"internal_id,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
}

// Warning markers attached to degraded documents.
const (
	WarnMissingInternalID = "missing_internal_id"
	WarnLowFidelity       = "low_fidelity_monthly_aggregate"
)

// Degraded reports whether the document carries any soft warning.
func (d RawDocument) Degraded() bool {
	return len(d.Warnings) > 0
}

// Record statuses persisted with each row.
const (
	StatusSynced   = "synced"
	StatusDegraded = "degraded"
)

// SyncRecord is the persisted form of a document.
type SyncRecord struct {
	TenantID        string          `json:"tenant_id"`
	Direction       Direction       `json:"direction"`
	Folio           string          `json:"folio"`
	IssueDate       time.Time       `json:"issue_date"`
	CounterpartyRef *int64          `json:"counterparty_ref,omitempty"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	ExemptAmount    decimal.Decimal `json:"exempt_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TypeCode        string          `json:"type_code"`
	Status          string          `json:"status"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	ExtraPayload    json.RawMessage `json:"extra_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Counterparty is a trading partner referenced by documents.
type Counterparty struct {
	ID              int64            `json:"id"`
	TenantID        string           `json:"tenant_id"`
	NormalizedTaxID string           `json:"normalized_tax_id"`
	DisplayName     string           `json:"display_name"`
	Role            CounterpartyRole `json:"role"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	TenantID  string
	Direction Direction
	Period    *Period
	Limit     int
}

// Checkpoint records the last outcome of one period/direction.
type Checkpoint struct {
	TenantID  string    `json:"tenant_id"`
	Period    string    `json:"period"`
	Direction Direction `json:"direction"`
	Status    string    `json:"status"`
	Documents int       `json:"documents"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint statuses.
const (
	CheckpointOK      = "ok"
	CheckpointPartial = "partial"
	CheckpointFailed  = "failed"
)

// TrafficLog is one request/response pair observed by the browser.
type TrafficLog struct {
	ID                  int64               `json:"id"`
	Seq                 int                 `json:"seq"`
	Timestamp           time.Time           `json:"timestamp"`
	Method              string              `json:"method"`
	Host                string              `json:"host"`
	Path                string              `json:"path"`
	QueryParams         map[string][]string `json:"query_params,omitempty"`
	RequestHeaders      map[string]string   `json:"request_headers,omitempty"`
	RequestBody         string              `json:"request_body,omitempty"`
	RequestBodyEncoding string              `json:"request_body_encoding,omitempty"`
	ContentType         string              `json:"content_type,omitempty"`
	StatusCode          int                 `json:"status_code"`
	ResponseHeaders     map[string]string   `json:"response_headers,omitempty"`
	ResponseBody        string              `json:"response_body,omitempty"`
	ResponseContentType string              `json:"response_content_type,omitempty"`
	LatencyMs           int64               `json:"latency_ms"`
	CallCount           int                 `json:"call_count,omitempty"`
}
