package types

import (
	"sort"
	"time"
)

// Counter tallies upsert outcomes.
type Counter struct {
	Total   int `json:"total" yaml:"total"`
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Skipped int `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Add accumulates o into c.
func (c *Counter) Add(o Counter) {
	c.Total += o.Total
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
}

// UpsertResult is what the sync engine reports for one batch.
type UpsertResult struct {
	Counter
	ByType   map[string]Counter `json:"by_type,omitempty"`
	Degraded int                `json:"degraded,omitempty"`
	Items    []ItemError        `json:"item_errors,omitempty"`
}

// ItemError explains why one document was left out of a batch.
type ItemError struct {
	Folio    string `json:"folio,omitempty"`
	TypeCode string `json:"type_code"`
	Message  string `json:"message"`
}

// TypeCounter is a counter for one direction and document type.
type TypeCounter struct {
	Direction Direction `json:"direction" yaml:"direction"`
	TypeCode  string    `json:"type_code" yaml:"type_code"`
	Counter   `yaml:",inline"`
}

// RunError is one contained failure of a run.
type RunError struct {
	Period    string    `json:"period,omitempty" yaml:"period,omitempty"`
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	TypeCode  string    `json:"type_code,omitempty" yaml:"type_code,omitempty"`
	Kind      string    `json:"kind" yaml:"kind"`
	Message   string    `json:"message" yaml:"message"`
}

// Run error kinds.
const (
	ErrKindExtraction  = "extraction"
	ErrKindPersistence = "persistence"
	ErrKindSession     = "session"
	ErrKindDeadline    = "deadline"
)

// SyncRunResult is returned to the caller of a sync run; it is not persisted.
type SyncRunResult struct {
	RunID            string        `json:"run_id" yaml:"run_id"`
	TenantID         string        `json:"tenant_id" yaml:"tenant_id"`
	Counters         []TypeCounter `json:"per_document_type_counters" yaml:"per_document_type_counters"`
	Totals           Counter       `json:"totals" yaml:"totals"`
	PeriodsProcessed []string      `json:"periods_processed" yaml:"periods_processed"`
	PeriodsSkipped   []string      `json:"periods_skipped,omitempty" yaml:"periods_skipped,omitempty"`
	Errors           []RunError    `json:"errors" yaml:"errors"`
	Degraded         int           `json:"degraded_documents" yaml:"degraded_documents"`
	SessionReused    bool          `json:"session_reused" yaml:"session_reused"`
	StartedAt        time.Time     `json:"started_at" yaml:"started_at"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
}

// PartiallySucceeded reports whether the run finished with contained errors.
func (r *SyncRunResult) PartiallySucceeded() bool {
	return len(r.Errors) > 0
}

// SortCounters orders counters by direction then type code.
func (r *SyncRunResult) SortCounters() {
	sort.Slice(r.Counters, func(i, j int) bool {
		if r.Counters[i].Direction != r.Counters[j].Direction {
			return r.Counters[i].Direction < r.Counters[j].Direction
		}
		return r.Counters[i].TypeCode < r.Counters[j].TypeCode
	})
}
