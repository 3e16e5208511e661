package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// BatchStatus is the aggregate status of a batch.
type BatchStatus string

// PartStatus is the status of a single batch part.
type PartStatus string

const (
	// BatchStatusInProgress means at least one part has not completed.
	BatchStatusInProgress BatchStatus = "in_progress"
	// BatchStatusCompleted means every part has a completion time.
	BatchStatusCompleted BatchStatus = "completed"

	// PartStatusPending means the part has not run to completion yet.
	PartStatusPending PartStatus = "pending"
	// PartStatusSuccess means the operation was applied to the target scope.
	PartStatusSuccess PartStatus = "success"
	// PartStatusFail means the operation failed for the target scope.
	PartStatusFail PartStatus = "fail"

	// BatchTypeCaseMigration migrates case instances to another definition.
	BatchTypeCaseMigration = "case-migration"
	// BatchTypeTenantChange reassigns instances to another tenant.
	BatchTypeTenantChange = "tenant-change"
)

// Valid returns true if the BatchStatus is known.
func (s BatchStatus) Valid() bool {
	return s == BatchStatusInProgress || s == BatchStatusCompleted
}

// Valid returns true if the PartStatus is known.
func (s PartStatus) Valid() bool {
	return s == PartStatusPending || s == PartStatusSuccess || s == PartStatusFail
}

// Batch is a long-running operation split into independently executable parts.
type Batch struct {
	ID          string          `json:"id"                     yaml:"id"                     db:"id"`
	Type        string          `json:"type"                   yaml:"type"                   db:"type"`
	Document    json.RawMessage `json:"document"               yaml:"-"                      db:"document"`
	Status      BatchStatus     `json:"status"                 yaml:"status"                 db:"status"`
	SearchKey   string          `json:"search_key,omitempty"   yaml:"search_key,omitempty"   db:"search_key"`
	SearchKey2  string          `json:"search_key2,omitempty"  yaml:"search_key2,omitempty"  db:"search_key2"`
	TenantID    string          `json:"tenant_id,omitempty"    yaml:"tenant_id,omitempty"    db:"tenant_id"`
	CreatedAt   time.Time       `json:"created_at"             yaml:"created_at"             db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty" db:"completed_at"`
}

// BatchPart tracks the operation applied to one target scope.
type BatchPart struct {
	ID          string          `json:"id"                     yaml:"id"                     db:"id"`
	BatchID     string          `json:"batch_id"               yaml:"batch_id"               db:"batch_id"`
	Type        string          `json:"type"                   yaml:"type"                   db:"type"`
	ScopeID     string          `json:"scope_id"               yaml:"scope_id"               db:"scope_id"`
	ScopeType   string          `json:"scope_type,omitempty"   yaml:"scope_type,omitempty"   db:"scope_type"`
	Status      PartStatus      `json:"status"                 yaml:"status"                 db:"status"`
	Result      json.RawMessage `json:"result,omitempty"       yaml:"-"                      db:"result"`
	CreatedAt   time.Time       `json:"created_at"             yaml:"created_at"             db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty" db:"completed_at"`
}

// Completed reports whether the part reached a terminal status.
func (p *BatchPart) Completed() bool {
	return p != nil && p.CompletedAt != nil
}

// PartResultStatus is the persisted status inside a part result document.
type PartResultStatus string

const (
	// PartResultSuccess marks a successful part.
	PartResultSuccess PartResultStatus = "SUCCESS"
	// PartResultFail marks a failed part.
	PartResultFail PartResultStatus = "FAIL"
)

// PartResult is the stable result document shape stored on a batch part.
type PartResult struct {
	Status     PartResultStatus `json:"status"               yaml:"status"`
	Message    string           `json:"message,omitempty"    yaml:"message,omitempty"`
	Stacktrace string           `json:"stacktrace,omitempty" yaml:"stacktrace,omitempty"`
}

// PartStatus maps the document status onto the part status column.
func (r PartResult) PartStatus() PartStatus {
	if r.Status == PartResultSuccess {
		return PartStatusSuccess
	}
	return PartStatusFail
}

// StartBatchRequest describes a new batch over many target scopes.
type StartBatchRequest struct {
	Type      string          `json:"type"`
	Document  json.RawMessage `json:"document"`
	ScopeIDs  []string        `json:"scope_ids"`
	ScopeType string          `json:"scope_type,omitempty"`
	// StatusInterval is how often the status job polls part completion. Zero uses the default.
	StatusInterval time.Duration `json:"status_interval,omitempty"`
	SearchKey      string        `json:"search_key,omitempty"`
	SearchKey2     string        `json:"search_key2,omitempty"`
	TenantID       string        `json:"tenant_id,omitempty"`
	// PartRetries is the retry budget of each part job. Zero uses the job default.
	PartRetries int `json:"part_retries,omitempty"`
}

// Validate validates the StartBatchRequest fields.
func (r *StartBatchRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("batch type is required")
	}
	if len(r.Document) > 0 && !json.Valid(r.Document) {
		return errors.New("batch document must be valid JSON")
	}
	for _, id := range r.ScopeIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("scope ids must not be empty")
		}
	}
	if r.StatusInterval < 0 {
		return errors.New("status interval must be >= 0")
	}
	return nil
}

// BatchSummary counts parts per status.
type BatchSummary struct {
	Batch   *Batch `json:"batch"   yaml:"batch"`
	Total   int    `json:"total"   yaml:"total"`
	Pending int    `json:"pending" yaml:"pending"`
	Success int    `json:"success" yaml:"success"`
	Fail    int    `json:"fail"    yaml:"fail"`
}

// BatchListOptions filters batch listings.
type BatchListOptions struct {
	Type      string
	Status    *BatchStatus
	SearchKey string
	Limit     int
	Offset    int
}

// BatchPartListOptions filters part listings.
type BatchPartListOptions struct {
	BatchID string
	Status  *PartStatus
	// Filter is an optional JMESPath expression evaluated against each result document;
	// parts whose evaluation is not truthy are dropped.
	Filter string
	Limit  int
	Offset int
}
