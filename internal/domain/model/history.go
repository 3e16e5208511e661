package model

import "time"

// HistoricRecord is one buffered historical fact of a unit of work.
type HistoricRecord struct {
	Type      string
	Data      map[string]string
	Timestamp time.Time
}

// FactDocument is the stable persisted shape of a single history fact.
type FactDocument struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// Well-known fact data keys.
const (
	// TimestampKey carries the implicit timestamp of a fact.
	TimestampKey = "__timeStamp"
	// ScopeIDKey names the scope a fact belongs to.
	ScopeIDKey = "scopeId"
)

// HistoryEntry is a transformed history row recorded by the builtin recording transformer.
type HistoryEntry struct {
	ID        string            `json:"id"         db:"id"`
	Type      string            `json:"type"       db:"type"`
	ScopeID   string            `json:"scope_id"   db:"scope_id"`
	Data      map[string]string `json:"data"       db:"data"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Scope is the owning business entity of jobs and facts.
type Scope struct {
	ID            string     `json:"id"                        db:"id"`
	Type          string     `json:"type"                      db:"type"`
	Suspended     bool       `json:"suspended"                 db:"suspended"`
	// Registered is set by an explicit registration, not by rows created for locks.
	Registered    bool       `json:"registered"                db:"registered"`
	LockOwner     *string    `json:"lock_owner,omitempty"      db:"lock_owner"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty" db:"lock_expires_at"`
}
