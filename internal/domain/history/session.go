// Package history buffers historical facts produced during a unit of work and encodes them
// into the payloads carried by history jobs.
package history

import (
	"maps"
	"sync"
	"time"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/domain/model"
)

// Session buffers the facts of one unit of work. Records keep their insertion order both
// within a type and across types.
type Session struct {
	clock clock.Clock

	mu      sync.Mutex
	records []model.HistoricRecord
	types   []string
	counts  map[string]int
	closed  bool
}

// NewSession starts an empty session.
func NewSession(clk clock.Clock) *Session {
	return &Session{clock: clock.OrReal(clk), counts: make(map[string]int)}
}

// AddHistoricData buffers record under factType. The record is copied and stamped with the
// current time. Adding to a closed session is a no-op.
func (s *Session) AddHistoricData(factType string, record map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.counts[factType] == 0 {
		s.types = append(s.types, factType)
	}
	s.counts[factType]++
	s.records = append(s.records, model.HistoricRecord{
		Type:      factType,
		Data:      maps.Clone(record),
		Timestamp: s.clock.Now(),
	})
}

// Len returns the number of buffered records.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Types returns the fact types in the order they were first added.
func (s *Session) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

// Records returns the records of factType in insertion order.
func (s *Session) Records(factType string) []model.HistoricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HistoricRecord, 0, s.counts[factType])
	for _, r := range s.records {
		if r.Type == factType {
			out = append(out, r)
		}
	}
	return out
}

// Close ends the session and returns every buffered record in insertion order.
func (s *Session) Close() []model.HistoricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	out := s.records
	s.records = nil
	return out
}

// Discard ends the session and drops the buffered records.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
}

// Document converts a record into its persisted fact document. The record timestamp is kept
// under model.TimestampKey unless the record already carries one.
func Document(r model.HistoricRecord) model.FactDocument {
	data := make(map[string]string, len(r.Data)+1)
	maps.Copy(data, r.Data)
	if _, ok := data[model.TimestampKey]; !ok && !r.Timestamp.IsZero() {
		data[model.TimestampKey] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return model.FactDocument{Type: r.Type, Data: data}
}

// Documents converts records into fact documents, preserving order.
func Documents(records []model.HistoricRecord) []model.FactDocument {
	out := make([]model.FactDocument, len(records))
	for i, r := range records {
		out[i] = Document(r)
	}
	return out
}
