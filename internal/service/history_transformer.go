package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/domain/model"
)

// ErrDeclined is returned by a transformer whose preconditions do not hold yet. A declined
// fact is retried later without being charged a retry.
var ErrDeclined = errors.New("history fact declined")

// AnyFactType registers a transformer for every fact type.
const AnyFactType = "*"

// Transformer turns a history fact into durable state. It runs inside the transaction of the
// history job and must be idempotent, since a fact may be applied again after a crash. A
// transformer declines by returning an error wrapping ErrDeclined before it writes anything;
// within a group the other facts still commit.
type Transformer interface {
	Transform(ctx context.Context, repos core.Repositories, fact model.FactDocument) error
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, repos core.Repositories, fact model.FactDocument) error

// Transform calls f.
func (f TransformerFunc) Transform(ctx context.Context, repos core.Repositories, fact model.FactDocument) error {
	return f(ctx, repos, fact)
}

// TransformerRegistry maps fact types to their transformers.
type TransformerRegistry struct {
	mu     sync.RWMutex
	byType map[string][]Transformer
}

// NewTransformerRegistry creates an empty registry.
func NewTransformerRegistry() *TransformerRegistry {
	return &TransformerRegistry{byType: make(map[string][]Transformer)}
}

// Register adds t for factType. AnyFactType matches every type; registration order is
// dispatch order.
func (r *TransformerRegistry) Register(factType string, t Transformer) error {
	factType = strings.TrimSpace(factType)
	if factType == "" {
		return errors.New("fact type is required")
	}
	if t == nil {
		return fmt.Errorf("transformer for %q is nil", factType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[factType] = append(r.byType[factType], t)
	return nil
}

// For returns the transformers of factType followed by the wildcard transformers.
func (r *TransformerRegistry) For(factType string) []Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.byType[factType])
	if factType != AnyFactType {
		out = append(out, r.byType[AnyFactType]...)
	}
	return out
}

// FactTypes returns the registered fact types, sorted.
func (r *TransformerRegistry) FactTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := slices.Collect(maps.Keys(r.byType))
	sort.Strings(types)
	return types
}

// Apply dispatches fact to every matching transformer, stopping at the first decline or error.
func (r *TransformerRegistry) Apply(ctx context.Context, repos core.Repositories, fact model.FactDocument) error {
	for _, t := range r.For(fact.Type) {
		if err := t.Transform(ctx, repos, fact); err != nil {
			return err
		}
	}
	return nil
}

// ScopeExistsTransformer declines facts whose scope is not visible yet, then delegates to Next.
// Facts without a scope id pass through.
type ScopeExistsTransformer struct {
	// Lookup resolves scopes; nil uses the transaction's scope repository.
	Lookup core.ScopeLookup
	Next   Transformer
}

// Transform implements Transformer.
func (t ScopeExistsTransformer) Transform(ctx context.Context, repos core.Repositories, fact model.FactDocument) error {
	scopeID := fact.Data[model.ScopeIDKey]
	if scopeID != "" {
		lookup := t.Lookup
		if lookup == nil {
			lookup = repos.Scopes()
		}
		ok, err := lookup.Exists(ctx, scopeID)
		if err != nil {
			return fmt.Errorf("lookup scope %s: %w", scopeID, err)
		}
		if !ok {
			return fmt.Errorf("%w: scope %s not found", ErrDeclined, scopeID)
		}
	}
	if t.Next == nil {
		return nil
	}
	return t.Next.Transform(ctx, repos, fact)
}

// historyEntryNamespace seeds the deterministic ids of recorded facts.
var historyEntryNamespace = uuid.MustParse("6f1c2a9e-5d47-4e0b-9a8c-3b1f7d2e4c60")

// RecordingTransformer persists facts as history entries. The entry id is derived from the
// fact content, so applying the same fact twice records it once.
type RecordingTransformer struct {
	Clock clock.Clock
}

// Transform implements Transformer.
func (t RecordingTransformer) Transform(ctx context.Context, repos core.Repositories, fact model.FactDocument) error {
	entry := &model.HistoryEntry{
		ID:        factID(fact).String(),
		Type:      fact.Type,
		ScopeID:   fact.Data[model.ScopeIDKey],
		Data:      maps.Clone(fact.Data),
		CreatedAt: factTime(fact, clock.OrReal(t.Clock)),
	}
	if err := repos.HistoryEntries().Insert(ctx, entry); err != nil {
		return fmt.Errorf("record %s fact: %w", fact.Type, err)
	}
	return nil
}

func factID(fact model.FactDocument) uuid.UUID {
	keys := slices.Sorted(maps.Keys(fact.Data))
	var b strings.Builder
	b.WriteString(fact.Type)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fact.Data[k])
	}
	return uuid.NewSHA1(historyEntryNamespace, []byte(b.String()))
}

func factTime(fact model.FactDocument, clk clock.Clock) time.Time {
	if ts, ok := fact.Data[model.TimestampKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
	}
	return clk.Now()
}
