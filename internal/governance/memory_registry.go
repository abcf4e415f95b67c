package governance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// MemoryRegistry provides an in-memory implementation of the Registry
// interface, intended for development and testing scenarios.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byName map[string]string
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:   make(map[string]*Record),
		byName: make(map[string]string),
	}
}

// CreateAgent stores a new agent record. The tier is recomputed from the
// confidence score so the two can never drift apart.
func (r *MemoryRegistry) CreateAgent(_ context.Context, record *Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent record requires an ID")
	}
	if strings.TrimSpace(record.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent record requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[record.ID]; exists {
		return ErrAgentExists
	}
	if _, exists := r.byName[record.Name]; exists {
		return ErrAgentExists
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Tier = TierForScore(record.ConfidenceScore)
	r.byID[record.ID] = record.Clone()
	r.byName[record.Name] = record.ID
	return nil
}

// GetAgent returns a copy of the agent record.
func (r *MemoryRegistry) GetAgent(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.byID[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return record.Clone(), nil
}

// FindAgentByName resolves an agent by its unique name.
func (r *MemoryRegistry) FindAgentByName(_ context.Context, name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return r.byID[id].Clone(), nil
}

// ListAgents returns all registered agents sorted by name.
func (r *MemoryRegistry) ListAgents(_ context.Context) ([]*Record, error) {
	r.mu.RLock()
	records := make([]*Record, 0, len(r.byID))
	for _, record := range r.byID {
		records = append(records, record.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// UpdateProgress adds delta to the confidence score, clamps the result
// into [0, 1] and recomputes the tier atomically.
func (r *MemoryRegistry) UpdateProgress(_ context.Context, id string, delta float64) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.byID[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if delta < 0 {
		delta = 0
	}
	score := record.ConfidenceScore + delta
	if score > 1 {
		score = 1
	}
	record.ConfidenceScore = score
	record.Tier = TierForScore(score)
	record.UpdatedAt = time.Now().Unix()
	return record.Clone(), nil
}

// Close is a no-op for the in-memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Registry = (*MemoryRegistry)(nil)
