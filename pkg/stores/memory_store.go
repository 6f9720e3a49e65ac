package stores

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements ExecutionStore with in-process maps. It is
// crash-consistent only through explicit Snapshot/Restore; production
// deployments use the SQLite store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	results    map[string][]*TaskResultRecord
	nextID     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*ExecutionRecord),
		results:    make(map[string][]*TaskResultRecord),
		nextID:     1,
	}
}

// Init implements ExecutionStore.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Close implements ExecutionStore.
func (s *MemoryStore) Close() error { return nil }

// Migrate implements ExecutionStore.
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// CreateExecution creates a new execution record.
func (s *MemoryStore) CreateExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	s.executions[rec.ID] = &cp
	return nil
}

// UpdateExecution persists the mutable fields of an execution record.
func (s *MemoryStore) UpdateExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.executions[rec.ID]
	if !ok {
		return &NotFoundError{Kind: "execution", ID: rec.ID}
	}
	existing.Status = rec.Status
	existing.CurrentTasks = rec.CurrentTasks
	existing.CompletedAt = rec.CompletedAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// GetExecution retrieves an execution by id.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	cp := *rec
	return &cp, nil
}

// ListExecutions lists executions, optionally filtered by status.
func (s *MemoryStore) ListExecutions(_ context.Context, status string, limit, offset int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*ExecutionRecord, 0)
	for _, rec := range s.executions {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})

	if offset >= len(matches) {
		return []*ExecutionRecord{}, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// DeleteExecution removes an execution and its task results.
func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return &NotFoundError{Kind: "execution", ID: id}
	}
	delete(s.executions, id)
	delete(s.results, id)
	return nil
}

// History returns executions of a workflow started within [from, to],
// inclusive on both bounds, ordered by start time ascending.
func (s *MemoryStore) History(_ context.Context, workflow string, from, to time.Time) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*ExecutionRecord, 0)
	for _, rec := range s.executions {
		if rec.Workflow != workflow {
			continue
		}
		if rec.StartedAt.Before(from) || rec.StartedAt.After(to) {
			continue
		}
		cp := *rec
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.Before(matches[j].StartedAt)
	})
	return matches, nil
}

// AppendTaskResult appends one task attempt record.
func (s *MemoryStore) AppendTaskResult(_ context.Context, rec *TaskResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	cp := *rec
	s.results[rec.ExecutionID] = append(s.results[rec.ExecutionID], &cp)
	return nil
}

// ListTaskResults returns all task attempts for an execution in commit order.
func (s *MemoryStore) ListTaskResults(_ context.Context, executionID string) ([]*TaskResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.results[executionID]
	out := make([]*TaskResultRecord, len(src))
	for i, rec := range src {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// HealthCheck implements ExecutionStore.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// snapshotFile is the on-disk form of a memory store snapshot.
type snapshotFile struct {
	Executions []*ExecutionRecord             `json:"executions"`
	Results    map[string][]*TaskResultRecord `json:"results"`
	NextID     int64                          `json:"next_id"`
}

// Snapshot writes a point-in-time copy of the store to path.
func (s *MemoryStore) Snapshot(path string) error {
	s.mu.RLock()
	snap := snapshotFile{
		Executions: make([]*ExecutionRecord, 0, len(s.executions)),
		Results:    make(map[string][]*TaskResultRecord, len(s.results)),
		NextID:     s.nextID,
	}
	for _, rec := range s.executions {
		cp := *rec
		snap.Executions = append(snap.Executions, &cp)
	}
	for id, rs := range s.results {
		out := make([]*TaskResultRecord, len(rs))
		for i, rec := range rs {
			cp := *rec
			out[i] = &cp
		}
		snap.Results[id] = out
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Restore replaces the store contents with a snapshot written by Snapshot.
func (s *MemoryStore) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = make(map[string]*ExecutionRecord, len(snap.Executions))
	for _, rec := range snap.Executions {
		s.executions[rec.ID] = rec
	}
	s.results = snap.Results
	if s.results == nil {
		s.results = make(map[string][]*TaskResultRecord)
	}
	s.nextID = snap.NextID
	if s.nextID == 0 {
		s.nextID = 1
	}
	return nil
}
