package batch

import (
	"context"
	"slices"
	"sync"
)

// ExecutionQuery filters executions. Zero fields match everything; results are
// newest first. Identity is only compared when MatchIdentity is set, so the
// empty identity of a parameterless launch can be matched exactly.
type ExecutionQuery struct {
	JobName       string
	Identity      string
	MatchIdentity bool
	Statuses      []Status
	Limit         int
}

func (q ExecutionQuery) Matches(e *JobExecution) bool {
	if q.JobName != "" && e.JobName != q.JobName {
		return false
	}
	if q.MatchIdentity && e.Parameters.Identity() != q.Identity {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, e.Status) {
		return false
	}
	return true
}

// NonTerminal lists the statuses of executions that are still live.
var NonTerminal = []Status{StatusStarting, StatusRunning}

type ExecutionRepository interface {
	Create(ctx context.Context, exec *JobExecution) error
	Update(ctx context.Context, exec *JobExecution) error
	Get(ctx context.Context, id string) (*JobExecution, error)
	Find(ctx context.Context, q ExecutionQuery) ([]*JobExecution, error)
}

type InMemoryRepository struct {
	mu    sync.RWMutex
	data  map[string]*JobExecution
	order []string
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{data: make(map[string]*JobExecution)}
}

func (r *InMemoryRepository) Create(ctx context.Context, exec *JobExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[exec.ID]; !ok {
		r.order = append(r.order, exec.ID)
	}
	r.data[exec.ID] = exec.Clone()
	return nil
}

func (r *InMemoryRepository) Update(ctx context.Context, exec *JobExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	r.data[exec.ID] = exec.Clone()
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*JobExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.data[id]; ok {
		return v.Clone(), nil
	}
	return nil, ErrExecutionNotFound
}

func (r *InMemoryRepository) Find(ctx context.Context, q ExecutionQuery) ([]*JobExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*JobExecution
	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.data[r.order[i]]
		if !q.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
