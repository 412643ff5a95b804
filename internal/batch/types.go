package batch

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

type JobExecution struct {
	ID          string           `json:"id"`
	JobName     string           `json:"job_name"`
	Parameters  Parameters       `json:"parameters"`
	Status      Status           `json:"status"`
	ExitMessage string           `json:"exit_message,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Steps       []*StepExecution `json:"steps"`

	// Context is shared by every step of this execution and is released once
	// the execution is terminal.
	Context *ExecutionContext `json:"-"`
}

// Clone returns a deep copy without the execution context.
func (e *JobExecution) Clone() *JobExecution {
	out := *e
	out.Context = nil
	out.Parameters = e.Parameters.clone()
	out.Steps = make([]*StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		cp := *s
		out.Steps[i] = &cp
	}
	return &out
}

// CurrentStep returns the most recently started step, or nil.
func (e *JobExecution) CurrentStep() *StepExecution {
	if len(e.Steps) == 0 {
		return nil
	}
	return e.Steps[len(e.Steps)-1]
}

type StepExecution struct {
	StepName    string     `json:"step_name"`
	Status      Status     `json:"status"`
	ReadCount   int64      `json:"read_count"`
	WriteCount  int64      `json:"write_count"`
	SkipCount   int64      `json:"skip_count"`
	CommitCount int64      `json:"commit_count"`
	ExitMessage string     `json:"exit_message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ContextValues is the typed content of an ExecutionContext.
type ContextValues struct {
	StartedAt time.Time
	StepName  string
	Total     int64
	Processed int64
}

// ExecutionContext is the scratch space listeners share during one job
// execution.
type ExecutionContext struct {
	mu     sync.RWMutex
	values ContextValues
}

func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{}
}

func (c *ExecutionContext) Values() ContextValues {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values
}

// Update applies fn under the context lock and returns the resulting values.
func (c *ExecutionContext) Update(fn func(v *ContextValues)) ContextValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.values)
	return c.values
}

type executionKey struct{}

// WithExecution returns a context carrying exec. The launcher sets it for
// every step so transforms can read the job parameters.
func WithExecution(ctx context.Context, exec *JobExecution) context.Context {
	return context.WithValue(ctx, executionKey{}, exec)
}

func ExecutionFrom(ctx context.Context) (*JobExecution, bool) {
	exec, ok := ctx.Value(executionKey{}).(*JobExecution)
	return exec, ok
}
