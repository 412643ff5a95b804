package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Launcher runs registered jobs. It guarantees that for a given job name and
// parameter identity at most one execution is live at a time.
type Launcher struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	running   map[string]*handle
	repo      ExecutionRepository
	listeners Listeners
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type handle struct {
	exec *JobExecution
	done chan struct{}
}

func NewLauncher(repo ExecutionRepository, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		jobs:    make(map[string]*Job),
		running: make(map[string]*handle),
		repo:    repo,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *Launcher) Register(job *Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if len(job.Steps) == 0 {
		return fmt.Errorf("job %s has no steps", job.Name)
	}
	if _, ok := l.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	l.jobs[job.Name] = job
	return nil
}

func (l *Launcher) Jobs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.jobs))
	for n := range l.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddListener registers a listener for every job run by this launcher.
func (l *Launcher) AddListener(x any) {
	l.listeners.Add(x)
}

func (l *Launcher) RemoveListener(x any) {
	l.listeners.Remove(x)
}

// Launch validates the request, records a new execution and runs it on its
// own goroutine. The returned execution is a snapshot taken at creation.
func (l *Launcher) Launch(ctx context.Context, name string, params Parameters) (*JobExecution, error) {
	job, h, err := l.start(ctx, name, params)
	if err != nil {
		return nil, err
	}
	snapshot := h.exec.Clone()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(l.ctx, job, h)
	}()
	return snapshot, nil
}

// Run launches the job and blocks until the execution is terminal.
func (l *Launcher) Run(ctx context.Context, name string, params Parameters) (*JobExecution, error) {
	job, h, err := l.start(ctx, name, params)
	if err != nil {
		return nil, err
	}
	l.run(ctx, job, h)
	return l.repo.Get(context.WithoutCancel(ctx), h.exec.ID)
}

// Wait blocks until the execution is terminal and returns its final state.
func (l *Launcher) Wait(ctx context.Context, id string) (*JobExecution, error) {
	l.mu.Lock()
	h := l.running[id]
	l.mu.Unlock()
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.repo.Get(ctx, id)
}

func (l *Launcher) Get(ctx context.Context, id string) (*JobExecution, error) {
	return l.repo.Get(ctx, id)
}

func (l *Launcher) Find(ctx context.Context, q ExecutionQuery) ([]*JobExecution, error) {
	return l.repo.Find(ctx, q)
}

// Running reports whether any execution of the named job is live in this
// process.
func (l *Launcher) Running(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.running {
		if h.exec.JobName == name {
			return true
		}
	}
	return false
}

// RecoverStale fails executions that a previous process left non-terminal,
// so they no longer block launches with the same parameters.
func (l *Launcher) RecoverStale(ctx context.Context) (int, error) {
	stale, err := l.repo.Find(ctx, ExecutionQuery{Statuses: NonTerminal})
	if err != nil {
		return 0, fmt.Errorf("find stale executions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, exec := range stale {
		if _, ok := l.running[exec.ID]; ok {
			continue
		}
		now := l.now()
		exec.Status = StatusFailed
		exec.FinishedAt = &now
		exec.ExitMessage = "abandoned by a previous process"
		for _, s := range exec.Steps {
			if !s.Status.Terminal() {
				s.Status = StatusFailed
				s.FinishedAt = &now
			}
		}
		if err := l.repo.Update(ctx, exec); err != nil {
			return n, fmt.Errorf("recover execution %s: %w", exec.ID, err)
		}
		l.logger.Warn("recovered stale job execution", "job", exec.JobName, "execution_id", exec.ID)
		n++
	}
	return n, nil
}

// Stop cancels running executions and waits for their goroutines.
func (l *Launcher) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *Launcher) start(ctx context.Context, name string, params Parameters) (*Job, *handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if err := job.validate(params); err != nil {
		return nil, nil, err
	}

	existing, err := l.repo.Find(ctx, ExecutionQuery{JobName: name, Identity: params.Identity(), MatchIdentity: true})
	if err != nil {
		return nil, nil, fmt.Errorf("check existing executions: %w", err)
	}
	for _, e := range existing {
		if !e.Status.Terminal() {
			return nil, nil, fmt.Errorf("%w: %s (execution %s)", ErrDuplicateExecution, name, e.ID)
		}
		if e.Status == StatusCompleted && !job.Restartable {
			return nil, nil, fmt.Errorf("%w: %s (execution %s)", ErrAlreadyComplete, name, e.ID)
		}
	}

	exec := &JobExecution{
		ID:         uuid.NewString(),
		JobName:    name,
		Parameters: params,
		Status:     StatusStarting,
		CreatedAt:  l.now(),
		Context:    NewExecutionContext(),
	}
	if err := l.repo.Create(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	h := &handle{exec: exec, done: make(chan struct{})}
	l.running[exec.ID] = h
	JobsLaunchedTotal.WithLabelValues(name).Inc()
	return job, h, nil
}

func (l *Launcher) run(ctx context.Context, job *Job, h *handle) {
	exec := h.exec
	defer func() {
		l.mu.Lock()
		delete(l.running, exec.ID)
		l.mu.Unlock()
		close(h.done)
	}()

	log := l.logger.With("job", job.Name, "execution_id", exec.ID)
	ctx = WithExecution(ctx, exec)
	n := &notifier{listeners: job.listeners.merged(&l.listeners), logger: log}

	started := l.now()
	exec.StartedAt = &started
	exec.Status = StatusRunning
	l.persist(ctx, log, exec)
	JobsInProgress.WithLabelValues(job.Name).Inc()
	defer JobsInProgress.WithLabelValues(job.Name).Dec()

	log.Info("job started", "parameters", exec.Parameters.String())
	n.beforeJob(ctx, exec)

	status := StatusCompleted
	for _, step := range job.Steps {
		se := &StepExecution{StepName: step.Name(), Status: StatusRunning, StartedAt: l.now()}
		exec.Steps = append(exec.Steps, se)
		l.persist(ctx, log, exec)
		n.beforeStep(ctx, exec, se)

		scope := &StepScope{
			Job:     exec,
			Step:    se,
			notify:  n,
			persist: func(ctx context.Context) { l.persist(ctx, log, exec) },
		}
		err := executeStep(ctx, step, scope)

		finished := l.now()
		se.FinishedAt = &finished
		switch {
		case err == nil:
			se.Status = StatusCompleted
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			se.Status = StatusStopped
			status = StatusStopped
		default:
			se.Status = StatusFailed
			status = StatusFailed
		}
		if err != nil {
			se.ExitMessage = err.Error()
			exec.ExitMessage = err.Error()
			log.Error("step failed", "step", se.StepName, "status", se.Status, "error", err)
		} else {
			log.Info("step completed", "step", se.StepName,
				"read", se.ReadCount, "written", se.WriteCount, "skipped", se.SkipCount, "chunks", se.CommitCount)
		}
		n.afterStep(ctx, exec, se)
		l.persist(ctx, log, exec)
		if err != nil {
			break
		}
	}

	finished := l.now()
	exec.FinishedAt = &finished
	exec.Status = status
	l.persist(ctx, log, exec)

	if status == StatusCompleted {
		JobsCompletedTotal.WithLabelValues(job.Name).Inc()
	} else {
		JobsFailedTotal.WithLabelValues(job.Name).Inc()
	}
	log.Info("job finished", "status", status, "duration", finished.Sub(started).String())

	n.afterJob(ctx, exec)
	exec.Context = nil
}

func (l *Launcher) persist(ctx context.Context, log *slog.Logger, exec *JobExecution) {
	if err := l.repo.Update(context.WithoutCancel(ctx), exec); err != nil {
		log.Error("failed to persist job execution", "error", err)
	}
}

func executeStep(ctx context.Context, step Step, scope *StepScope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name(), r)
		}
	}()
	return step.Execute(ctx, scope)
}
