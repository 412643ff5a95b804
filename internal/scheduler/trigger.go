package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

var (
	// ErrOverlap is returned when a trigger fires while its previous execution
	// is still live.
	ErrOverlap = errors.New("previous execution still running")
	ErrStopped = errors.New("trigger stopped")
)

// Launcher is the part of batch.Launcher a trigger needs.
type Launcher interface {
	Launch(ctx context.Context, name string, params batch.Parameters) (*batch.JobExecution, error)
	Wait(ctx context.Context, id string) (*batch.JobExecution, error)
}

// Trigger launches one named job, either on demand or on a fixed interval.
// At most one execution started by a trigger is live at a time; a fire that
// overlaps is skipped, not queued.
type Trigger struct {
	job      string
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time

	active atomic.Bool

	// watch bounds the goroutines waiting on launched executions; Stop
	// cancels it.
	watch   context.Context
	unwatch context.CancelFunc

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	runs    sync.WaitGroup
}

func NewTrigger(job string, launcher Launcher, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	watch, unwatch := context.WithCancel(context.Background())
	return &Trigger{
		job:      job,
		launcher: launcher,
		logger:   logger.With("job", job),
		now:      func() time.Time { return time.Now().UTC() },
		watch:    watch,
		unwatch:  unwatch,
	}
}

func (t *Trigger) Job() string {
	return t.job
}

// Active reports whether an execution started by this trigger is still live.
func (t *Trigger) Active() bool {
	return t.active.Load()
}

// Fire launches the job with params plus a unique run.timestamp. It fails
// with ErrStopped once Stop has been called.
func (t *Trigger) Fire(ctx context.Context, params batch.Parameters) (*batch.JobExecution, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	t.runs.Add(1)
	t.mu.Unlock()

	if !t.active.CompareAndSwap(false, true) {
		t.runs.Done()
		return nil, ErrOverlap
	}
	params = params.With(batch.RunTimestampKey, t.now().Format(time.RFC3339Nano))
	exec, err := t.launcher.Launch(ctx, t.job, params)
	if err != nil {
		t.active.Store(false)
		t.runs.Done()
		return nil, err
	}
	go func() {
		defer t.runs.Done()
		defer t.active.Store(false)
		_, err := t.launcher.Wait(t.watch, exec.ID)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("waiting for execution failed", "execution_id", exec.ID, "error", err)
		}
	}()
	return exec, nil
}

func (t *Trigger) scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Start fires immediately and then every interval until ctx is done or Stop
// is called.
func (t *Trigger) Start(ctx context.Context, interval time.Duration, params batch.Parameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.cancel != nil || interval <= 0 {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.loop.Add(1)
	go func() {
		defer t.loop.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		t.tick(ctx, params)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx, params)
			}
		}
	}()
	t.logger.Info("trigger started", "interval", interval.String())
}

func (t *Trigger) tick(ctx context.Context, params batch.Parameters) {
	exec, err := t.Fire(ctx, params)
	switch {
	case errors.Is(err, ErrOverlap):
		t.logger.Debug("previous execution still running, skipping")
	case errors.Is(err, ErrStopped):
	case err != nil:
		t.logger.Error("scheduled launch failed", "error", err)
	default:
		t.logger.Debug("scheduled launch", "execution_id", exec.ID)
	}
}

// Stop ends the interval loop and refuses further fires. Executions already
// launched keep running under the launcher; Stop only stops watching them.
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.loop.Wait()
	t.unwatch()
	t.runs.Wait()
}
