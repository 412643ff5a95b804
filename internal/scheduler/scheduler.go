package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

// Scheduler owns one trigger per job name, so on-demand and periodic
// launches of the same job share an overlap guard.
type Scheduler struct {
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	stopped  bool
	triggers map[string]*Trigger
}

func New(launcher Launcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		launcher: launcher,
		logger:   logger,
		triggers: make(map[string]*Trigger),
	}
}

func (s *Scheduler) Trigger(job string) *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[job]
	if !ok {
		t = NewTrigger(job, s.launcher, s.logger)
		if s.stopped {
			t.Stop()
		}
		s.triggers[job] = t
	}
	return t
}

// Triggers lists the job names that currently own a trigger.
func (s *Scheduler) Triggers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.triggers))
	for name := range s.triggers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Fire launches job on demand. A trigger created for a job the launcher does
// not know is dropped again.
func (s *Scheduler) Fire(ctx context.Context, job string, params batch.Parameters) (*batch.JobExecution, error) {
	t := s.Trigger(job)
	exec, err := t.Fire(ctx, params)
	if errors.Is(err, batch.ErrUnknownJob) {
		s.forget(t)
	}
	return exec, err
}

func (s *Scheduler) forget(t *Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggers[t.job] == t && !t.scheduled() {
		delete(s.triggers, t.job)
	}
}

// Every launches job periodically.
func (s *Scheduler) Every(ctx context.Context, job string, interval time.Duration, params batch.Parameters) {
	s.Trigger(job).Start(ctx, interval, params)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	triggers := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		triggers = append(triggers, t)
	}
	s.mu.Unlock()
	for _, t := range triggers {
		t.Stop()
	}
}
