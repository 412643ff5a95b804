package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Listener implementations must be comparable (pointer receivers) so they can
// be removed again.

type JobListener interface {
	BeforeJob(ctx context.Context, exec *JobExecution)
	AfterJob(ctx context.Context, exec *JobExecution)
}

type StepListener interface {
	BeforeStep(ctx context.Context, exec *JobExecution, step *StepExecution)
	AfterStep(ctx context.Context, exec *JobExecution, step *StepExecution)
}

type ChunkListener interface {
	BeforeChunk(ctx context.Context, exec *JobExecution, step *StepExecution)
	AfterChunk(ctx context.Context, exec *JobExecution, step *StepExecution)
	ChunkError(ctx context.Context, exec *JobExecution, step *StepExecution, err error)
}

// Listeners is an ordered observer registry. Dispatch follows registration
// order.
type Listeners struct {
	mu     sync.RWMutex
	jobs   []JobListener
	steps  []StepListener
	chunks []ChunkListener
}

// Add registers l for every listener interface it implements.
func (r *Listeners) Add(l any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if jl, ok := l.(JobListener); ok {
		r.jobs = append(r.jobs, jl)
	}
	if sl, ok := l.(StepListener); ok {
		r.steps = append(r.steps, sl)
	}
	if cl, ok := l.(ChunkListener); ok {
		r.chunks = append(r.chunks, cl)
	}
}

func (r *Listeners) Remove(l any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = removeListener(r.jobs, l)
	r.steps = removeListener(r.steps, l)
	r.chunks = removeListener(r.chunks, l)
}

func removeListener[L any](list []L, target any) []L {
	out := list[:0:0]
	for _, l := range list {
		if any(l) != target {
			out = append(out, l)
		}
	}
	return out
}

// merged returns a registry holding r's listeners followed by extra's.
func (r *Listeners) merged(extra *Listeners) *Listeners {
	out := &Listeners{}
	for _, src := range []*Listeners{r, extra} {
		if src == nil {
			continue
		}
		src.mu.RLock()
		out.jobs = append(out.jobs, src.jobs...)
		out.steps = append(out.steps, src.steps...)
		out.chunks = append(out.chunks, src.chunks...)
		src.mu.RUnlock()
	}
	return out
}

// notifier dispatches callbacks and shields the batch from listener panics.
type notifier struct {
	listeners *Listeners
	logger    *slog.Logger
}

func (n *notifier) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("batch listener panicked", "callback", name, "error", fmt.Sprint(r))
		}
	}()
	fn()
}

func (n *notifier) beforeJob(ctx context.Context, exec *JobExecution) {
	for _, l := range n.listeners.jobs {
		n.safely("BeforeJob", func() { l.BeforeJob(ctx, exec) })
	}
}

func (n *notifier) afterJob(ctx context.Context, exec *JobExecution) {
	for _, l := range n.listeners.jobs {
		n.safely("AfterJob", func() { l.AfterJob(ctx, exec) })
	}
}

func (n *notifier) beforeStep(ctx context.Context, exec *JobExecution, step *StepExecution) {
	for _, l := range n.listeners.steps {
		n.safely("BeforeStep", func() { l.BeforeStep(ctx, exec, step) })
	}
}

func (n *notifier) afterStep(ctx context.Context, exec *JobExecution, step *StepExecution) {
	for _, l := range n.listeners.steps {
		n.safely("AfterStep", func() { l.AfterStep(ctx, exec, step) })
	}
}

func (n *notifier) beforeChunk(ctx context.Context, exec *JobExecution, step *StepExecution) {
	for _, l := range n.listeners.chunks {
		n.safely("BeforeChunk", func() { l.BeforeChunk(ctx, exec, step) })
	}
}

func (n *notifier) afterChunk(ctx context.Context, exec *JobExecution, step *StepExecution) {
	for _, l := range n.listeners.chunks {
		n.safely("AfterChunk", func() { l.AfterChunk(ctx, exec, step) })
	}
}

func (n *notifier) chunkError(ctx context.Context, exec *JobExecution, step *StepExecution, err error) {
	for _, l := range n.listeners.chunks {
		n.safely("ChunkError", func() { l.ChunkError(ctx, exec, step, err) })
	}
}
