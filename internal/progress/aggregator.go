package progress

import (
	"context"
	"log/slog"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

// CountFunc answers a domain count query, such as the number of comics in a
// given state.
type CountFunc func(ctx context.Context) (int64, error)

// ProcessedFunc computes the processed count of the running step.
type ProcessedFunc func(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) (int64, error)

// StepWrites counts the items the sink accepted in the current step.
func StepWrites(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) (int64, error) {
	return step.WriteCount, nil
}

type AggregatorOption func(*Aggregator)

// WithStepTotal recomputes the total when the named step starts.
func WithStepTotal(step string, total CountFunc) AggregatorOption {
	return func(a *Aggregator) {
		a.stepTotals[step] = total
	}
}

// WithProcessed replaces the default write-count based processed value.
func WithProcessed(fn ProcessedFunc) AggregatorOption {
	return func(a *Aggregator) {
		a.processed = fn
	}
}

func WithLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// Aggregator turns job, step and chunk boundaries into snapshots on a topic.
// It keeps its working values in the execution context, so one aggregator
// may serve several concurrent executions.
type Aggregator struct {
	topic      string
	total      CountFunc
	stepTotals map[string]CountFunc
	processed  ProcessedFunc
	pub        Publisher
	logger     *slog.Logger
}

func NewAggregator(topic string, total CountFunc, pub Publisher, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		topic:      topic,
		total:      total,
		stepTotals: make(map[string]CountFunc),
		processed:  StepWrites,
		pub:        pub,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Topic() string {
	return a.topic
}

func (a *Aggregator) count(ctx context.Context, fn CountFunc) int64 {
	if fn == nil {
		return 0
	}
	n, err := fn(ctx)
	if err != nil {
		a.logger.Warn("progress total query failed", "topic", a.topic, "error", err)
		return 0
	}
	return n
}

func (a *Aggregator) BeforeJob(ctx context.Context, exec *batch.JobExecution) {
	total := a.count(ctx, a.total)
	v := update(exec, func(v *batch.ContextValues) {
		if exec.StartedAt != nil {
			v.StartedAt = *exec.StartedAt
		}
		v.StepName = ""
		v.Total = total
		v.Processed = 0
	})
	a.send(ctx, true, v)
}

func (a *Aggregator) AfterJob(ctx context.Context, exec *batch.JobExecution) {
	v := update(exec, func(v *batch.ContextValues) {
		if exec.Status == batch.StatusCompleted {
			v.Processed = v.Total
		}
	})
	a.send(ctx, false, v)
}

func (a *Aggregator) BeforeStep(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	fn, recount := a.stepTotals[step.StepName]
	var total int64
	if recount {
		total = a.count(ctx, fn)
	}
	v := update(exec, func(v *batch.ContextValues) {
		v.StepName = step.StepName
		v.Processed = 0
		if recount {
			v.Total = total
		}
	})
	a.send(ctx, true, v)
}

func (a *Aggregator) AfterStep(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	a.refresh(ctx, exec, step)
}

func (a *Aggregator) BeforeChunk(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	a.refresh(ctx, exec, step)
}

func (a *Aggregator) AfterChunk(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	a.refresh(ctx, exec, step)
}

func (a *Aggregator) ChunkError(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution, err error) {
	a.send(ctx, true, update(exec, nil))
}

func (a *Aggregator) refresh(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	n, err := a.processed(ctx, exec, step)
	if err != nil {
		a.logger.Warn("progress processed query failed", "topic", a.topic, "error", err)
	}
	v := update(exec, func(v *batch.ContextValues) {
		if err == nil {
			v.Processed = n
		}
	})
	a.send(ctx, true, v)
}

func (a *Aggregator) send(ctx context.Context, active bool, v batch.ContextValues) {
	publish(ctx, a.pub, a.logger, a.topic, Snapshot{
		Active:    active,
		Started:   v.StartedAt,
		StepName:  v.StepName,
		Total:     v.Total,
		Processed: v.Processed,
	})
}

func update(exec *batch.JobExecution, fn func(v *batch.ContextValues)) batch.ContextValues {
	if exec.Context == nil {
		exec.Context = batch.NewExecutionContext()
	}
	if fn == nil {
		return exec.Context.Values()
	}
	return exec.Context.Update(fn)
}
