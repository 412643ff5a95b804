package batch

import (
	"context"
	"fmt"
	"io"
)

const DefaultChunkSize = 10

// Step is one unit of work inside a Job.
type Step interface {
	Name() string
	Execute(ctx context.Context, scope *StepScope) error
}

// StepScope gives a running step access to its executions and to the chunk
// notifications.
type StepScope struct {
	Job  *JobExecution
	Step *StepExecution

	notify  *notifier
	persist func(ctx context.Context)
}

func (s *StepScope) BeforeChunk(ctx context.Context) {
	s.notify.beforeChunk(ctx, s.Job, s.Step)
}

func (s *StepScope) AfterChunk(ctx context.Context) {
	if s.persist != nil {
		s.persist(ctx)
	}
	s.notify.afterChunk(ctx, s.Job, s.Step)
}

func (s *StepScope) ChunkError(ctx context.Context, err error) {
	s.notify.chunkError(ctx, s.Job, s.Step, err)
}

type stepOptions struct {
	chunkSize int
}

type StepOption func(*stepOptions)

// WithChunkSize bounds how many items are read before a commit.
func WithChunkSize(n int) StepOption {
	return func(o *stepOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// ChunkStep reads items from a Source, transforms them and commits them in
// chunks through a Sink.
type ChunkStep[I, O any] struct {
	name      string
	open      SourceFactory[I]
	transform Transform[I, O]
	sink      Sink[O]
	chunkSize int
}

// NewChunkStep builds a chunk step. A nil transform passes items through
// unchanged, which requires I to be assignable to O.
func NewChunkStep[I, O any](name string, open SourceFactory[I], transform Transform[I, O], sink Sink[O], opts ...StepOption) *ChunkStep[I, O] {
	o := stepOptions{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &ChunkStep[I, O]{
		name:      name,
		open:      open,
		transform: transform,
		sink:      sink,
		chunkSize: o.chunkSize,
	}
}

func (s *ChunkStep[I, O]) Name() string {
	return s.name
}

func (s *ChunkStep[I, O]) ChunkSize() int {
	return s.chunkSize
}

func (s *ChunkStep[I, O]) Execute(ctx context.Context, scope *StepScope) error {
	src, err := s.open(ctx)
	if err != nil {
		return &ItemError{Kind: ErrItemRead, Step: s.name, Err: fmt.Errorf("open source: %w", err)}
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		first, ok, err := src.Next(ctx)
		if err == nil && !ok {
			return nil
		}

		scope.BeforeChunk(ctx)
		if err != nil {
			err = &ItemError{Kind: ErrItemRead, Step: s.name, Err: err}
		} else {
			err = s.chunk(ctx, scope, src, first)
		}
		if err != nil {
			scope.ChunkError(ctx, err)
			return err
		}
		scope.AfterChunk(ctx)
	}
}

// chunk processes one chunk starting at first. Counters are only applied to
// the step execution after the sink accepted the batch.
func (s *ChunkStep[I, O]) chunk(ctx context.Context, scope *StepScope, src Source[I], first I) error {
	var read, skipped int64
	batch := make([]O, 0, s.chunkSize)

	item := first
	for {
		read++
		out, keep, err := s.apply(ctx, item)
		if err != nil {
			return &ItemError{Kind: ErrItemTransform, Step: s.name, Err: err}
		}
		if keep {
			batch = append(batch, out)
		} else {
			skipped++
		}
		if read >= int64(s.chunkSize) {
			break
		}
		next, ok, err := src.Next(ctx)
		if err != nil {
			return &ItemError{Kind: ErrItemRead, Step: s.name, Err: err}
		}
		if !ok {
			break
		}
		item = next
	}

	if len(batch) > 0 {
		if err := s.sink.WriteBatch(ctx, batch); err != nil {
			return &ItemError{Kind: ErrChunkWrite, Step: s.name, Err: err}
		}
	}

	se := scope.Step
	se.ReadCount += read
	se.WriteCount += int64(len(batch))
	se.SkipCount += skipped
	se.CommitCount++

	ChunksCommittedTotal.WithLabelValues(scope.Job.JobName, s.name).Inc()
	ItemsWrittenTotal.WithLabelValues(scope.Job.JobName, s.name).Add(float64(len(batch)))
	ItemsSkippedTotal.WithLabelValues(scope.Job.JobName, s.name).Add(float64(skipped))
	return nil
}

func (s *ChunkStep[I, O]) apply(ctx context.Context, item I) (O, bool, error) {
	if s.transform != nil {
		return s.transform(ctx, item)
	}
	out, ok := any(item).(O)
	if !ok {
		var zero O
		return zero, false, fmt.Errorf("no transform from %T", item)
	}
	return out, true, nil
}
