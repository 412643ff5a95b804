package batch

import (
	"context"
)

// Source hands out items one at a time. Once it reports no more items it
// must keep doing so without side effects.
type Source[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

// SourceFactory opens a fresh Source. It is called once per step execution so
// the source always reflects the current predicate of the underlying store.
type SourceFactory[T any] func(ctx context.Context) (Source[T], error)

// Sink persists a batch atomically: either every item is stored or none is.
type Sink[T any] interface {
	WriteBatch(ctx context.Context, items []T) error
}

type SinkFunc[T any] func(ctx context.Context, items []T) error

func (f SinkFunc[T]) WriteBatch(ctx context.Context, items []T) error {
	return f(ctx, items)
}

// Transform converts one item. Returning keep=false drops the item from the
// chunk.
type Transform[I, O any] func(ctx context.Context, item I) (out O, keep bool, err error)

// PageFetcher loads up to limit items whose key is greater than after.
type PageFetcher[T any] func(ctx context.Context, after int64, limit int) ([]T, error)

// PagedSource walks a predicate with keyset paging. The cursor lives only in
// this instance, so reopening starts again from whatever still matches.
type PagedSource[T any] struct {
	fetch    PageFetcher[T]
	key      func(T) int64
	pageSize int

	buf       []T
	after     int64
	exhausted bool
}

func NewPagedSource[T any](fetch PageFetcher[T], key func(T) int64, pageSize int) *PagedSource[T] {
	if pageSize <= 0 {
		pageSize = DefaultChunkSize
	}
	return &PagedSource[T]{fetch: fetch, key: key, pageSize: pageSize}
}

// PagedSourceFactory returns a factory that opens a new PagedSource per step.
func PagedSourceFactory[T any](fetch PageFetcher[T], key func(T) int64, pageSize int) SourceFactory[T] {
	return func(ctx context.Context) (Source[T], error) {
		return NewPagedSource(fetch, key, pageSize), nil
	}
}

func (s *PagedSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if len(s.buf) == 0 {
		if s.exhausted {
			return zero, false, nil
		}
		page, err := s.fetch(ctx, s.after, s.pageSize)
		if err != nil {
			return zero, false, err
		}
		if len(page) == 0 {
			s.exhausted = true
			return zero, false, nil
		}
		s.buf = page
	}
	item := s.buf[0]
	s.buf = s.buf[1:]
	s.after = s.key(item)
	return item, true, nil
}

// SliceSource serves a fixed list of items.
type SliceSource[T any] struct {
	items []T
	pos   int
}

func NewSliceSource[T any](items ...T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

func (s *SliceSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}
