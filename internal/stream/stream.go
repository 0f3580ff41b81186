// Package stream provides the single-consumption iterator shared by every
// streaming provider.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"llm-gateway/internal/apierror"
)

// ErrConsumed is returned by Recv after the stream completed, was closed, or
// while another Recv is in flight.
var ErrConsumed = errors.New("stream already consumed")

// Source yields the next item, io.EOF at the natural end.
type Source[T any] func() (T, error)

// Stream is a lazily pulled sequence of items backed by one connection.
type Stream[T any] struct {
	ctx    context.Context
	next   Source[T]
	closer func() error

	busy     atomic.Bool
	finished atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps next. closer releases the underlying connection and runs exactly
// once, on completion, error, or Close.
func New[T any](ctx context.Context, next Source[T], closer func() error) *Stream[T] {
	if closer == nil {
		closer = func() error { return nil }
	}
	return &Stream[T]{ctx: ctx, next: next, closer: closer}
}

// Recv returns the next item. It returns io.EOF once when the stream ends
// normally or the caller's context is cancelled.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if !s.busy.CompareAndSwap(false, true) {
		return zero, ErrConsumed
	}
	defer s.busy.Store(false)

	if s.finished.Load() {
		return zero, ErrConsumed
	}
	if s.cancelled() {
		s.finish()
		return zero, io.EOF
	}

	item, err := s.next()
	if err == nil {
		return item, nil
	}

	s.finish()
	if errors.Is(err, io.EOF) || s.cancelled() || s.closed.Load() {
		return zero, io.EOF
	}
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return zero, apierror.Wrap(apierror.KindTimeout, "", context.Cause(s.ctx))
	}
	return zero, err
}

// Close abandons the stream and releases the connection. Safe to call more
// than once and concurrently with Recv.
func (s *Stream[T]) Close() error {
	s.closed.Store(true)
	return s.finish()
}

// All ranges over the remaining items. Breaking out of the loop closes the
// stream; a terminal error is yielded once.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			item, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(item, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (s *Stream[T]) finish() error {
	s.finished.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.closer()
	})
	return s.closeErr
}

// cancelled reports a caller-initiated cancellation. A deadline is not a
// cancellation and surfaces as an error.
func (s *Stream[T]) cancelled() bool {
	return errors.Is(s.ctx.Err(), context.Canceled)
}

// Collect drains the stream into a slice.
func Collect[T any](s *Stream[T]) ([]T, error) {
	var out []T
	for item, err := range s.All() {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
