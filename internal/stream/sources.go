package stream

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"llm-gateway/internal/sse"
)

// FrameFunc converts one server-sent event into zero or more items. final
// reports that the provider marked this frame as the last one.
type FrameFunc[T any] func(ev sse.Event) (items []T, final bool, err error)

// FromSSE streams items decoded from an event-stream body. The body is
// closed when the stream ends. Decode failures are logged with the raw frame
// and end the stream with the error.
func FromSSE[T any](ctx context.Context, body io.ReadCloser, decode FrameFunc[T], logger zerolog.Logger) *Stream[T] {
	src := &sseSource[T]{
		dec:    sse.NewDecoder(body),
		decode: decode,
		logger: logger,
	}
	return New(ctx, src.next, body.Close)
}

type sseSource[T any] struct {
	dec    *sse.Decoder
	decode FrameFunc[T]
	logger zerolog.Logger
	queue  []T
	final  bool
}

func (s *sseSource[T]) next() (T, error) {
	var zero T
	for {
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			return item, nil
		}
		if s.final {
			return zero, io.EOF
		}

		ev, err := s.dec.Next()
		if err != nil {
			return zero, err
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		items, final, err := s.decode(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("event", ev.Event).Str("frame", ev.Data).Msg("decode stream frame")
			return zero, err
		}
		s.queue = append(s.queue, items...)
		s.final = final
	}
}

type pipeItem[T any] struct {
	value T
	err   error
}

// Pipe is a bounded queue between a producer goroutine and a Stream. A full
// queue blocks the producer until the consumer catches up.
type Pipe[T any] struct {
	items    chan pipeItem[T]
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPipe creates a pipe holding at most capacity undelivered items.
func NewPipe[T any](capacity int) *Pipe[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Pipe[T]{
		items: make(chan pipeItem[T], capacity),
		stop:  make(chan struct{}),
	}
}

// Send delivers an item. It returns false once the consumer has gone away.
func (p *Pipe[T]) Send(v T) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.items <- pipeItem[T]{value: v}:
		return true
	case <-p.stop:
		return false
	}
}

// CloseWithError ends the pipe. A nil error is a normal end. The producer
// must not Send afterwards.
func (p *Pipe[T]) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.items <- pipeItem[T]{err: err}:
	case <-p.stop:
	}
}

// Stop releases a blocked producer. Called from the consumer side.
func (p *Pipe[T]) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// FromPipe streams items from p. closer runs once after p.Stop. A Recv
// blocked on an empty pipe returns io.EOF once the stream is closed.
func FromPipe[T any](ctx context.Context, p *Pipe[T], closer func() error) *Stream[T] {
	next := func() (T, error) {
		var zero T
		select {
		case <-p.stop:
			return zero, io.EOF
		default:
		}
		select {
		case it := <-p.items:
			return it.value, it.err
		case <-p.stop:
			return zero, io.EOF
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return New(ctx, next, func() error {
		p.Stop()
		if closer == nil {
			return nil
		}
		return closer()
	})
}
