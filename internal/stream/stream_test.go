package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/sse"
)

func sliceSource(items ...int) Source[int] {
	i := 0
	return func() (int, error) {
		if i >= len(items) {
			return 0, io.EOF
		}
		i++
		return items[i-1], nil
	}
}

type countingCloser struct {
	io.Reader
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func TestRecvUntilEOFThenConsumed(t *testing.T) {
	var closes int
	s := New(context.Background(), sliceSource(1, 2, 3), func() error { closes++; return nil })

	for want := 1; want <= 3; want++ {
		got, err := s.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := s.Recv()
	assert.Equal(t, io.EOF, err)

	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrConsumed)
	assert.Equal(t, 1, closes)
}

func TestConcurrentRecvIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(context.Background(), func() (int, error) {
		close(entered)
		<-release
		return 7, nil
	}, nil)

	done := make(chan int)
	go func() {
		v, _ := s.Recv()
		done <- v
	}()

	<-entered
	_, err := s.Recv()
	assert.ErrorIs(t, err, ErrConsumed)

	close(release)
	assert.Equal(t, 7, <-done)
}

func TestCancelledContextCompletesGracefully(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls, closes int
	s := New(ctx, func() (int, error) { calls++; return calls, nil }, func() error { closes++; return nil })

	v, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	cancel()
	_, err = s.Recv()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, calls, "no read after cancellation")
	assert.Equal(t, 1, closes)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, closes)
}

func TestSourceErrorAbortsStream(t *testing.T) {
	boom := apierror.New(apierror.KindInternalServer, "test", "boom")
	var closes int
	s := New(context.Background(), func() (int, error) { return 0, boom }, func() error { closes++; return nil })

	_, err := s.Recv()
	assert.ErrorIs(t, err, apierror.ErrInternalServer)
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrConsumed)
	assert.Equal(t, 1, closes)
}

func TestDeadlineSurfacesAsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s := New(ctx, func() (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)

	_, err := s.Recv()
	assert.ErrorIs(t, err, apierror.ErrTimeout)
}

func TestAllBreakClosesStream(t *testing.T) {
	var closes int
	s := New(context.Background(), sliceSource(1, 2, 3), func() error { closes++; return nil })

	var seen []int
	for v, err := range s.All() {
		require.NoError(t, err)
		seen = append(seen, v)
		if v == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 1, closes)

	_, err := s.Recv()
	assert.ErrorIs(t, err, ErrConsumed)
}

type frame struct {
	N int `json:"n"`
}

func decodeFrame(ev sse.Event) ([]int, bool, error) {
	var f frame
	if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
		return nil, false, err
	}
	return []int{f.N}, false, nil
}

func TestFromSSEThreeFramesThenDone(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader(
		"data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\ndata: [DONE]\n\n")}
	s := FromSSE(context.Background(), body, decodeFrame, zerolog.Nop())

	got, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestFromSSEStopsAtFinalFrame(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader(
		"data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\n")}
	s := FromSSE(context.Background(), body, func(ev sse.Event) ([]int, bool, error) {
		items, _, err := decodeFrame(ev)
		return items, len(items) == 1 && items[0] == 2, err
	}, zerolog.Nop())

	got, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFromSSEMalformedFrame(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader("data: {\"n\":1}\n\ndata: {oops\n\ndata: {\"n\":3}\n\n")}
	s := FromSSE(context.Background(), body, decodeFrame, zerolog.Nop())

	v, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.Recv()
	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestPipeDeliversAndReleasesProducer(t *testing.T) {
	p := NewPipe[int](1)
	produced := make(chan bool, 1)
	go func() {
		for i := 1; i <= 3; i++ {
			if !p.Send(i) {
				produced <- false
				return
			}
		}
		p.CloseWithError(nil)
		produced <- true
	}()

	s := FromPipe(context.Background(), p, nil)
	got, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.True(t, <-produced)
}

func TestPipeStopUnblocksProducer(t *testing.T) {
	p := NewPipe[int](1)
	result := make(chan bool, 1)
	go func() {
		p.Send(1)
		p.Send(2)
		result <- p.Send(3)
	}()

	var closes int
	s := FromPipe(context.Background(), p, func() error { closes++; return nil })
	v, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.Close())
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Close")
	}
	assert.Equal(t, 1, closes)
}

func TestPipeCloseReleasesPendingRecv(t *testing.T) {
	p := NewPipe[int](1)
	s := FromPipe(context.Background(), p, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}

	_, err := s.Recv()
	assert.ErrorIs(t, err, ErrConsumed)
}
