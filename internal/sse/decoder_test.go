package sse

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "event: result\ndata: {\"a\":1}\n\n" +
	": keep-alive\n" +
	"id:7\nevent:result\ndata:{\"a\":2}\n\n" +
	"data: line one\r\ndata: line two\r\n\r\n" +
	"data: [DONE]\n\n" +
	"data: {\"after\":true}\n\n"

func decodeAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	dec := NewDecoder(r)
	var out []Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func payloads(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event+"|"+ev.Data)
	}
	return out
}

func TestDecoderParsesFields(t *testing.T) {
	events := decodeAll(t, strings.NewReader(sample))
	require.Len(t, events, 3)

	assert.Equal(t, "result", events[0].Event)
	assert.Equal(t, `{"a":1}`, events[0].Data)

	assert.Equal(t, "7", events[1].ID)
	assert.Equal(t, "result", events[1].Event)
	assert.Equal(t, `{"a":2}`, events[1].Data)

	assert.Equal(t, "line one\nline two", events[2].Data)
}

func TestDecoderChunkBoundaryInsensitive(t *testing.T) {
	whole := payloads(decodeAll(t, strings.NewReader(sample)))

	for split := 1; split < len(sample); split++ {
		dec := NewDecoder(nil)
		var events []Event
		events = append(events, dec.Feed([]byte(sample[:split]))...)
		events = append(events, dec.Feed([]byte(sample[split:]))...)
		events = append(events, dec.Flush()...)
		assert.Equal(t, whole, payloads(events), "split at %d", split)
	}

	oneByte := decodeAll(t, iotest.OneByteReader(strings.NewReader(sample)))
	assert.Equal(t, whole, payloads(oneByte))
}

func TestDecoderStopsAtDone(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: 1\n\ndata: [DONE]\n\ndata: 2\n\n"))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", ev.Data)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
	assert.True(t, dec.Done())

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderFlushesTrailingEvent(t *testing.T) {
	events := decodeAll(t, strings.NewReader("data: {\"x\":1}"))
	require.Len(t, events, 1)
	assert.Equal(t, `{"x":1}`, events[0].Data)
}

func TestDecoderIgnoresBlankRuns(t *testing.T) {
	events := decodeAll(t, strings.NewReader("\n\n\ndata: a\n\n\n\n"))
	require.Len(t, events, 1)
}

func TestDecoderPropagatesReadErrors(t *testing.T) {
	dec := NewDecoder(iotest.ErrReader(io.ErrUnexpectedEOF))
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIsDone(t *testing.T) {
	assert.True(t, IsDone("[DONE]"))
	assert.True(t, IsDone("[DONE] trailing"))
	assert.False(t, IsDone(`["DONE"]`))
}
