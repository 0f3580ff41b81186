// Package sse decodes text/event-stream bodies into discrete events.
package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

const readBufferSize = 4096

// Event is one dispatched server-sent event.
type Event struct {
	Event string
	Data  string
	ID    string
	// Raw keeps the undecoded lines for diagnostics.
	Raw []string
}

func (e Event) empty() bool {
	return e.Event == "" && e.Data == "" && e.ID == "" && len(e.Raw) == 0
}

// IsDone reports whether a data payload is the end-of-stream sentinel.
func IsDone(data string) bool {
	return strings.HasPrefix(data, "[DONE]")
}

// Decoder turns byte chunks into events regardless of how the bytes are
// split across reads.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending Event
	data    []string
	queue   []Event
	chunk   []byte
	done    bool
	eof     bool
}

// NewDecoder reads from r. A nil reader is allowed when only Feed and Flush
// are used.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends a chunk and returns the events it completed.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Event
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(d.buf[:idx], []byte{'\r'}))
		d.buf = d.buf[idx+1:]
		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	if d.done {
		d.buf = nil
	}
	return out
}

// Flush processes a trailing unterminated line and emits the pending event.
func (d *Decoder) Flush() []Event {
	if d.done {
		return nil
	}
	var out []Event
	if len(d.buf) > 0 {
		line := strings.TrimSuffix(string(d.buf), "\r")
		d.buf = nil
		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	if ev, ok := d.dispatch(); ok {
		out = append(out, ev)
	}
	return out
}

// Next returns the next event, or io.EOF once the reader is exhausted or the
// [DONE] sentinel arrives.
func (d *Decoder) Next() (Event, error) {
	if d.r == nil {
		return Event{}, errors.New("sse: decoder has no reader")
	}
	if d.chunk == nil {
		d.chunk = make([]byte, readBufferSize)
	}
	for {
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			return ev, nil
		}
		if d.done || d.eof {
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.queue = append(d.queue, d.Feed(d.chunk[:n])...)
		}
		if errors.Is(err, io.EOF) {
			d.eof = true
			d.queue = append(d.queue, d.Flush()...)
			continue
		}
		if err != nil {
			return Event{}, err
		}
	}
}

func (d *Decoder) processLine(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	d.pending.Raw = append(d.pending.Raw, line)

	switch field {
	case "data":
		if IsDone(value) {
			d.done = true
			d.pending = Event{}
			d.data = nil
			return Event{}, false
		}
		d.data = append(d.data, value)
	case "event":
		d.pending.Event = value
	case "id":
		d.pending.ID = value
	}
	return Event{}, false
}

func (d *Decoder) dispatch() (Event, bool) {
	ev := d.pending
	ev.Data = strings.Join(d.data, "\n")
	d.pending = Event{}
	d.data = nil
	if ev.empty() {
		return Event{}, false
	}
	return ev, true
}
