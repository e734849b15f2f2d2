package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ContentTypeNDJSON is the media type of line-delimited streams.
const ContentTypeNDJSON = "application/x-ndjson"

// maxLineBytes bounds one decoded line; synthesis chunks dominate.
const maxLineBytes = 16 << 20

// Encoder writes one event per line and flushes after each one, so a line is
// never split across two network writes by buffering.
type Encoder struct {
	w     io.Writer
	flush func() error
	buf   bytes.Buffer
}

type errFlusher interface{ Flush() error }
type plainFlusher interface{ Flush() }

// NewEncoder creates an encoder. If w can flush (bufio.Writer, http.Flusher)
// it is flushed after every event.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	switch f := w.(type) {
	case errFlusher:
		enc.flush = f.Flush
	case plainFlusher:
		enc.flush = func() error { f.Flush(); return nil }
	}
	return enc
}

// Encode writes ev followed by a newline.
func (e *Encoder) Encode(ev Event) error {
	e.buf.Reset()
	if err := json.NewEncoder(&e.buf).Encode(ev); err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return err
	}
	if e.flush != nil {
		return e.flush()
	}
	return nil
}

// Send implements Sink.
func (e *Encoder) Send(ev Event) error {
	return e.Encode(ev)
}

// Decoder reads events written by Encoder.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// Decode returns the next event, or io.EOF at the end of the stream.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Event{}, err
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
