// Package sse reads and writes text/event-stream framing.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data []byte
	ID   string
}

// Decode unmarshals the event data as JSON.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Decoder splits a stream into events. It is not safe for concurrent use.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &Decoder{sc: sc}
}

// Next returns the next event. It returns io.EOF when the stream ends
// without a partially buffered event.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    bytes.Buffer
		hasData bool
		hasAny  bool
	)
	for d.sc.Scan() {
		line := d.sc.Text()
		if line == "" {
			if !hasAny {
				continue
			}
			if hasData {
				ev.Data = data.Bytes()
			}
			if ev.Name == "" {
				ev.Name = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		hasAny = true
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	if hasAny {
		// stream closed without the trailing blank line
		if hasData {
			ev.Data = data.Bytes()
		}
		if ev.Name == "" {
			ev.Name = "message"
		}
		return ev, nil
	}
	return Event{}, io.EOF
}

// Write encodes payload as JSON and writes one event.
func Write(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
