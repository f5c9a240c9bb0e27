// Package stream decodes an incrementally-delivered response body into
// discrete protocol frames. The decoder is a pure accumulator: Feed takes the
// next chunk of bytes and returns whatever complete frames it contains,
// carrying any partial record forward to the next call. All I/O and
// cancellation live in the transport driver.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TerminalSentinel is the data payload that signals end-of-stream. It is a
// payload value, not an event type, and is recognized even when the record
// carries no event marker.
const TerminalSentinel = "[DONE]"

// FrameType discriminates decoded frames.
type FrameType string

const (
	// FrameContent carries the cumulative assistant text so far. The wire
	// convention is cumulative snapshots, not deltas; consumers replace,
	// never concatenate.
	FrameContent FrameType = "content"

	// FrameDone signals the terminal sentinel was seen.
	FrameDone FrameType = "done"

	// FrameError carries a server-reported stream error.
	FrameError FrameType = "error"
)

// Frame is one parsed unit of a streamed response.
type Frame struct {
	Type      FrameType
	Text      string // cumulative text (content) or error detail (error)
	SessionID string // server-assigned session id, if the record carried one
	Event     string // raw event-type marker, informational only
}

// payload is the JSON shape of a content record's data line.
type payload struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// Decoder turns a byte stream into Frames. The zero value is ready to use.
type Decoder struct {
	rest []byte
	done bool
}

// Done reports whether the terminal sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk to the carried remainder and returns all frames whose
// records are now complete. Records are separated by blank lines; a record
// split across two Feed calls is handled by the remainder.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.rest = append(d.rest, chunk...)

	var frames []Frame
	for {
		record, rest, ok := cutRecord(d.rest)
		if !ok {
			break
		}
		d.rest = rest

		frame, ok := parseRecord(record)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if frame.Type == FrameDone {
			d.done = true
			break
		}
	}
	return frames
}

// Flush parses any carried remainder as a final record. The I/O driver calls
// it at end of stream, so a sentinel arriving at EOF without a trailing
// record separator is still recognized.
func (d *Decoder) Flush() []Frame {
	if d.done || len(bytes.TrimSpace(d.rest)) == 0 {
		d.rest = nil
		return nil
	}
	record := d.rest
	d.rest = nil

	frame, ok := parseRecord(record)
	if !ok {
		return nil
	}
	if frame.Type == FrameDone {
		d.done = true
	}
	return []Frame{frame}
}

// cutRecord splits buf at the first blank line (record separator), tolerating
// CRLF line endings.
func cutRecord(buf []byte) (record, rest []byte, ok bool) {
	idx := bytes.Index(buf, []byte("\n\n"))
	crlfIdx := bytes.Index(buf, []byte("\r\n\r\n"))
	if crlfIdx >= 0 && (idx < 0 || crlfIdx < idx) {
		return buf[:crlfIdx], buf[crlfIdx+4:], true
	}
	if idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	return nil, buf, false
}

// parseRecord decodes one record: an optional event-type marker line plus
// data payload lines. Returns ok=false for records with nothing to emit
// (comments, empty keepalives).
func parseRecord(record []byte) (Frame, bool) {
	var event string
	var dataLines []string

	for _, line := range strings.Split(string(record), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive line.
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// The sentinel terminates the stream even on a line the type
			// marker would not recognize as a record boundary.
			if strings.TrimSpace(line) == TerminalSentinel {
				return Frame{Type: FrameDone}, true
			}
			// Unknown line shape degrades to literal text.
			dataLines = append(dataLines, line)
		}
	}

	if len(dataLines) == 0 {
		return Frame{}, false
	}
	data := strings.Join(dataLines, "\n")

	if data == TerminalSentinel {
		return Frame{Type: FrameDone, Event: event}, true
	}

	var keys map[string]json.RawMessage
	var p payload
	if err := json.Unmarshal([]byte(data), &keys); err != nil || json.Unmarshal([]byte(data), &p) != nil {
		// Protocol tolerance: an unparseable payload is literal text, not a
		// reason to abort the stream.
		return Frame{Type: FrameContent, Text: data, Event: event}, true
	}

	if event == "error" || p.Error != "" {
		detail := p.Error
		if detail == "" {
			detail = data
		}
		return Frame{Type: FrameError, Text: detail, Event: event}, true
	}

	if _, ok := keys["output"]; !ok {
		// A JSON object with no output field is not a defined payload shape;
		// it degrades to literal text like any other unknown data.
		return Frame{Type: FrameContent, Text: data, SessionID: p.SessionID, Event: event}, true
	}

	return Frame{
		Type:      FrameContent,
		Text:      p.Output,
		SessionID: p.SessionID,
		Event:     event,
	}, true
}
