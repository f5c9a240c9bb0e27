package stubserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// streamReply writes the reply as a sequence of cumulative snapshot records
// followed by the terminal sentinel. Each record carries the full text so
// far; clients replace, never concatenate.
func (s *Server) streamReply(w http.ResponseWriter, r *http.Request, reply, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("response writer does not support flushing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := &streamWriter{w: w, flusher: flusher}

	stopKeepAlive := s.startKeepAlive(sw)
	defer stopKeepAlive()

	words := strings.Fields(reply)
	var cumulative strings.Builder
	for i, word := range words {
		select {
		case <-r.Context().Done():
			s.logger.Debug("client disconnected mid-stream", "session_id", sessionID)
			return
		default:
		}

		if i > 0 {
			cumulative.WriteString(" ")
		}
		cumulative.WriteString(word)

		if err := sw.writeRecord("message", contentPayload{
			Output:    cumulative.String(),
			SessionID: sessionID,
		}); err != nil {
			s.logger.Debug("stream write failed", "error", err)
			return
		}

		if s.opts.ChunkDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.opts.ChunkDelay):
			}
		}
	}

	if err := sw.writeSentinel(); err != nil {
		s.logger.Debug("sentinel write failed", "error", err)
	}
}

type contentPayload struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId,omitempty"`
}

// streamWriter serializes writes to one response; record writes from the
// handler and comment keepalives from the ticker goroutine interleave on it.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// writeRecord writes one event record: a type marker line, a data line, and
// the blank-line separator.
func (sw *streamWriter) writeRecord(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode record payload: %w", err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

func (sw *streamWriter) writeSentinel() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// writeComment writes a keepalive comment line, ignored by decoders.
func (sw *streamWriter) writeComment() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// startKeepAlive sends comment lines on a ticker until the returned stop
// function is called. Write failures stop it on their own.
func (s *Server) startKeepAlive(sw *streamWriter) (stop func()) {
	if s.opts.KeepAliveInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.opts.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sw.writeComment(); err != nil {
					s.logger.Debug("keepalive write failed, stopping", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
