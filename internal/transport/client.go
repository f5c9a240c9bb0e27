// Package transport posts user messages to the configured backend endpoint
// and drives the reply back into the thread engine, in either standard
// (single JSON body) or streaming mode.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chatbridge/internal/chat"
	"chatbridge/internal/classify"
	"chatbridge/internal/config"
	"chatbridge/internal/session"
	"chatbridge/internal/stream"
)

// readBufferSize matches typical proxy flush granularity; smaller buffers
// only add syscalls.
const readBufferSize = 4096

// maxErrorBodyBytes bounds how much of a failed response lands in logs.
const maxErrorBodyBytes = 8 << 10

// Client implements chat.Runner over HTTP. One Client serves one bridge
// instance; it is safe for the sequential call pattern the engine guarantees.
type Client struct {
	cfg      *config.Config
	sessions *session.Store
	http     *http.Client
	logger   *slog.Logger
}

// New creates a transport client. The request deadline comes from
// cfg.RequestTimeout via per-request contexts, not from the http.Client, so
// caller cancellation and transport timeout stay distinguishable.
func New(cfg *config.Config, sessions *session.Store, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		http:     &http.Client{},
		logger:   logger,
	}
}

// Send posts input to the backend and reports progress through sink. It
// returns nil only after sink.Complete has been called. Errors come back
// classifiable: *classify.StatusError for non-2xx responses, context errors
// for cancellation and deadline, classify.ErrMalformedStream for a broken
// stream.
func (c *Client) Send(ctx context.Context, input, messageID string, sink chat.Sink) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, input)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// The context error, when present, takes precedence over the url.Error
		// wrapper so cancellation and deadline classify correctly.
		if ctxErr := reqCtx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn("backend returned error status",
			"status", resp.StatusCode,
			"elapsed", time.Since(start),
		)
		return &classify.StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if c.cfg.Mode == config.ModeStreaming {
		return c.consumeStream(reqCtx, resp.Body, messageID, sink)
	}
	return c.consumeStandard(reqCtx, resp.Body, messageID, sink)
}

func (c *Client) buildRequest(ctx context.Context, input string) (*http.Request, error) {
	payload := map[string]any{
		c.cfg.ChatInputKey: input,
		c.cfg.SessionKey:   c.sessions.Get(),
		"action":           "sendMessage",
	}
	if len(c.cfg.Metadata) > 0 {
		payload["context"] = c.cfg.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Mode == config.ModeStreaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// standardResponse is the single-JSON reply shape. A missing output field is
// empty text, not an error.
type standardResponse struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId"`
}

func (c *Client) consumeStandard(ctx context.Context, body io.Reader, messageID string, sink chat.Sink) error {
	data, err := io.ReadAll(body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read response body: %w", err)
	}

	var reply standardResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("%w: %s", classify.ErrMalformedStream, "response body is not valid JSON")
	}

	if reply.SessionID != "" {
		c.sessions.Adopt(reply.SessionID)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sink.Complete(messageID, reply.Output)
	return nil
}

// consumeStream reads the body chunkwise, feeds the decoder, and applies each
// content frame as a cumulative snapshot. The stream must end with the
// terminal sentinel; EOF without it is a malformed stream.
func (c *Client) consumeStream(ctx context.Context, body io.Reader, messageID string, sink chat.Sink) error {
	var dec stream.Decoder
	buf := make([]byte, readBufferSize)
	var latest string

	apply := func(frames []stream.Frame) (done bool, err error) {
		for _, frame := range frames {
			if ctx.Err() != nil {
				// No callbacks after cancellation; a frame already decoded
				// is dropped rather than delivered late.
				return false, ctx.Err()
			}
			switch frame.Type {
			case stream.FrameContent:
				if frame.SessionID != "" {
					c.sessions.Adopt(frame.SessionID)
				}
				latest = frame.Text
				sink.UpdatePartial(messageID, frame.Text)
			case stream.FrameError:
				c.logger.Warn("backend reported stream error", "detail", frame.Text)
				return false, fmt.Errorf("%w: server error frame", classify.ErrMalformedStream)
			case stream.FrameDone:
				sink.Complete(messageID, latest)
				return true, nil
			}
		}
		return false, nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			done, err := apply(dec.Feed(buf[:n]))
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if readErr == io.EOF {
				// A final record may sit in the decoder without a trailing
				// separator; flush it before judging the stream.
				done, err := apply(dec.Flush())
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				// The sentinel never arrived; the reply cannot be trusted as
				// complete.
				return fmt.Errorf("%w: stream ended without terminal sentinel", classify.ErrMalformedStream)
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}

// parseRetryAfter handles the delay-seconds form of the header. The HTTP-date
// form is rare on rate limiters and is ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
