// Package classify maps transport and protocol failures into a closed typed
// taxonomy with a retry policy per kind. Consumers switch on Kind, never on
// message text. Classification is pure and synchronous; it performs no I/O.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind identifies one failure category.
type Kind string

const (
	KindOffline           Kind = "offline"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rateLimited"
	KindServerError       Kind = "serverError"
	KindBadGateway        Kind = "badGateway"
	KindUnauthorized      Kind = "unauthorized"
	KindMalformedResponse Kind = "malformedResponse"
	KindCancelled         Kind = "cancelled"
	KindUnknown           Kind = "unknown"
)

// Classified is the normalized failure shape handed to the retry manager and,
// on terminal failures, to the thread engine. UserMessage is short and
// backend-agnostic; raw diagnostic detail stays in logs.
type Classified struct {
	Kind        Kind
	UserMessage string
	Retryable   bool
	RetryAfter  time.Duration
}

// userMessages holds the per-kind text shown to end users. Cancellation is
// not an error path and carries no user-visible text.
var userMessages = map[Kind]string{
	KindOffline:           "You appear to be offline. Your message will be sent when the connection returns.",
	KindTimeout:           "The chat service took too long to respond. Please try again.",
	KindRateLimited:       "Too many messages right now. Please wait a moment and try again.",
	KindServerError:       "The chat service ran into a problem. Please try again.",
	KindBadGateway:        "The chat service is temporarily unreachable. Please try again shortly.",
	KindUnauthorized:      "You are not authorized to use this chat. Please sign in again.",
	KindMalformedResponse: "The chat service sent a reply we could not understand.",
	KindUnknown:           "Something went wrong. Please try again.",
}

// StatusError is returned by the transport for a completed-but-unsuccessful
// HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 if absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// ErrMalformedStream marks a streamed body that ended without the terminal
// sentinel or otherwise broke the wire protocol.
var ErrMalformedStream = errors.New("malformed response stream")

// Classify maps a failure to its taxonomy entry.
func Classify(err error) Classified {
	switch {
	case err == nil:
		return Classified{Kind: KindUnknown, UserMessage: userMessages[KindUnknown]}

	case errors.Is(err, context.Canceled):
		// Explicit user/caller cancellation: not an error path.
		return Classified{Kind: KindCancelled}

	case errors.Is(err, context.DeadlineExceeded):
		return classified(KindTimeout, true, 0)

	case errors.Is(err, ErrMalformedStream):
		return classified(KindMalformedResponse, false, 0)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	if isOffline(err) {
		// Routed to the offline queue by the caller, not the retry manager.
		return classified(KindOffline, true, 0)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classified(KindTimeout, true, 0)
	}

	return classified(KindUnknown, false, 0)
}

func classifyStatus(err *StatusError) Classified {
	switch {
	case err.StatusCode == http.StatusTooManyRequests:
		return classified(KindRateLimited, true, err.RetryAfter)
	case err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden:
		return classified(KindUnauthorized, false, 0)
	case err.StatusCode == http.StatusBadGateway ||
		err.StatusCode == http.StatusServiceUnavailable ||
		err.StatusCode == http.StatusGatewayTimeout:
		// Same policy as serverError, distinguished for messaging only.
		return classified(KindBadGateway, true, 0)
	case err.StatusCode >= 500:
		return classified(KindServerError, true, 0)
	default:
		return classified(KindUnknown, false, 0)
	}
}

func classified(kind Kind, retryable bool, retryAfter time.Duration) Classified {
	return Classified{
		Kind:        kind,
		UserMessage: userMessages[kind],
		Retryable:   retryable,
		RetryAfter:  retryAfter,
	}
}

// isOffline reports whether the error indicates no usable network path, as
// opposed to a reachable-but-failing backend.
func isOffline(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return true
		}
	}
	return false
}
