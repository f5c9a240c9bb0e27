package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/classify"
	"chatbridge/internal/history"
	"chatbridge/internal/queue"
	"chatbridge/internal/retry"
	"chatbridge/internal/session"
)

var (
	// ErrBusy is returned when an append arrives while an assistant message
	// is still running. The caller must cancel first; the engine never
	// cancels implicitly.
	ErrBusy = errors.New("a response is already in progress")

	// ErrEmptyMessage is returned for whitespace-only input.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrNoUserMessage is returned by Reload on a thread with nothing to
	// regenerate.
	ErrNoUserMessage = errors.New("no user message to regenerate")
)

// Runner issues the outbound request for one user message and reports
// progress back through the Sink. The transport implements it.
type Runner interface {
	Send(ctx context.Context, input, messageID string, sink Sink) error
}

// Sink receives transport callbacks. The engine is its own sink.
type Sink interface {
	// UpdatePartial replaces the running message's text with the cumulative
	// snapshot so far. Ignored, not an error, on a terminal message: a late
	// frame after cancellation must not resurrect anything.
	UpdatePartial(messageID, cumulative string)

	// Complete transitions running -> complete with the final text.
	Complete(messageID, finalText string)
}

// Subscriber receives a read-only thread snapshot after every mutation.
type Subscriber func(thread []Message)

// Options wires an Engine's collaborators. Runner and Sessions are required;
// Queue and History are optional.
type Options struct {
	Runner   Runner
	Sessions *session.Store
	Queue    *queue.Queue
	History  history.Store
	Policy   retry.Policy
	Logger   *slog.Logger
}

// Engine is the message-thread state machine for one chat instance. Each
// rendering surface owns its own Engine; there is no shared registry.
//
// All state is serialized behind one mutex; transport callbacks, appends, and
// cancellations may arrive from different goroutines but mutations apply in
// arrival order and subscribers are notified synchronously after each one.
type Engine struct {
	runner   Runner
	sessions *session.Store
	queue    *queue.Queue
	history  history.Store
	policy   retry.Policy
	logger   *slog.Logger

	mu        sync.Mutex
	notifyMu  sync.Mutex
	messages  []*Message
	runningID string
	cancelRun context.CancelFunc
	subs      map[int]Subscriber
	nextSub   int
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	return &Engine{
		runner:   opts.Runner,
		sessions: opts.Sessions,
		queue:    opts.Queue,
		history:  opts.History,
		policy:   policy,
		logger:   logger,
		subs:     make(map[int]Subscriber),
	}
}

// Subscribe registers fn and returns its unsubscribe function. Every
// mutation notifies all subscribers synchronously after the mutation
// completes; deliveries never overlap. fn must not mutate the engine from
// inside the callback.
func (e *Engine) Subscribe(fn Subscriber) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Snapshot returns a read-only copy of the thread in conversation order.
func (e *Engine) Snapshot() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []Message {
	out := make([]Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.clone()
	}
	return out
}

// Append validates and stores a complete user message, creates the running
// assistant placeholder, and invokes the transport. It returns the assistant
// message id immediately; progress is observed via subscription.
//
// Append is rejected with ErrBusy while another assistant message is
// running.
func (e *Engine) Append(ctx context.Context, text string) (assistantID string, err error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	e.mu.Lock()
	if e.runningID != "" {
		e.mu.Unlock()
		return "", ErrBusy
	}

	user := newUserMessage(text, nil)
	assistant := newAssistantMessage()
	e.messages = append(e.messages, user, assistant)
	e.runningID = assistant.ID

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.mu.Unlock()

	e.saveHistory(user)
	e.notify()

	go e.run(runCtx, text, assistant.ID)
	return assistant.ID, nil
}

// run drives one transport invocation through the retry manager and routes
// the terminal outcome.
func (e *Engine) run(ctx context.Context, text, messageID string) {
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.runner.Send(ctx, text, messageID, e)
	})
	if err == nil {
		return // transport called Complete
	}

	c := classify.Classify(err)
	switch c.Kind {
	case classify.KindCancelled:
		// Cancellation is not an error path; Cancel already finalized the
		// message.
		return

	case classify.KindOffline:
		if e.queue != nil {
			if _, qerr := e.queue.Enqueue(text); qerr != nil {
				e.logger.Error("failed to park message offline", "error", qerr)
			}
		}
		e.logger.Warn("send failed offline, message parked", "message_id", messageID, "error", err)
		e.Fail(messageID, c)

	default:
		e.logger.Error("send failed",
			"message_id", messageID,
			"kind", string(c.Kind),
			"error", err,
		)
		e.Fail(messageID, c)
	}
}

// UpdatePartial implements Sink. No-op on terminal messages.
func (e *Engine) UpdatePartial(messageID, cumulative string) {
	e.mu.Lock()
	msg := e.findLocked(messageID)
	if msg == nil || msg.Terminal() {
		e.mu.Unlock()
		return
	}
	msg.setText(cumulative)
	e.mu.Unlock()

	e.notify()
}

// Complete implements Sink: running -> complete with the final text.
func (e *Engine) Complete(messageID, finalText string) {
	e.mu.Lock()
	msg := e.findLocked(messageID)
	if msg == nil || msg.Terminal() {
		e.mu.Unlock()
		return
	}
	msg.setText(finalText)
	e.finishLocked(msg, StatusComplete)
	saved := msg.clone()
	e.mu.Unlock()

	e.saveHistory(&saved)
	e.notify()
}

// Cancel transitions running -> cancelled and aborts the in-flight request.
// Cancelling a terminal message is a no-op; cancellation is idempotent.
func (e *Engine) Cancel(messageID string) {
	e.mu.Lock()
	msg := e.findLocked(messageID)
	if msg == nil || msg.Terminal() {
		e.mu.Unlock()
		return
	}
	e.finishLocked(msg, StatusCancelled)
	cancel := e.cancelRun
	e.cancelRun = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.notify()
}

// Fail transitions running -> error, attaching the classifier's user-facing
// message.
func (e *Engine) Fail(messageID string, c classify.Classified) {
	e.mu.Lock()
	msg := e.findLocked(messageID)
	if msg == nil || msg.Terminal() {
		e.mu.Unlock()
		return
	}
	msg.ErrorText = c.UserMessage
	e.finishLocked(msg, StatusError)
	saved := msg.clone()
	e.mu.Unlock()

	e.saveHistory(&saved)
	e.notify()
}

// Reload regenerates the reply to the last user message. A trailing
// non-terminal assistant message is cancelled first; the trailing assistant
// message is dropped and replaced by a fresh running one. The user message
// is never duplicated.
func (e *Engine) Reload(ctx context.Context) (assistantID string, err error) {
	e.mu.Lock()

	userIdx := -1
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx == -1 {
		e.mu.Unlock()
		return "", ErrNoUserMessage
	}
	text := e.messages[userIdx].Text()

	// Drop the trailing assistant reply, cancelling it if still running.
	if last := len(e.messages) - 1; last > userIdx && e.messages[last].Role == RoleAssistant {
		if !e.messages[last].Terminal() {
			e.finishLocked(e.messages[last], StatusCancelled)
			if e.cancelRun != nil {
				e.cancelRun()
				e.cancelRun = nil
			}
		}
		e.messages = e.messages[:last]
	}

	assistant := newAssistantMessage()
	e.messages = append(e.messages, assistant)
	e.runningID = assistant.ID

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.mu.Unlock()

	e.notify()
	go e.run(runCtx, text, assistant.ID)
	return assistant.ID, nil
}

// FlushQueue re-submits parked messages through the transport in enqueue
// order, dequeuing each only after a confirmed send. Call it when
// connectivity returns; it stops at the first failure, leaving the rest
// queued.
func (e *Engine) FlushQueue(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}

	entries, err := e.queue.Pending()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		e.mu.Lock()
		if e.runningID != "" {
			e.mu.Unlock()
			return ErrBusy
		}

		// The replayed text must appear as a user turn. After a restart the
		// thread is empty (only the queue is durable); in the same process
		// the offline append already added it.
		var user *Message
		if !e.lastUserMatchesLocked(entry.Text) {
			user = newUserMessage(entry.Text, nil)
			e.messages = append(e.messages, user)
		}

		assistant := newAssistantMessage()
		e.messages = append(e.messages, assistant)
		e.runningID = assistant.ID

		runCtx, cancel := context.WithCancel(ctx)
		e.cancelRun = cancel
		e.mu.Unlock()

		if user != nil {
			e.saveHistory(user)
		}
		e.notify()

		sendErr := retry.Do(runCtx, e.policy, func(ctx context.Context) error {
			return e.runner.Send(ctx, entry.Text, assistant.ID, e)
		})
		cancel()

		if sendErr != nil {
			c := classify.Classify(sendErr)
			if qerr := e.queue.IncrementAttempts(entry.ID); qerr != nil {
				e.logger.Warn("failed to record replay attempt", "error", qerr)
			}
			if c.Kind == classify.KindCancelled {
				e.Cancel(assistant.ID)
			} else {
				e.Fail(assistant.ID, c)
			}
			return sendErr
		}

		// Dequeue strictly after the confirmed send: a crash before this
		// point replays the message again (at-least-once).
		if qerr := e.queue.Dequeue(entry.ID); qerr != nil {
			e.logger.Warn("failed to dequeue replayed message", "entry_id", entry.ID, "error", qerr)
		}
	}
	return nil
}

// NewConversation resets the session and discards the in-memory thread.
func (e *Engine) NewConversation(ctx context.Context) {
	e.mu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
		e.cancelRun = nil
	}
	oldSession := ""
	if e.sessions != nil {
		oldSession = e.sessions.Get()
	}
	e.messages = nil
	e.runningID = ""
	e.mu.Unlock()

	if e.sessions != nil {
		e.sessions.Reset()
	}
	if e.history != nil && oldSession != "" {
		if err := e.history.ClearThread(ctx, oldSession); err != nil {
			e.logger.Warn("failed to clear persisted history", "error", err)
		}
	}
	e.notify()
}

// RestoreHistory seeds an empty thread from the persisted history of the
// current session. It is a no-op when no history store is configured or the
// thread already has messages.
func (e *Engine) RestoreHistory(ctx context.Context) error {
	if e.history == nil || e.sessions == nil {
		return nil
	}

	e.mu.Lock()
	if len(e.messages) > 0 {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	records, err := e.history.LoadThread(ctx, e.sessions.Get())
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, rec := range records {
		msg := &Message{
			ID:        rec.ID,
			Role:      Role(rec.Role),
			Status:    Status(rec.Status),
			Parts:     []Part{{Type: PartText, Text: rec.Content}},
			ErrorText: rec.ErrorText,
			CreatedAt: rec.CreatedAt,
		}
		e.messages = append(e.messages, msg)
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

// lastUserMatchesLocked reports whether the most recent user message carries
// exactly the given text. Callers hold the lock.
func (e *Engine) lastUserMatchesLocked(text string) bool {
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == RoleUser {
			return e.messages[i].Text() == text
		}
	}
	return false
}

// finishLocked applies a terminal transition. Callers hold the lock.
func (e *Engine) finishLocked(msg *Message, status Status) {
	msg.Status = status
	now := time.Now()
	msg.EndedAt = &now
	if e.runningID == msg.ID {
		e.runningID = ""
	}
}

func (e *Engine) findLocked(id string) *Message {
	for _, m := range e.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// notify delivers one snapshot to every subscriber, outside the state lock so
// subscribers may read the engine freely. A separate delivery lock keeps
// snapshots arriving one at a time, in mutation order.
func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	snapshot := e.snapshotLocked()
	subs := make([]Subscriber, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// saveHistory persists one message if a history store is configured.
func (e *Engine) saveHistory(msg *Message) {
	if e.history == nil || e.sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := history.Record{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Text(),
		Status:    string(msg.Status),
		ErrorText: msg.ErrorText,
		CreatedAt: msg.CreatedAt,
	}
	if err := e.history.SaveMessage(ctx, e.sessions.Get(), rec); err != nil {
		e.logger.Warn("failed to persist message", "message_id", msg.ID, "error", err)
	}
}
