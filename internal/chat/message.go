// Package chat owns the message thread: the ordered conversation state every
// other part of the bridge serves.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the lifecycle state of a message. An assistant message starts
// running and transitions exactly once to a terminal status; a user message
// is complete at creation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// PartType discriminates content parts.
type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
)

// Part is one unit of message content. Text parts are mutable only while the
// owning message is running.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	Name string   `json:"name,omitempty"`
	URL  string   `json:"url,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Status    Status     `json:"status"`
	Parts     []Part     `json:"parts"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// ErrorText is the classifier's user-facing message, set only when
	// Status is error. Raw diagnostic detail never lands here.
	ErrorText string `json:"error_text,omitempty"`
}

func newUserMessage(text string, attachments []Part) *Message {
	parts := append([]Part{{Type: PartText, Text: text}}, attachments...)
	return &Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Status:    StatusComplete,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

func newAssistantMessage() *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Status:    StatusRunning,
		Parts:     []Part{{Type: PartText}},
		CreatedAt: time.Now(),
	}
}

// Text returns the concatenated text parts in order.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Terminal reports whether the message has reached a terminal status.
func (m *Message) Terminal() bool {
	return m.Status != StatusRunning
}

// setText replaces the message's text content. Non-text parts are kept.
func (m *Message) setText(text string) {
	for i := range m.Parts {
		if m.Parts[i].Type == PartText {
			m.Parts[i].Text = text
			return
		}
	}
	m.Parts = append(m.Parts, Part{Type: PartText, Text: text})
}

// clone returns a deep copy safe to hand outside the engine's lock.
func (m *Message) clone() Message {
	out := *m
	out.Parts = append([]Part(nil), m.Parts...)
	if m.EndedAt != nil {
		t := *m.EndedAt
		out.EndedAt = &t
	}
	return out
}
