// Package session persists chat sessions as one JSON file per session.
package session

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSessionName is given to the session created on first use.
const DefaultSessionName = "Default"

// Session is one conversation with the agent, including its full message
// history. ExternalSessionID links it to the agent runtime's own session
// so later turns can resume server-side context.
type Session struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastAccessedAt    time.Time     `json:"lastAccessedAt"`
	Messages          []ChatMessage `json:"messages"`
	ExternalSessionID string        `json:"externalSessionId,omitempty"`
}

// ChatMessage is one entry in a session transcript.
type ChatMessage struct {
	ID              string         `json:"id"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	ThinkingContent string         `json:"thinkingContent,omitempty"`
	ToolCalls       []ToolCallInfo `json:"toolCalls,omitempty"`
	IsStreaming     bool           `json:"isStreaming,omitempty"`
	Status          string         `json:"status,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message queue statuses surfaced to the UI.
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
)

// ToolCallInfo records one tool invocation shown inside a message bubble.
type ToolCallInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsExpanded bool           `json:"isExpanded,omitempty"`
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	MessageCount   int       `json:"messageCount"`
}

func newSession(name string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.New().String(),
		Name:           name,
		CreatedAt:      now,
		LastAccessedAt: now,
		Messages:       []ChatMessage{},
	}
}
