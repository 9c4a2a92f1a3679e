// Package agentsdk defines the boundary between miko and the external
// coding-agent runtime: the request shape sent to the runtime, the opaque
// message stream it produces, and the normalized event union the rest of
// the application consumes.
package agentsdk

import (
	"context"
	"encoding/json"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// EventType identifies the kind of a normalized stream event.
type EventType string

const (
	EventText       EventType = "text"
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventSessionID  EventType = "session_id"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// StreamEvent is the closed union of events produced by normalizing the
// runtime's message stream. Which fields are meaningful depends on Type:
// Content for text/thinking/error and tool_result, ID for tool_use,
// tool_result and session_id, Name and Input for tool_use only.
type StreamEvent struct {
	Type    EventType      `json:"type"`
	Content string         `json:"content,omitempty"`
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// TextEvent builds a text delta event.
func TextEvent(content string) StreamEvent {
	return StreamEvent{Type: EventText, Content: content}
}

// ThinkingEvent builds a reasoning delta event.
func ThinkingEvent(content string) StreamEvent {
	return StreamEvent{Type: EventThinking, Content: content}
}

// ToolUseEvent builds a tool invocation announcement.
func ToolUseEvent(id, name string, input map[string]any) StreamEvent {
	if input == nil {
		input = map[string]any{}
	}
	return StreamEvent{Type: EventToolUse, ID: id, Name: name, Input: input}
}

// ToolResultEvent builds a tool completion event.
func ToolResultEvent(id, content string) StreamEvent {
	return StreamEvent{Type: EventToolResult, ID: id, Content: content}
}

// SessionIDEvent reports the external session id issued by the runtime.
func SessionIDEvent(id string) StreamEvent {
	return StreamEvent{Type: EventSessionID, ID: id}
}

// DoneEvent terminates a successful stream.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// ErrorEvent terminates a failed stream.
func ErrorEvent(content string) StreamEvent {
	return StreamEvent{Type: EventError, Content: content}
}

// PermissionDecision is the outcome of a tool permission request.
type PermissionDecision string

const (
	PermissionAllow       PermissionDecision = "allow"
	PermissionDeny        PermissionDecision = "deny"
	PermissionAllowAlways PermissionDecision = "allow-always"
	PermissionDenyAlways  PermissionDecision = "deny-always"
)

// Allowed reports whether the decision permits the tool call.
func (d PermissionDecision) Allowed() bool {
	return d == PermissionAllow || d == PermissionAllowAlways
}

// PermissionFunc mediates a single tool invocation the runtime wants to
// perform. Returning an error denies the call.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) (PermissionDecision, error)

// ToolResponse is the result an extra tool hands back to the runtime.
type ToolResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolHandler executes an extra tool invocation requested by the runtime.
type ToolHandler func(ctx context.Context, input map[string]any) (*ToolResponse, error)

// ExtraTool is a named capability the host registers with the runtime so
// the agent can invoke it mid-conversation.
type ExtraTool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handler     ToolHandler
}

// QueryRequest describes one conversation turn sent to the runtime.
type QueryRequest struct {
	Prompt            string
	WorkingDirectory  string
	Env               map[string]string
	Model             string
	Temperature       *float64
	MaxThinkingTokens *int
	SystemPrompt      string
	ResumeSessionID   string
	PermissionFunc    PermissionFunc
	ExtraTools        []*ExtraTool
}

// MessageStream reads runtime-native messages one at a time. Read returns
// io.EOF when the runtime has finished the turn.
type MessageStream interface {
	Read() (json.RawMessage, error)
	Close() error
}

// Runtime is the external coding-agent runtime boundary. Query runs a
// single turn and streams back opaque messages; Check verifies the runtime
// is reachable without starting a conversation.
type Runtime interface {
	Query(ctx context.Context, req *QueryRequest) (MessageStream, error)
	Check(ctx context.Context) error
}
