package bridge

import (
	"encoding/json"

	"github.com/mikoapp/miko/src/agentsdk"
)

// sdkMessage covers the union of runtime message shapes we care about.
// Unrecognized shapes normalize to nothing.
type sdkMessage struct {
	Type  string `json:"type"`
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
		ContentBlock *struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content_block"`
	} `json:"event"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	SessionID string          `json:"session_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// normalize maps one raw runtime message to zero or more stream events.
func normalize(raw json.RawMessage) []agentsdk.StreamEvent {
	var msg sdkMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []agentsdk.StreamEvent

	switch msg.Type {
	case "stream_event":
		if msg.Event == nil {
			break
		}
		switch msg.Event.Type {
		case "content_block_delta":
			if d := msg.Event.Delta; d != nil {
				switch d.Type {
				case "text_delta":
					events = append(events, agentsdk.TextEvent(d.Text))
				case "thinking_delta":
					events = append(events, agentsdk.ThinkingEvent(d.Thinking))
				}
			}
		case "content_block_start":
			if cb := msg.Event.ContentBlock; cb != nil && cb.Type == "tool_use" {
				input := cb.Input
				if input == nil {
					input = map[string]any{}
				}
				events = append(events, agentsdk.ToolUseEvent(cb.ID, cb.Name, input))
			}
		}

	case "tool_progress":
		if msg.ToolUseID != "" {
			events = append(events, agentsdk.ToolResultEvent(msg.ToolUseID, contentText(msg.Content)))
		}

	case "assistant":
		if msg.Message != nil {
			for _, block := range msg.Message.Content {
				if block.Type == "text" {
					events = append(events, agentsdk.TextEvent(block.Text))
				}
			}
		}

	case "auth_status":
		if msg.Error != nil {
			text := msg.Error.Message
			if text == "" {
				text = "Authentication error"
			}
			events = append(events, agentsdk.ErrorEvent(text))
		}
	}

	// System and result messages carry the runtime session id alongside
	// their other payload.
	if (msg.Type == "system" || msg.Type == "result") && msg.SessionID != "" {
		events = append(events, agentsdk.SessionIDEvent(msg.SessionID))
	}

	return events
}

// contentText renders a tool result body, which may be a plain string or a
// structured value.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
