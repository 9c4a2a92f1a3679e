// Package stream turns the agent's event stream into paced UI state. Text
// arrives in bursts; a typewriter loop releases it one character at a time
// so the UI reads like typing instead of jumping.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/session"
)

// DefaultTypewriterInterval is the pause between released characters.
const DefaultTypewriterInterval = 20 * time.Millisecond

// NotificationType tags what changed in a Notification.
type NotificationType string

const (
	NoteStreamStarted NotificationType = "stream_started"
	NoteTextUpdated   NotificationType = "text_updated"
	NoteThinking      NotificationType = "thinking_updated"
	NoteToolCalls     NotificationType = "tool_calls_updated"
	NoteSessionID     NotificationType = "session_id"
	NoteStreamEnded   NotificationType = "stream_ended"
	NoteStreamError   NotificationType = "stream_error"
	NoteInterrupted   NotificationType = "interrupted"
)

// Notification carries one state change plus a full snapshot, so listeners
// never need to query back into the controller.
type Notification struct {
	Type      NotificationType
	SessionID string
	State     State
}

// State is the UI-facing view of the stream in progress.
type State struct {
	IsStreaming  bool
	CurrentText  string
	ThinkingText string
	ToolCalls    []session.ToolCallInfo
	HasError     bool
	ErrorMessage string
}

// Listener receives notifications in emission order.
type Listener func(Notification)

// Controller accumulates stream events into State and paces text output.
// One stream is active at a time.
type Controller struct {
	mu       sync.Mutex
	state    State
	pending  []rune
	interval time.Duration

	stopTicker chan struct{}

	emitMu    sync.Mutex
	listeners []Listener
}

// NewController returns a controller with the default typewriter speed.
func NewController() *Controller {
	return &Controller{interval: DefaultTypewriterInterval}
}

// AddListener registers a notification callback. Listeners are invoked
// sequentially, outside the state lock, in the order notifications occur.
func (c *Controller) AddListener(l Listener) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) emit(t NotificationType, sessionID string, snapshot State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	n := Notification{Type: t, SessionID: sessionID, State: snapshot}
	for _, l := range c.listeners {
		l(n)
	}
}

// snapshotLocked copies the state. Callers hold c.mu.
func (c *Controller) snapshotLocked() State {
	s := c.state
	s.ToolCalls = make([]session.ToolCallInfo, len(c.state.ToolCalls))
	copy(s.ToolCalls, c.state.ToolCalls)
	return s
}

// State returns a copy of the current stream state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetTypewriterSpeed changes the pacing interval. A stream in flight keeps
// its buffered text and continues at the new speed.
func (c *Controller) SetTypewriterSpeed(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTypewriterInterval
	}
	c.mu.Lock()
	c.interval = interval
	restart := c.stopTicker != nil
	if restart {
		close(c.stopTicker)
		c.stopTicker = nil
	}
	if restart {
		c.startTickerLocked()
	}
	c.mu.Unlock()
}

// StartStream resets per-turn state and begins a new stream.
func (c *Controller) StartStream() {
	c.mu.Lock()
	c.state = State{IsStreaming: true, ToolCalls: []session.ToolCallInfo{}}
	c.pending = nil
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(NoteStreamStarted, "", snapshot)
}

// startTickerLocked launches the typewriter loop. Callers hold c.mu.
func (c *Controller) startTickerLocked() {
	stop := make(chan struct{})
	c.stopTicker = stop
	interval := c.interval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.releaseOne(stop) {
					return
				}
			}
		}
	}()
}

// releaseOne moves one buffered character into the visible text. Returns
// false once the buffer is empty, which ends the typewriter loop. stop
// identifies the calling loop; a loop superseded by a speed change exits
// without touching the replacement's channel.
func (c *Controller) releaseOne(stop chan struct{}) bool {
	c.mu.Lock()
	if c.stopTicker != stop {
		c.mu.Unlock()
		return false
	}
	if len(c.pending) == 0 {
		close(c.stopTicker)
		c.stopTicker = nil
		c.mu.Unlock()
		return false
	}
	c.state.CurrentText += string(c.pending[0])
	c.pending = c.pending[1:]
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(NoteTextUpdated, "", snapshot)
	return true
}

// ProcessEvent folds one agent event into the stream state.
func (c *Controller) ProcessEvent(ev agentsdk.StreamEvent) {
	switch ev.Type {
	case agentsdk.EventText:
		c.mu.Lock()
		c.pending = append(c.pending, []rune(ev.Content)...)
		if c.stopTicker == nil && c.state.IsStreaming {
			c.startTickerLocked()
		}
		c.mu.Unlock()

	case agentsdk.EventThinking:
		c.mu.Lock()
		c.state.ThinkingText += ev.Content
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(NoteThinking, "", snapshot)

	case agentsdk.EventToolUse:
		c.mu.Lock()
		c.state.ToolCalls = append(c.state.ToolCalls, session.ToolCallInfo{
			ID:    ev.ID,
			Name:  ev.Name,
			Input: ev.Input,
		})
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(NoteToolCalls, "", snapshot)

	case agentsdk.EventToolResult:
		c.mu.Lock()
		updated := false
		for i := range c.state.ToolCalls {
			if c.state.ToolCalls[i].ID == ev.ID {
				c.state.ToolCalls[i].Result = ev.Content
				updated = true
				break
			}
		}
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		if updated {
			c.emit(NoteToolCalls, "", snapshot)
		}

	case agentsdk.EventSessionID:
		c.mu.Lock()
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(NoteSessionID, ev.ID, snapshot)

	case agentsdk.EventDone:
		snapshot := c.finish("")
		c.emit(NoteStreamEnded, "", snapshot)

	case agentsdk.EventError:
		snapshot := c.finish(ev.Content)
		c.emit(NoteStreamError, "", snapshot)
	}
}

// finish flushes buffered text and marks the stream over. A non-empty
// errMsg records the failure.
func (c *Controller) finish(errMsg string) State {
	c.mu.Lock()
	c.flushLocked()
	c.state.IsStreaming = false
	if errMsg != "" {
		c.state.HasError = true
		c.state.ErrorMessage = errMsg
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	return snapshot
}

// flushLocked releases all buffered text at once. Callers hold c.mu.
func (c *Controller) flushLocked() {
	if len(c.pending) > 0 {
		c.state.CurrentText += string(c.pending)
		c.pending = nil
	}
	if c.stopTicker != nil {
		close(c.stopTicker)
		c.stopTicker = nil
	}
}

// Interrupt ends the stream early, keeping everything received so far.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	wasStreaming := c.state.IsStreaming
	c.flushLocked()
	c.state.IsStreaming = false
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if wasStreaming {
		c.emit(NoteInterrupted, "", snapshot)
	}
}

// Reset clears all stream state without notifying.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.flushLocked()
	c.state = State{ToolCalls: []session.ToolCallInfo{}}
	c.mu.Unlock()
}

// ToggleToolCallExpansion flips a tool call's expanded flag and returns
// whether the id was known.
func (c *Controller) ToggleToolCallExpansion(id string) bool {
	c.mu.Lock()
	found := false
	for i := range c.state.ToolCalls {
		if c.state.ToolCalls[i].ID == id {
			c.state.ToolCalls[i].IsExpanded = !c.state.ToolCalls[i].IsExpanded
			found = true
			break
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if found {
		c.emit(NoteToolCalls, "", snapshot)
	}
	return found
}

// CreateMessage builds a transcript message from the given role and
// content, stamped with a fresh id.
func (c *Controller) CreateMessage(role, content string) session.ChatMessage {
	return session.ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// FinalMessage assembles the assistant transcript entry for the stream
// that just ended.
func (c *Controller) FinalMessage() session.ChatMessage {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	msg := c.CreateMessage(session.RoleAssistant, snapshot.CurrentText)
	msg.ThinkingContent = snapshot.ThinkingText
	msg.ToolCalls = snapshot.ToolCalls
	return msg
}
