// Package chat orchestrates a conversation: it serializes sends through
// the message queue, drives the agent bridge, folds stream events into the
// stream controller, persists transcripts, and brokers tool permissions
// with the UI.
package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/bridge"
	"github.com/mikoapp/miko/src/history"
	"github.com/mikoapp/miko/src/msgchan"
	"github.com/mikoapp/miko/src/session"
	"github.com/mikoapp/miko/src/stream"
)

// UI channels.
const (
	ChannelStream            = "agent:stream"
	ChannelResponse          = "agent:response"
	ChannelError             = "agent:error"
	ChannelSessionUpdated    = "session:updated"
	ChannelPermissionRequest = "permission:request"
	ChannelConnectionStatus  = "connection:status"
)

// permissionTimeout bounds how long a tool waits for the user's decision.
const permissionTimeout = 60 * time.Second

// UINotifier pushes payloads to the UI layer.
type UINotifier interface {
	SendToUI(channel string, payload any)
}

// Agent is the bridge surface the service depends on.
type Agent interface {
	SendMessage(ctx context.Context, content string) <-chan agentsdk.StreamEvent
	Interrupt()
	CheckConnection(ctx context.Context) bridge.Status
	SetPermissionFunc(agentsdk.PermissionFunc)
	SetOnSessionID(func(string))
	SetExternalSessionID(id string)
}

var _ Agent = (*bridge.Bridge)(nil)

// SendResult reports the outcome of a send to the UI.
type SendResult struct {
	Success bool                 `json:"success"`
	Queued  bool                 `json:"queued,omitempty"`
	Message *session.ChatMessage `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// PermissionRequest is pushed to the UI when a tool needs approval.
type PermissionRequest struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"toolName"`
	Input       map[string]any `json:"input"`
	Description string         `json:"description"`
}

// StreamPayload wraps stream controller updates for the UI.
type StreamPayload struct {
	Type  string       `json:"type"`
	State stream.State `json:"state"`
}

type pendingPermission struct {
	toolName string
	decision chan agentsdk.PermissionDecision
}

// Service is the chat orchestrator. One Service drives one chat window.
type Service struct {
	agent      Agent
	store      *session.Store
	controller *stream.Controller
	queue      *msgchan.Channel
	ui         UINotifier
	audit      *history.Store
	logger     *slog.Logger

	// sendMu serializes the start-or-queue decision; active is true from
	// the moment a turn starts until its drain loop runs the queue dry.
	sendMu sync.Mutex
	active bool

	mu          sync.Mutex
	turnSession string
	pending     map[string]*pendingPermission
	overrides   map[string]agentsdk.PermissionDecision
	toolAudit   map[string]string
}

// Options wires a Service.
type Options struct {
	Agent      Agent
	Store      *session.Store
	Controller *stream.Controller
	Queue      *msgchan.Channel
	UI         UINotifier
	Audit      *history.Store
	Logger     *slog.Logger
}

// NewService assembles the orchestrator and hooks the controller and
// agent callbacks up. Audit is optional.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Service{
		agent:      opts.Agent,
		store:      opts.Store,
		controller: opts.Controller,
		queue:      opts.Queue,
		ui:         opts.UI,
		audit:      opts.Audit,
		logger:     logger,
		pending:    make(map[string]*pendingPermission),
		overrides:  make(map[string]agentsdk.PermissionDecision),
		toolAudit:  make(map[string]string),
	}

	s.controller.AddListener(s.onNotification)
	s.hookAgent(opts.Agent)
	s.queue.SetSessionID(s.store.CurrentSessionID())
	return s
}

func (s *Service) hookAgent(a Agent) {
	a.SetPermissionFunc(s.requestPermission)
	a.SetOnSessionID(func(id string) {
		// The runtime id belongs to the session whose turn produced it,
		// which may no longer be current by the time it arrives.
		s.store.SetExternalSessionIDFor(s.turnSessionID(), id)
	})
	a.SetExternalSessionID(s.store.ExternalSessionID())
}

// turnSessionID returns the session that owns the in-flight turn, falling
// back to the current session when idle.
func (s *Service) turnSessionID() string {
	s.mu.Lock()
	sid := s.turnSession
	s.mu.Unlock()
	if sid != "" {
		return sid
	}
	return s.store.CurrentSessionID()
}

// onNotification forwards stream controller updates to the UI.
func (s *Service) onNotification(n stream.Notification) {
	if s.ui == nil {
		return
	}
	switch n.Type {
	case stream.NoteStreamStarted:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "start", State: n.State})
	case stream.NoteTextUpdated:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "text", State: n.State})
	case stream.NoteThinking:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "thinking", State: n.State})
	case stream.NoteToolCalls:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "toolCalls", State: n.State})
	case stream.NoteInterrupted:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "interrupted", State: n.State})
	case stream.NoteSessionID:
		s.ui.SendToUI(ChannelSessionUpdated, map[string]string{"sessionId": n.SessionID})
	case stream.NoteStreamError:
		s.ui.SendToUI(ChannelError, n.State.ErrorMessage)
	case stream.NoteStreamEnded:
		s.ui.SendToUI(ChannelStream, StreamPayload{Type: "end", State: n.State})
	}
}

// SendMessage sends content to the agent, or queues it when a turn is in
// flight. The immediate path blocks until the turn finishes; a single
// drain loop then replays the queue in order.
func (s *Service) SendMessage(ctx context.Context, content string) SendResult {
	s.sendMu.Lock()
	if s.active {
		msg, err := s.queue.Enqueue(content)
		if err != nil {
			s.sendMu.Unlock()
			return SendResult{Error: err.Error()}
		}
		queued := session.ChatMessage{
			ID:        msg.ID,
			Role:      session.RoleUser,
			Content:   content,
			Timestamp: msg.EnqueuedAt,
			Status:    session.StatusQueued,
		}
		if msg.SessionID != "" {
			s.store.AddMessageTo(msg.SessionID, queued)
		} else {
			s.store.AddMessage(queued)
		}
		s.sendMu.Unlock()
		s.logger.Debug("message queued", "pending", s.queue.PendingCount())
		return SendResult{Success: true, Queued: true, Message: &queued}
	}
	s.active = true
	s.sendMu.Unlock()

	result := s.dispatch(ctx, content, "", s.store.CurrentSessionID())
	go s.drainQueue(ctx)
	return result
}

// dispatch runs one full turn against a pinned session. A stream that
// outlives a session switch still lands its transcript entries and runtime
// id in the session it started under. messageID reuses a queued message's
// id so its transcript entry flips from queued to sent instead of
// duplicating.
func (s *Service) dispatch(ctx context.Context, content, messageID, sessionID string) SendResult {
	if sessionID == "" {
		sessionID = s.store.CurrentSessionID()
	}
	s.mu.Lock()
	s.turnSession = sessionID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnSession = ""
		s.mu.Unlock()
	}()

	if messageID == "" {
		messageID = uuid.New().String()
		s.store.AddMessageTo(sessionID, session.ChatMessage{
			ID:        messageID,
			Role:      session.RoleUser,
			Content:   content,
			Timestamp: time.Now(),
			Status:    session.StatusSent,
		})
	} else {
		s.store.SetMessageStatus(sessionID, messageID, session.StatusSent)
	}

	s.controller.Reset()
	s.controller.StartStream()

	var streamErr string
	for ev := range s.agent.SendMessage(ctx, content) {
		s.recordToolActivity(ctx, sessionID, ev)
		if ev.Type == agentsdk.EventError {
			streamErr = ev.Content
		}
		s.controller.ProcessEvent(ev)
	}

	if streamErr != "" {
		return SendResult{Error: streamErr}
	}

	assistant := s.controller.FinalMessage()
	s.store.AddMessageTo(sessionID, assistant)
	if s.ui != nil {
		s.ui.SendToUI(ChannelResponse, assistant)
	}

	return SendResult{Success: true, Message: &assistant}
}

// drainQueue dispatches queued messages one at a time until the queue is
// empty, then releases the active flag. It is the only queue consumer and
// only one instance runs at a time; the flag is cleared under sendMu so an
// enqueue cannot slip between the emptiness check and the release.
func (s *Service) drainQueue(ctx context.Context) {
	for {
		s.sendMu.Lock()
		if s.queue.PendingCount() == 0 {
			s.active = false
			s.sendMu.Unlock()
			return
		}
		s.sendMu.Unlock()

		msg, err := s.queue.Next(ctx)
		if err != nil {
			s.sendMu.Lock()
			s.active = false
			s.sendMu.Unlock()
			return
		}
		s.logger.Debug("dispatching queued message", "remaining", s.queue.PendingCount())
		result := s.dispatch(ctx, msg.Content, msg.ID, msg.SessionID)
		if result.Error != "" {
			s.logger.Warn("queued message failed", "error", result.Error)
		}
	}
}

// Interrupt stops the current turn. Queued messages stay queued.
func (s *Service) Interrupt() {
	s.agent.Interrupt()
	s.controller.Interrupt()
}

// QueueCount reports how many messages wait behind the current turn.
func (s *Service) QueueCount() int {
	return s.queue.PendingCount()
}

// ConnectionStatus probes the agent CLI and pushes the result to the UI.
func (s *Service) ConnectionStatus(ctx context.Context) bridge.Status {
	st := s.agent.CheckConnection(ctx)
	if s.ui != nil {
		s.ui.SendToUI(ChannelConnectionStatus, st)
	}
	return st
}

// requestPermission asks the UI to approve a tool call. Cached always
// decisions answer immediately; otherwise the user has 60 seconds before
// the call is denied.
func (s *Service) requestPermission(ctx context.Context, toolName string, input map[string]any) (agentsdk.PermissionDecision, error) {
	s.mu.Lock()
	if cached, ok := s.overrides[toolName]; ok {
		s.mu.Unlock()
		return cached, nil
	}

	requestID := uuid.New().String()
	p := &pendingPermission{
		toolName: toolName,
		decision: make(chan agentsdk.PermissionDecision, 1),
	}
	s.pending[requestID] = p
	s.mu.Unlock()

	description := bridge.ToolDescription(toolName, input)
	if s.ui != nil {
		s.ui.SendToUI(ChannelPermissionRequest, PermissionRequest{
			ID:          requestID,
			ToolName:    toolName,
			Input:       input,
			Description: description,
		})
	}

	timer := time.NewTimer(permissionTimeout)
	defer timer.Stop()

	var decision agentsdk.PermissionDecision
	select {
	case decision = <-p.decision:
	case <-timer.C:
		s.logger.Warn("permission request timed out", "tool", toolName)
		decision = agentsdk.PermissionDeny
	case <-ctx.Done():
		decision = agentsdk.PermissionDeny
	}

	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()

	s.recordPermission(ctx, s.turnSessionID(), toolName, description, decision)
	return decision, nil
}

// ResolvePermission delivers the user's decision for a pending request.
// Always decisions are cached by tool name for the rest of the process.
func (s *Service) ResolvePermission(requestID string, decision agentsdk.PermissionDecision) bool {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		switch decision {
		case agentsdk.PermissionAllowAlways:
			s.overrides[p.toolName] = agentsdk.PermissionAllowAlways
		case agentsdk.PermissionDenyAlways:
			s.overrides[p.toolName] = agentsdk.PermissionDenyAlways
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.decision <- decision
	return true
}

// recordPermission writes the decision to the audit store, best effort.
func (s *Service) recordPermission(ctx context.Context, sessionID, toolName, description string, decision agentsdk.PermissionDecision) {
	if s.audit == nil {
		return
	}
	err := s.audit.RecordPermission(ctx, &history.PermissionRecord{
		SessionID:   sessionID,
		ToolName:    toolName,
		Description: description,
		Decision:    string(decision),
	})
	if err != nil {
		s.logger.Warn("failed to record permission", "error", err)
	}
}

// recordToolActivity mirrors tool events into the audit store.
func (s *Service) recordToolActivity(ctx context.Context, sessionID string, ev agentsdk.StreamEvent) {
	if s.audit == nil {
		return
	}
	switch ev.Type {
	case agentsdk.EventToolUse:
		input, _ := json.Marshal(ev.Input)
		exec := &history.ToolExecution{
			SessionID: sessionID,
			ToolName:  ev.Name,
			Input:     string(input),
		}
		if err := s.audit.RecordToolExecution(ctx, exec); err != nil {
			s.logger.Warn("failed to record tool execution", "error", err)
			return
		}
		s.mu.Lock()
		s.toolAudit[ev.ID] = exec.ID
		s.mu.Unlock()

	case agentsdk.EventToolResult:
		s.mu.Lock()
		auditID, ok := s.toolAudit[ev.ID]
		delete(s.toolAudit, ev.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if err := s.audit.FinishToolExecution(ctx, auditID, ev.Content, false); err != nil {
			s.logger.Warn("failed to record tool result", "error", err)
		}
	}
}

// NewSession interrupts the current turn and starts a fresh session.
func (s *Service) NewSession(name string) *session.Session {
	s.Interrupt()
	if name == "" {
		name = session.DefaultSessionName
	}
	sess := s.store.CreateSession(name)
	s.queue.SetSessionID(sess.ID)
	s.agent.SetExternalSessionID("")
	return sess
}

// SwitchSession interrupts the current turn and makes another session
// current. Returns false when the id is unknown.
func (s *Service) SwitchSession(id string) bool {
	s.Interrupt()
	sess := s.store.SetCurrentSession(id)
	if sess.ID != id {
		return false
	}
	s.queue.SetSessionID(sess.ID)
	s.agent.SetExternalSessionID(sess.ExternalSessionID)
	return true
}

// Sessions lists all sessions, newest activity first.
func (s *Service) Sessions() []session.SessionSummary {
	return s.store.ListSessions()
}

// Messages returns the current session's transcript.
func (s *Service) Messages() []session.ChatMessage {
	return s.store.Messages()
}

// ClearMessages wipes the current transcript and resets server-side
// context, interrupting any turn in flight.
func (s *Service) ClearMessages() {
	s.Interrupt()
	s.queue.Clear()
	s.store.ClearMessages()
	s.agent.SetExternalSessionID("")
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(id string) error {
	if id == s.store.CurrentSessionID() {
		s.Interrupt()
		s.queue.Clear()
	}
	return s.store.DeleteSession(id)
}

// RenameSession changes a session's display name.
func (s *Service) RenameSession(id, name string) error {
	return s.store.RenameSession(id, name)
}

// ToggleToolCallExpansion flips a streamed tool call open or closed.
func (s *Service) ToggleToolCallExpansion(id string) bool {
	return s.controller.ToggleToolCallExpansion(id)
}
