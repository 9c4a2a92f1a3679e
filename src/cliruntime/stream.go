package cliruntime

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/mikoapp/miko/src/agentsdk"
)

// maxLineBytes bounds a single stream-JSON line. Tool results can carry
// entire files, so the scanner buffer is generous.
const maxLineBytes = 8 * 1024 * 1024

// processStream adapts a running CLI process to agentsdk.MessageStream.
// A reader goroutine splits stdout into JSON lines, answers control
// requests inline, and forwards everything else to the consumer.
type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	messages chan json.RawMessage
	readErr  error
	readDone chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

func newProcessStream(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, req *agentsdk.QueryRequest, logger *slog.Logger) *processStream {
	s := &processStream{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		messages: make(chan json.RawMessage, 64),
		readDone: make(chan struct{}),
	}

	if len(req.ExtraTools) > 0 {
		s.registerTools(req.ExtraTools)
	}
	go s.readLoop(ctx, stdout, req)
	return s
}

// registerTools announces extra tool definitions over stdin before any
// turn output arrives, so the model can discover and call them by name.
// Invocations come back as invoke_tool control requests.
func (s *processStream) registerTools(tools []*agentsdk.ExtraTool) {
	defs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.Parameters,
		})
	}
	s.writeMessage(map[string]any{
		"type":       "control_request",
		"request_id": "init-" + uuid.New().String(),
		"request": map[string]any{
			"subtype": "initialize",
			"tools":   defs,
		},
	})
}

// Read returns the next raw message, or io.EOF once the process is done.
func (s *processStream) Read() (json.RawMessage, error) {
	msg, ok := <-s.messages
	if !ok {
		<-s.readDone
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, io.EOF
	}
	return msg, nil
}

// Close terminates the process if it is still running. Safe to call more
// than once and concurrently with Read.
func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *processStream) readLoop(ctx context.Context, stdout io.ReadCloser, req *agentsdk.QueryRequest) {
	defer close(s.readDone)
	defer close(s.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			// The CLI occasionally prints human-readable noise; skip it.
			s.logger.Debug("skipping non-JSON line from agent CLI")
			continue
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		if handled := s.maybeHandleControlRequest(ctx, raw, req); handled {
			continue
		}

		select {
		case s.messages <- raw:
		case <-ctx.Done():
			s.waitProcess(ctx.Err())
			return
		}
	}

	err := scanner.Err()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	s.waitProcess(err)
}

func (s *processStream) waitProcess(readErr error) {
	s.stdin.Close()
	waitErr := s.cmd.Wait()
	if readErr != nil {
		s.readErr = readErr
		return
	}
	// A non-zero exit after a fully-drained stream is reported to the
	// caller; normalization turns it into a single error event.
	if waitErr != nil {
		s.readErr = waitErr
	}
}

// controlRequest is the inbound half of the stdio control protocol.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype  string         `json:"subtype"`
		ToolName string         `json:"tool_name"`
		Input    map[string]any `json:"input"`
	} `json:"request"`
}

// maybeHandleControlRequest answers permission checks and extra-tool
// invocations without surfacing them to the consumer. Returns false for
// ordinary messages.
func (s *processStream) maybeHandleControlRequest(ctx context.Context, raw json.RawMessage, req *agentsdk.QueryRequest) bool {
	var ctrl controlRequest
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.Type != "control_request" {
		return false
	}

	switch ctrl.Request.Subtype {
	case "can_use_tool":
		s.respondPermission(ctx, &ctrl, req.PermissionFunc)
	case "invoke_tool":
		s.respondToolInvocation(ctx, &ctrl, req.ExtraTools)
	default:
		s.logger.Debug("ignoring unknown control request", "subtype", ctrl.Request.Subtype)
	}
	return true
}

func (s *processStream) respondPermission(ctx context.Context, ctrl *controlRequest, permit agentsdk.PermissionFunc) {
	behavior := "allow"
	message := ""

	if permit != nil {
		decision, err := permit(ctx, ctrl.Request.ToolName, ctrl.Request.Input)
		switch {
		case err != nil:
			behavior, message = "deny", "Permission request failed."
		case !decision.Allowed():
			behavior, message = "deny", "User denied this action."
		}
	}

	response := map[string]any{
		"behavior": behavior,
	}
	if behavior == "allow" {
		response["updatedInput"] = ctrl.Request.Input
	} else {
		response["message"] = message
	}
	s.writeControlResponse(ctrl.RequestID, response)
}

func (s *processStream) respondToolInvocation(ctx context.Context, ctrl *controlRequest, tools []*agentsdk.ExtraTool) {
	var handler agentsdk.ToolHandler
	for _, tool := range tools {
		if tool.Name == ctrl.Request.ToolName {
			handler = tool.Handler
			break
		}
	}

	if handler == nil {
		s.writeControlResponse(ctrl.RequestID, map[string]any{
			"is_error": true,
			"content":  "unknown tool: " + ctrl.Request.ToolName,
		})
		return
	}

	result, err := handler(ctx, ctrl.Request.Input)
	if err != nil {
		s.writeControlResponse(ctrl.RequestID, map[string]any{
			"is_error": true,
			"content":  err.Error(),
		})
		return
	}
	s.writeControlResponse(ctrl.RequestID, map[string]any{
		"is_error": result.IsError,
		"content":  result.Content,
	})
}

func (s *processStream) writeControlResponse(requestID string, response map[string]any) {
	s.writeMessage(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": requestID,
			"subtype":    "success",
			"response":   response,
		},
	})
}

// writeMessage sends one JSON line to the CLI's stdin under the write
// mutex.
func (s *processStream) writeMessage(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode stdin message", "error", err)
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		s.logger.Warn("failed to write to agent CLI", "error", err)
	}
}
