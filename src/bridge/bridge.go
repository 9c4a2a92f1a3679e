// Package bridge connects the chat layer to the agent runtime. It owns the
// single in-flight query, normalizes the runtime's raw messages into stream
// events, and mediates tool permissions and the GUI automation tool.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/guiagent"
)

// Messages surfaced to the user as error events.
const (
	msgCLINotFound  = "Agent CLI not found. Please install it first."
	msgBusy         = "Already processing a message. Please wait."
	msgUnknownError = "Unknown error"
	installHint     = "Agent CLI not found. Install it and restart the app."
)

// Settings are the per-user knobs applied to every query.
type Settings struct {
	APIKey            string
	Model             string
	Temperature       *float64
	MaxThinkingTokens *int
	SystemPrompt      string
}

// SettingsUpdate is a partial settings change. Nil fields are untouched.
type SettingsUpdate struct {
	APIKey            *string
	Model             *string
	Temperature       *float64
	MaxThinkingTokens *int
	SystemPrompt      *string
}

// Status describes the runtime connection for the UI.
type Status struct {
	Status       string `json:"status"`
	CLIAvailable bool   `json:"cliAvailable"`
	CLIPath      string `json:"cliPath,omitempty"`
	RuntimeReady bool   `json:"runtimeReady"`
	Error        string `json:"error,omitempty"`
}

// Connection statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Bridge runs at most one query at a time and streams normalized events.
type Bridge struct {
	mu         sync.Mutex
	processing bool
	cancel     context.CancelFunc
	turn       uint64

	runtime    agentsdk.Runtime
	cliPath    string
	workingDir string
	envVars    map[string]string
	settings   Settings

	permission agentsdk.PermissionFunc
	guiAgent   *guiagent.Client

	externalID  string
	onSessionID func(string)

	logger *slog.Logger
}

// Options configures a Bridge.
type Options struct {
	Runtime          agentsdk.Runtime
	CLIPath          string
	WorkingDirectory string
	EnvVars          map[string]string
	Settings         Settings
	GUIAgent         *guiagent.Client
	Logger           *slog.Logger
}

// New creates a Bridge. Runtime may be nil when no agent CLI was found;
// sends then fail with a user-facing error event instead of panicking.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		runtime:    opts.Runtime,
		cliPath:    opts.CLIPath,
		workingDir: opts.WorkingDirectory,
		envVars:    opts.EnvVars,
		settings:   opts.Settings,
		guiAgent:   opts.GUIAgent,
		logger:     logger,
	}
}

// SetPermissionFunc installs the callback consulted before each tool use.
func (b *Bridge) SetPermissionFunc(f agentsdk.PermissionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permission = f
}

// SetOnSessionID installs a callback invoked whenever the runtime reports
// its session id, so the session store can persist it immediately.
func (b *Bridge) SetOnSessionID(f func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionID = f
}

// SetExternalSessionID sets the runtime session to resume on the next send.
// An empty id starts a fresh server-side session.
func (b *Bridge) SetExternalSessionID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.externalID = id
}

// ExternalSessionID returns the runtime session id seen most recently.
func (b *Bridge) ExternalSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.externalID
}

// SetWorkingDirectory changes the directory queries run in.
func (b *Bridge) SetWorkingDirectory(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workingDir = dir
}

// UpdateSettings applies a partial settings change.
func (b *Bridge) UpdateSettings(u SettingsUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.APIKey != nil {
		b.settings.APIKey = *u.APIKey
	}
	if u.Model != nil {
		b.settings.Model = *u.Model
	}
	if u.Temperature != nil {
		b.settings.Temperature = u.Temperature
	}
	if u.MaxThinkingTokens != nil {
		b.settings.MaxThinkingTokens = u.MaxThinkingTokens
	}
	if u.SystemPrompt != nil {
		b.settings.SystemPrompt = *u.SystemPrompt
	}
}

// IsProcessing reports whether a query is in flight.
func (b *Bridge) IsProcessing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processing
}

// SendMessage starts one turn. The returned channel yields normalized
// events and closes when the turn ends. A turn that completes yields done
// exactly once; a turn that fails yields a single error event instead.
// While a turn is in flight, further sends yield a busy error.
func (b *Bridge) SendMessage(ctx context.Context, content string) <-chan agentsdk.StreamEvent {
	out := make(chan agentsdk.StreamEvent, 16)

	b.mu.Lock()
	if b.runtime == nil {
		b.mu.Unlock()
		out <- agentsdk.ErrorEvent(msgCLINotFound)
		close(out)
		return out
	}
	if b.processing {
		b.mu.Unlock()
		b.logger.Debug("rejecting send while processing")
		out <- agentsdk.ErrorEvent(msgBusy)
		close(out)
		return out
	}

	b.processing = true
	b.turn++
	gen := b.turn
	queryCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	req := b.buildRequestLocked(content)
	b.mu.Unlock()

	go b.run(queryCtx, gen, req, out)
	return out
}

// buildRequestLocked assembles the query from current settings. Callers
// hold b.mu.
func (b *Bridge) buildRequestLocked(content string) *agentsdk.QueryRequest {
	env := make(map[string]string, len(b.envVars)+1)
	for k, v := range b.envVars {
		env[k] = v
	}
	if b.settings.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = b.settings.APIKey
	}

	req := &agentsdk.QueryRequest{
		Prompt:            content,
		WorkingDirectory:  b.workingDir,
		Env:               env,
		Model:             b.settings.Model,
		Temperature:       b.settings.Temperature,
		MaxThinkingTokens: b.settings.MaxThinkingTokens,
		SystemPrompt:      buildSystemPrompt(b.settings.SystemPrompt, b.workingDir),
		ResumeSessionID:   b.externalID,
		PermissionFunc:    b.wrappedPermission(),
	}

	if b.guiAgent != nil {
		req.ExtraTools = append(req.ExtraTools, guiAgentTool(b.guiAgent))
	}
	return req
}

// wrappedPermission adapts the installed callback, defaulting to allow
// when none is set.
func (b *Bridge) wrappedPermission() agentsdk.PermissionFunc {
	return func(ctx context.Context, toolName string, input map[string]any) (agentsdk.PermissionDecision, error) {
		b.mu.Lock()
		permit := b.permission
		b.mu.Unlock()

		if permit == nil {
			return agentsdk.PermissionAllow, nil
		}
		return permit(ctx, toolName, input)
	}
}

// run drives one query to completion and returns the bridge to idle,
// unless a newer turn has started since (an interrupted turn may unwind
// after the next send; its cleanup must not touch the newer turn's state).
func (b *Bridge) run(ctx context.Context, gen uint64, req *agentsdk.QueryRequest, out chan<- agentsdk.StreamEvent) {
	defer close(out)
	defer func() {
		b.mu.Lock()
		if b.turn == gen {
			b.processing = false
			b.cancel = nil
		}
		b.mu.Unlock()
	}()

	stream, err := b.runtime.Query(ctx, req)
	if err != nil {
		b.logger.Error("query failed to start", "error", err)
		out <- agentsdk.ErrorEvent(errorMessage(err))
		return
	}
	defer stream.Close()

	sawError := false
	for {
		raw, err := stream.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted turns end quietly; the stream layer has
				// already flushed what arrived.
				return
			}
			b.logger.Error("stream read failed", "error", err)
			out <- agentsdk.ErrorEvent(errorMessage(err))
			return
		}

		for _, ev := range normalize(raw) {
			if ev.Type == agentsdk.EventSessionID {
				b.recordSessionID(ev.ID)
			}
			if ev.Type == agentsdk.EventError {
				sawError = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}

	if !sawError && ctx.Err() == nil {
		out <- agentsdk.DoneEvent()
	}
}

func (b *Bridge) recordSessionID(id string) {
	b.mu.Lock()
	b.externalID = id
	callback := b.onSessionID
	b.mu.Unlock()

	if callback != nil {
		callback(id)
	}
}

// Interrupt aborts the in-flight turn, if any. Safe to call at any time.
func (b *Bridge) Interrupt() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.processing = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// CheckConnection probes the agent CLI and reports status for the UI.
func (b *Bridge) CheckConnection(ctx context.Context) Status {
	b.mu.Lock()
	runtime := b.runtime
	cliPath := b.cliPath
	b.mu.Unlock()

	st := Status{
		Status:       StatusDisconnected,
		CLIAvailable: cliPath != "",
		CLIPath:      cliPath,
	}

	if runtime == nil || cliPath == "" {
		st.Error = installHint
		return st
	}

	if err := runtime.Check(ctx); err != nil {
		st.Status = StatusError
		st.Error = err.Error()
		return st
	}

	st.Status = StatusConnected
	st.RuntimeReady = true
	return st
}

func errorMessage(err error) string {
	if err == nil {
		return msgUnknownError
	}
	return err.Error()
}
