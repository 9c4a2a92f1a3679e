// Package cliruntime implements the agent runtime boundary by spawning the
// external coding-agent CLI in stream-JSON mode and bridging its line
// protocol: outbound queries on argv/stdin, inbound messages as JSON lines
// on stdout, control round-trips (permission checks, extra-tool calls)
// answered back over stdin.
package cliruntime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/mikoapp/miko/src/agentsdk"
)

// Runtime spawns one agent CLI process per query.
type Runtime struct {
	binaryPath string
	logger     *slog.Logger
}

var _ agentsdk.Runtime = (*Runtime)(nil)

// New creates a Runtime for the given agent CLI binary.
func New(binaryPath string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runtime{binaryPath: binaryPath, logger: logger}
}

// BinaryPath returns the configured agent CLI location.
func (r *Runtime) BinaryPath() string {
	return r.binaryPath
}

// Check verifies the agent CLI exists and is runnable without starting a
// conversation.
func (r *Runtime) Check(ctx context.Context) error {
	if r.binaryPath == "" {
		return fmt.Errorf("agent CLI not configured")
	}
	if _, err := os.Stat(r.binaryPath); err != nil {
		return fmt.Errorf("agent CLI not found at %s: %w", r.binaryPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binaryPath, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("agent CLI failed to run: %w (%s)", err, firstLine(out))
	}
	return nil
}

// Query starts a turn. The returned stream yields the CLI's raw messages
// in arrival order and reports io.EOF once the process exits cleanly.
func (r *Runtime) Query(ctx context.Context, req *agentsdk.QueryRequest) (agentsdk.MessageStream, error) {
	if r.binaryPath == "" {
		return nil, fmt.Errorf("agent CLI not configured")
	}

	args := buildArgs(req)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent CLI: %w", err)
	}

	r.logger.Debug("agent CLI started",
		"binary", r.binaryPath,
		"cwd", req.WorkingDirectory,
		"resume", req.ResumeSessionID != "")

	stream := newProcessStream(ctx, cmd, stdin, stdout, req, r.logger)
	return stream, nil
}

// buildArgs assembles the CLI invocation for a query request.
func buildArgs(req *agentsdk.QueryRequest) []string {
	args := []string{
		"--print", req.Prompt,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxThinkingTokens != nil {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(*req.MaxThinkingTokens))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.PermissionFunc != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}

	return args
}

// mergeEnv overlays request variables on the process environment. Request
// values win; the result is sorted for deterministic tests.
func mergeEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
