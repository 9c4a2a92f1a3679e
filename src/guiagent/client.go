// Package guiagent talks to the local GUI automation sidecar. The sidecar
// exposes a small HTTP surface for starting runs plus websocket streams for
// chat presence and run progress.
package guiagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBaseURL is where the sidecar listens when unconfigured.
	DefaultBaseURL = "http://127.0.0.1:8787"

	// maxEventLines caps how much run output is folded into the summary.
	maxEventLines = 80

	defaultStreamTimeout = 5 * time.Minute
)

// Client drives GUI automation runs against the sidecar.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	dialer        *websocket.Dialer
	streamTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Client for the sidecar at baseURL. An empty baseURL falls
// back to DefaultBaseURL; trailing slashes are stripped.
func New(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		dialer:        websocket.DefaultDialer,
		streamTimeout: defaultStreamTimeout,
		logger:        logger,
	}
}

// BaseURL returns the normalized sidecar address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health reports whether the sidecar is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GUI agent sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GUI agent sidecar unhealthy: %s", resp.Status)
	}
	return nil
}

// Run executes one GUI automation instruction and returns a text summary of
// what the sidecar did. The chat websocket stays open for the duration of
// the run so the sidecar can attribute it to a session.
func (c *Client) Run(ctx context.Context, instruction string) (string, error) {
	sessionID := uuid.New().String()

	chatConn, err := c.dialWS(ctx, "/chat?session_id="+sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to open chat stream: %w", err)
	}
	defer chatConn.Close()

	runID, err := c.startRun(ctx, sessionID, instruction)
	if err != nil {
		return "", err
	}

	c.logger.Debug("GUI agent run started", "run_id", runID)

	// Once the run is accepted, every outcome folds into a text summary.
	// A timeout, a broken stream, or an error event still reports whatever
	// progress lines were captured before the failure.
	lines, status := c.collectEvents(ctx, sessionID, runID)
	body := "No events received."
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	return fmt.Sprintf("GUI Agent finished (%s).\n\n%s", status, body), nil
}

func (c *Client) startRun(ctx context.Context, sessionID, instruction string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"session_id":  sessionID,
		"instruction": instruction,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/gui-agent/run", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to start GUI agent run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("GUI agent run rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode run response: %w", err)
	}
	if out.RunID == "" {
		return "", fmt.Errorf("GUI agent run response missing run_id")
	}
	return out.RunID, nil
}

// runEvent is one progress message from the run stream. Some sidecar
// builds nest the fields under a payload wrapper.
type runEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Payload *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"payload"`
}

func (e *runEvent) normalize() (string, string) {
	if e.Payload != nil && e.Payload.Type != "" {
		return e.Payload.Type, e.Payload.Message
	}
	return e.Type, e.Message
}

func (c *Client) collectEvents(ctx context.Context, sessionID, runID string) ([]string, string) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	var lines []string
	conn, err := c.dialWS(ctx, "/gui-agent/stream?run_id="+runID+"&session_id="+sessionID)
	if err != nil {
		c.logger.Warn("failed to open run stream", "error", err)
		return lines, "error"
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	lines = append(lines, "GUI Agent stream connected.")
	status := "completed"

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.logger.Warn("GUI agent run timed out", "run_id", runID)
				return append(lines, "Run timed out."), "error"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return lines, status
			default:
				c.logger.Warn("run stream failed", "error", err)
				return append(lines, "Run stream failed."), "error"
			}
		}

		var ev runEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("skipping malformed run event")
			continue
		}

		evType, message := ev.normalize()
		switch evType {
		case "done", "completed":
			return lines, status
		case "error":
			if message == "" {
				message = "GUI agent run failed"
			}
			return append(lines, message), "error"
		default:
			if message != "" && len(lines) < maxEventLines {
				lines = append(lines, message)
			}
		}
	}
}

func (c *Client) dialWS(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, wsURL(c.baseURL)+path, nil)
	return conn, err
}

// wsURL converts the sidecar's HTTP base address into a websocket one.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
