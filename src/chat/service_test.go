package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/bridge"
	"github.com/mikoapp/miko/src/msgchan"
	"github.com/mikoapp/miko/src/session"
	"github.com/mikoapp/miko/src/stream"
)

// fakeAgent echoes each prompt as a single text event. When gated, each
// send waits for one token before emitting, letting tests hold a turn
// open.
type fakeAgent struct {
	mu          sync.Mutex
	sends       []string
	gate        chan struct{}
	perm        agentsdk.PermissionFunc
	onSessionID func(string)
	externalID  string
	interrupts  int
	events      func(content string) []agentsdk.StreamEvent
}

func (f *fakeAgent) SendMessage(ctx context.Context, content string) <-chan agentsdk.StreamEvent {
	f.mu.Lock()
	f.sends = append(f.sends, content)
	gate := f.gate
	script := f.events
	f.mu.Unlock()

	ch := make(chan agentsdk.StreamEvent, 16)
	go func() {
		defer close(ch)
		if gate != nil {
			<-gate
		}
		evs := []agentsdk.StreamEvent{agentsdk.TextEvent("re: " + content), agentsdk.DoneEvent()}
		if script != nil {
			evs = script(content)
		}
		for _, ev := range evs {
			ch <- ev
		}
	}()
	return ch
}

func (f *fakeAgent) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeAgent) CheckConnection(ctx context.Context) bridge.Status {
	return bridge.Status{Status: bridge.StatusConnected, CLIAvailable: true, RuntimeReady: true}
}

func (f *fakeAgent) SetPermissionFunc(p agentsdk.PermissionFunc) { f.perm = p }
func (f *fakeAgent) SetOnSessionID(cb func(string))              { f.onSessionID = cb }
func (f *fakeAgent) SetExternalSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalID = id
}

func (f *fakeAgent) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeUI records everything pushed to the UI.
type fakeUI struct {
	mu       sync.Mutex
	payloads map[string][]any
}

func newFakeUI() *fakeUI {
	return &fakeUI{payloads: make(map[string][]any)}
}

func (u *fakeUI) SendToUI(channel string, payload any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payloads[channel] = append(u.payloads[channel], payload)
}

func (u *fakeUI) on(channel string) []any {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]any, len(u.payloads[channel]))
	copy(out, u.payloads[channel])
	return out
}

func newTestService(t *testing.T, agent *fakeAgent) (*Service, *fakeUI) {
	t.Helper()
	store, err := session.NewStore(afero.NewMemMapFs(), "/sessions", nil)
	require.NoError(t, err)

	controller := stream.NewController()
	controller.SetTypewriterSpeed(time.Millisecond)

	ui := newFakeUI()
	svc := NewService(Options{
		Agent:      agent,
		Store:      store,
		Controller: controller,
		Queue:      msgchan.New(),
		UI:         ui,
	})
	return svc, ui
}

func TestSendMessageImmediate(t *testing.T) {
	agent := &fakeAgent{}
	svc, ui := newTestService(t, agent)

	result := svc.SendMessage(context.Background(), "hello")
	require.True(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, "re: hello", result.Message.Content)

	msgs := svc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, session.StatusSent, msgs[0].Status)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)

	assert.NotEmpty(t, ui.on(ChannelResponse))
}

func TestSendWhileStreamingQueuesFIFO(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{})}
	svc, _ := newTestService(t, agent)

	firstDone := make(chan SendResult, 1)
	go func() { firstDone <- svc.SendMessage(context.Background(), "A") }()

	// Wait for the turn to be visibly in flight.
	require.Eventually(t, func() bool {
		return agent.sentCount() == 1
	}, time.Second, time.Millisecond)

	resB := svc.SendMessage(context.Background(), "B")
	resC := svc.SendMessage(context.Background(), "C")
	assert.True(t, resB.Queued)
	assert.True(t, resC.Queued)
	assert.Equal(t, 2, svc.QueueCount())

	// Queued entries land in the transcript immediately.
	msgs := svc.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, session.StatusQueued, msgs[1].Status)

	// Release all three turns.
	agent.gate <- struct{}{}
	agent.gate <- struct{}{}
	agent.gate <- struct{}{}

	res := <-firstDone
	assert.True(t, res.Success)

	require.Eventually(t, func() bool {
		return svc.QueueCount() == 0 && agent.sentCount() == 3
	}, 2*time.Second, 5*time.Millisecond)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, agent.sends)
}

func TestInterruptKeepsQueue(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{})}
	svc, _ := newTestService(t, agent)

	go svc.SendMessage(context.Background(), "A")
	require.Eventually(t, func() bool { return agent.sentCount() == 1 }, time.Second, time.Millisecond)

	svc.SendMessage(context.Background(), "B")
	require.Equal(t, 1, svc.QueueCount())

	svc.Interrupt()
	assert.Equal(t, 1, svc.QueueCount())
	agent.mu.Lock()
	assert.Equal(t, 1, agent.interrupts)
	agent.mu.Unlock()
}

func TestErrorTurnReportsError(t *testing.T) {
	agent := &fakeAgent{events: func(string) []agentsdk.StreamEvent {
		return []agentsdk.StreamEvent{agentsdk.ErrorEvent("model overloaded")}
	}}
	svc, ui := newTestService(t, agent)

	result := svc.SendMessage(context.Background(), "hi")
	assert.False(t, result.Success)
	assert.Equal(t, "model overloaded", result.Error)

	require.Eventually(t, func() bool {
		return len(ui.on(ChannelError)) > 0
	}, time.Second, time.Millisecond)
}

func TestPermissionRoundTrip(t *testing.T) {
	agent := &fakeAgent{}
	svc, ui := newTestService(t, agent)
	require.NotNil(t, agent.perm)

	type permResult struct {
		decision agentsdk.PermissionDecision
		err      error
	}
	resCh := make(chan permResult, 1)
	go func() {
		d, err := agent.perm(context.Background(), "Bash", map[string]any{"command": "ls"})
		resCh <- permResult{d, err}
	}()

	var req PermissionRequest
	require.Eventually(t, func() bool {
		reqs := ui.on(ChannelPermissionRequest)
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0].(PermissionRequest)
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, "Run command: ls", req.Description)

	require.True(t, svc.ResolvePermission(req.ID, agentsdk.PermissionAllow))

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, agentsdk.PermissionAllow, res.decision)

	// An unknown request id resolves nothing.
	assert.False(t, svc.ResolvePermission("ghost", agentsdk.PermissionAllow))
}

func TestDenyAlwaysCachedByToolName(t *testing.T) {
	agent := &fakeAgent{}
	svc, ui := newTestService(t, agent)

	resCh := make(chan agentsdk.PermissionDecision, 1)
	go func() {
		d, _ := agent.perm(context.Background(), "Bash", map[string]any{"command": "rm -rf /"})
		resCh <- d
	}()

	var req PermissionRequest
	require.Eventually(t, func() bool {
		reqs := ui.on(ChannelPermissionRequest)
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0].(PermissionRequest)
		return true
	}, time.Second, time.Millisecond)

	require.True(t, svc.ResolvePermission(req.ID, agentsdk.PermissionDenyAlways))
	assert.Equal(t, agentsdk.PermissionDenyAlways, <-resCh)

	// The next Bash request is answered from the cache, with different
	// input and no UI round-trip.
	d, err := agent.perm(context.Background(), "Bash", map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, agentsdk.PermissionDenyAlways, d)
	assert.Len(t, ui.on(ChannelPermissionRequest), 1)

	// Other tools are unaffected: a fresh request goes to the UI.
	go func() {
		agent.perm(context.Background(), "Read", map[string]any{})
	}()
	require.Eventually(t, func() bool {
		return len(ui.on(ChannelPermissionRequest)) == 2
	}, time.Second, time.Millisecond)
	reqs := ui.on(ChannelPermissionRequest)
	svc.ResolvePermission(reqs[1].(PermissionRequest).ID, agentsdk.PermissionAllow)
}

func TestSessionLifecycle(t *testing.T) {
	agent := &fakeAgent{}
	svc, _ := newTestService(t, agent)

	svc.SendMessage(context.Background(), "in default")
	require.Len(t, svc.Messages(), 2)
	defaultID := svc.Sessions()[0].ID

	sess := svc.NewSession("Work")
	assert.Empty(t, svc.Messages())
	assert.Equal(t, "", agent.externalID)

	svc.SendMessage(context.Background(), "in work")
	require.Len(t, svc.Messages(), 2)

	require.True(t, svc.SwitchSession(defaultID))
	msgs := svc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "in default", msgs[0].Content)

	assert.False(t, svc.SwitchSession("missing"))

	require.NoError(t, svc.RenameSession(sess.ID, "Renamed"))
	require.NoError(t, svc.DeleteSession(sess.ID))
	assert.Error(t, svc.DeleteSession(sess.ID))
}

func TestClearMessagesResetsContext(t *testing.T) {
	agent := &fakeAgent{}
	svc, _ := newTestService(t, agent)

	svc.SendMessage(context.Background(), "hello")
	require.NotEmpty(t, svc.Messages())

	agent.SetExternalSessionID("ext-1")
	svc.ClearMessages()
	assert.Empty(t, svc.Messages())
	assert.Equal(t, "", agent.externalID)
}

func TestConnectionStatusPushedToUI(t *testing.T) {
	agent := &fakeAgent{}
	svc, ui := newTestService(t, agent)

	st := svc.ConnectionStatus(context.Background())
	assert.Equal(t, bridge.StatusConnected, st.Status)
	require.Len(t, ui.on(ChannelConnectionStatus), 1)
}

func TestSessionIDFlowsToStore(t *testing.T) {
	agent := &fakeAgent{events: func(content string) []agentsdk.StreamEvent {
		return []agentsdk.StreamEvent{agentsdk.SessionIDEvent("ext-7"), agentsdk.TextEvent("ok"), agentsdk.DoneEvent()}
	}}
	svc, ui := newTestService(t, agent)

	// The bridge drives the callback in production; the fake mimics it.
	agent.onSessionID("ext-7")
	res := svc.SendMessage(context.Background(), "hi")
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		return len(ui.on(ChannelSessionUpdated)) > 0
	}, time.Second, time.Millisecond)
}

func TestStreamFinishingAfterSwitchStaysInItsSession(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{})}
	svc, _ := newTestService(t, agent)

	done := make(chan SendResult, 1)
	go func() { done <- svc.SendMessage(context.Background(), "hello in X") }()
	require.Eventually(t, func() bool { return agent.sentCount() == 1 }, time.Second, time.Millisecond)

	originID := svc.Sessions()[0].ID

	// Switch away while the turn is still streaming.
	svc.NewSession("Y")

	// The runtime session id for the old turn arrives after the switch;
	// it must land on the session that owns the turn.
	agent.onSessionID("ext-9")

	agent.gate <- struct{}{}
	res := <-done
	require.True(t, res.Success)

	// The new session saw none of it.
	assert.Empty(t, svc.Messages())
	assert.Equal(t, "", agent.externalID)

	// The originating session has the full exchange and the runtime id.
	require.True(t, svc.SwitchSession(originID))
	msgs := svc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello in X", msgs[0].Content)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "re: hello in X", msgs[1].Content)
	assert.Equal(t, "ext-9", agent.externalID)
}

func TestQueuedMessagesMarkedSentAfterDispatch(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{}, 8)}
	svc, _ := newTestService(t, agent)

	go svc.SendMessage(context.Background(), "A")
	require.Eventually(t, func() bool { return agent.sentCount() == 1 }, time.Second, time.Millisecond)

	require.True(t, svc.SendMessage(context.Background(), "B").Queued)
	require.True(t, svc.SendMessage(context.Background(), "C").Queued)

	for i := 0; i < 3; i++ {
		agent.gate <- struct{}{}
	}

	// Every queued entry flips to sent once its turn dispatches, even when
	// it is buried mid-transcript.
	require.Eventually(t, func() bool {
		statuses := make(map[string]string)
		for _, m := range svc.Messages() {
			if m.Role == session.RoleUser {
				statuses[m.Content] = m.Status
			}
		}
		return statuses["B"] == session.StatusSent && statuses["C"] == session.StatusSent
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManyQueuedMessagesDrainInOrder(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{}, 16)}
	svc, _ := newTestService(t, agent)

	go svc.SendMessage(context.Background(), "m0")
	require.Eventually(t, func() bool { return agent.sentCount() == 1 }, time.Second, time.Millisecond)

	var want []string
	want = append(want, "m0")
	for i := 1; i <= 5; i++ {
		content := fmt.Sprintf("m%d", i)
		want = append(want, content)
		res := svc.SendMessage(context.Background(), content)
		require.True(t, res.Queued, content)
	}

	for i := 0; i < 6; i++ {
		agent.gate <- struct{}{}
	}

	require.Eventually(t, func() bool {
		return agent.sentCount() == 6 && svc.QueueCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, want, agent.sends)
}
