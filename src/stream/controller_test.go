package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/session"
)

// recorder captures notifications in arrival order.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

func (r *recorder) types() []NotificationType {
	var out []NotificationType
	for _, n := range r.all() {
		out = append(out, n.Type)
	}
	return out
}

func newFastController(rec *recorder) *Controller {
	c := NewController()
	c.SetTypewriterSpeed(time.Millisecond)
	if rec != nil {
		c.AddListener(rec.listen)
	}
	return c
}

func TestTypewriterReleasesTextGradually(t *testing.T) {
	rec := &recorder{}
	c := newFastController(rec)

	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("hello"))

	assert.Eventually(t, func() bool {
		notes := rec.all()
		return len(notes) > 0 && notes[len(notes)-1].State.CurrentText == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	// Text grows monotonically, one character per update.
	var prev string
	for _, n := range rec.all() {
		if n.Type != NoteTextUpdated {
			continue
		}
		require.True(t, strings.HasPrefix(n.State.CurrentText, prev))
		assert.Equal(t, len(prev)+1, len(n.State.CurrentText))
		prev = n.State.CurrentText
	}
	assert.Equal(t, "hello", prev)
}

func TestDoneFlushesBufferedText(t *testing.T) {
	rec := &recorder{}
	c := NewController()
	// A glacial speed ensures the buffer is still full when done arrives.
	c.SetTypewriterSpeed(time.Hour)
	c.AddListener(rec.listen)

	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("buffered text"))
	c.ProcessEvent(agentsdk.DoneEvent())

	state := c.State()
	assert.Equal(t, "buffered text", state.CurrentText)
	assert.False(t, state.IsStreaming)
	assert.False(t, state.HasError)

	types := rec.types()
	assert.Equal(t, NoteStreamEnded, types[len(types)-1])
}

func TestErrorFlushesAndRecordsMessage(t *testing.T) {
	c := NewController()
	c.SetTypewriterSpeed(time.Hour)

	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("partial"))
	c.ProcessEvent(agentsdk.ErrorEvent("model overloaded"))

	state := c.State()
	assert.Equal(t, "partial", state.CurrentText)
	assert.True(t, state.HasError)
	assert.Equal(t, "model overloaded", state.ErrorMessage)
	assert.False(t, state.IsStreaming)
}

func TestThinkingAccumulatesImmediately(t *testing.T) {
	c := newFastController(nil)
	c.StartStream()
	c.ProcessEvent(agentsdk.ThinkingEvent("first "))
	c.ProcessEvent(agentsdk.ThinkingEvent("second"))
	assert.Equal(t, "first second", c.State().ThinkingText)
}

func TestToolUsePairsWithResult(t *testing.T) {
	c := newFastController(nil)
	c.StartStream()

	c.ProcessEvent(agentsdk.ToolUseEvent("t1", "Bash", map[string]any{"command": "ls"}))
	c.ProcessEvent(agentsdk.ToolUseEvent("t2", "Read", nil))
	c.ProcessEvent(agentsdk.ToolResultEvent("t1", "file.go"))

	calls := c.State().ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "Bash", calls[0].Name)
	assert.Equal(t, "file.go", calls[0].Result)
	assert.Empty(t, calls[1].Result)
}

func TestToolResultUnknownIDIsNoOp(t *testing.T) {
	rec := &recorder{}
	c := newFastController(rec)
	c.StartStream()
	before := len(rec.all())

	c.ProcessEvent(agentsdk.ToolResultEvent("ghost", "output"))

	assert.Empty(t, c.State().ToolCalls)
	assert.Len(t, rec.all(), before)
}

func TestSessionIDForwardedOnly(t *testing.T) {
	rec := &recorder{}
	c := newFastController(rec)
	c.StartStream()
	c.ProcessEvent(agentsdk.SessionIDEvent("ext-42"))

	notes := rec.all()
	last := notes[len(notes)-1]
	assert.Equal(t, NoteSessionID, last.Type)
	assert.Equal(t, "ext-42", last.SessionID)
	// Session ids do not leak into the visible text.
	assert.Empty(t, c.State().CurrentText)
}

func TestInterruptPreservesContent(t *testing.T) {
	rec := &recorder{}
	c := NewController()
	c.SetTypewriterSpeed(time.Hour)
	c.AddListener(rec.listen)

	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("keep this"))
	c.ProcessEvent(agentsdk.ToolUseEvent("t1", "Bash", nil))
	c.Interrupt()

	state := c.State()
	assert.Equal(t, "keep this", state.CurrentText)
	require.Len(t, state.ToolCalls, 1)
	assert.False(t, state.IsStreaming)

	types := rec.types()
	assert.Equal(t, NoteInterrupted, types[len(types)-1])

	// A second interrupt with no stream running emits nothing.
	before := len(rec.all())
	c.Interrupt()
	assert.Len(t, rec.all(), before)
}

func TestSpeedChangeMidStreamKeepsBuffer(t *testing.T) {
	c := NewController()
	c.SetTypewriterSpeed(time.Hour)

	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("slow then fast"))
	assert.Empty(t, c.State().CurrentText)

	c.SetTypewriterSpeed(time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.State().CurrentText == "slow then fast"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResetClearsState(t *testing.T) {
	c := newFastController(nil)
	c.StartStream()
	c.ProcessEvent(agentsdk.ThinkingEvent("thoughts"))
	c.ProcessEvent(agentsdk.ToolUseEvent("t1", "Bash", nil))
	c.Reset()

	state := c.State()
	assert.Empty(t, state.CurrentText)
	assert.Empty(t, state.ThinkingText)
	assert.Empty(t, state.ToolCalls)
	assert.False(t, state.IsStreaming)
}

func TestToggleToolCallExpansion(t *testing.T) {
	c := newFastController(nil)
	c.StartStream()
	c.ProcessEvent(agentsdk.ToolUseEvent("t1", "Edit", nil))

	assert.True(t, c.ToggleToolCallExpansion("t1"))
	assert.True(t, c.State().ToolCalls[0].IsExpanded)
	assert.True(t, c.ToggleToolCallExpansion("t1"))
	assert.False(t, c.State().ToolCalls[0].IsExpanded)
	assert.False(t, c.ToggleToolCallExpansion("missing"))
}

func TestFinalMessage(t *testing.T) {
	c := NewController()
	c.SetTypewriterSpeed(time.Hour)
	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("answer"))
	c.ProcessEvent(agentsdk.ThinkingEvent("reasoning"))
	c.ProcessEvent(agentsdk.ToolUseEvent("t1", "Bash", nil))
	c.ProcessEvent(agentsdk.DoneEvent())

	msg := c.FinalMessage()
	assert.Equal(t, session.RoleAssistant, msg.Role)
	assert.Equal(t, "answer", msg.Content)
	assert.Equal(t, "reasoning", msg.ThinkingContent)
	require.Len(t, msg.ToolCalls, 1)
	assert.NotEmpty(t, msg.ID)
}

func TestStartStreamResetsPriorTurn(t *testing.T) {
	c := newFastController(nil)
	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("one"))
	c.ProcessEvent(agentsdk.DoneEvent())

	c.StartStream()
	state := c.State()
	assert.True(t, state.IsStreaming)
	assert.Empty(t, state.CurrentText)
	assert.Empty(t, state.ToolCalls)
}

func TestSupersededTickerLoopLeavesReplacementAlone(t *testing.T) {
	c := NewController()
	c.SetTypewriterSpeed(time.Hour)
	c.StartStream()
	c.ProcessEvent(agentsdk.TextEvent("hi"))

	c.mu.Lock()
	old := c.stopTicker
	c.mu.Unlock()
	require.NotNil(t, old)

	// A speed change replaces the pacing loop; a straggling tick from the
	// old loop must exit without closing the replacement's stop channel.
	c.SetTypewriterSpeed(time.Hour)
	assert.False(t, c.releaseOne(old))

	c.mu.Lock()
	replacement := c.stopTicker
	c.mu.Unlock()
	require.NotNil(t, replacement)
	select {
	case <-replacement:
		t.Fatal("replacement stop channel was closed")
	default:
	}

	// The replacement loop still releases text.
	assert.True(t, c.releaseOne(replacement))
	assert.Equal(t, "h", c.State().CurrentText)
}
