package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikoapp/miko/src/agentsdk"
)

func TestNormalizeTextDelta(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}}`))
	require.Len(t, events, 1)
	assert.Equal(t, agentsdk.EventText, events[0].Type)
	assert.Equal(t, "hello", events[0].Content)
}

func TestNormalizeThinkingDelta(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`))
	require.Len(t, events, 1)
	assert.Equal(t, agentsdk.EventThinking, events[0].Type)
	assert.Equal(t, "hmm", events[0].Content)
}

func TestNormalizeToolUseStart(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}}}`))
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, agentsdk.EventToolUse, ev.Type)
	assert.Equal(t, "t1", ev.ID)
	assert.Equal(t, "Bash", ev.Name)
	assert.Equal(t, "ls", ev.Input["command"])
}

func TestNormalizeToolUseNilInput(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1","name":"Read"}}}`))
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].Input)
}

func TestNormalizeToolProgress(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"tool_progress","tool_use_id":"t1","content":"file contents"}`))
	require.Len(t, events, 1)
	assert.Equal(t, agentsdk.EventToolResult, events[0].Type)
	assert.Equal(t, "t1", events[0].ID)
	assert.Equal(t, "file contents", events[0].Content)
}

func TestNormalizeToolProgressStructuredContent(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"tool_progress","tool_use_id":"t1","content":{"lines":3}}`))
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"lines":3}`, events[0].Content)
}

func TestNormalizeSessionID(t *testing.T) {
	for _, typ := range []string{"system", "result"} {
		events := normalize(json.RawMessage(`{"type":"` + typ + `","session_id":"sess-1"}`))
		require.Len(t, events, 1, typ)
		assert.Equal(t, agentsdk.EventSessionID, events[0].Type)
		assert.Equal(t, "sess-1", events[0].ID)
	}
}

func TestNormalizeAssistantTextBlocks(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"one"},{"type":"tool_use"},{"type":"text","text":"two"}]}}`))
	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Content)
	assert.Equal(t, "two", events[1].Content)
}

func TestNormalizeAuthStatusError(t *testing.T) {
	events := normalize(json.RawMessage(`{"type":"auth_status","error":{"message":"token expired"}}`))
	require.Len(t, events, 1)
	assert.Equal(t, agentsdk.EventError, events[0].Type)
	assert.Equal(t, "token expired", events[0].Content)

	events = normalize(json.RawMessage(`{"type":"auth_status","error":{}}`))
	require.Len(t, events, 1)
	assert.Equal(t, "Authentication error", events[0].Content)
}

func TestNormalizeUnknownShapes(t *testing.T) {
	assert.Empty(t, normalize(json.RawMessage(`{"type":"mystery"}`)))
	assert.Empty(t, normalize(json.RawMessage(`{"type":"auth_status"}`)))
	assert.Empty(t, normalize(json.RawMessage(`not json`)))
}
