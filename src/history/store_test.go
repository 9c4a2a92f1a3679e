package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening applies no duplicate migrations.
	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestRecordAndQueryToolExecutions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exec := &ToolExecution{
		SessionID: "s1",
		ToolName:  "Bash",
		Input:     `{"command":"ls"}`,
	}
	require.NoError(t, store.RecordToolExecution(ctx, exec))
	assert.NotEmpty(t, exec.ID)
	assert.False(t, exec.StartedAt.IsZero())

	require.NoError(t, store.FinishToolExecution(ctx, exec.ID, "file.go", false))

	require.NoError(t, store.RecordToolExecution(ctx, &ToolExecution{
		SessionID: "s2",
		ToolName:  "Read",
	}))

	got, err := store.ToolExecutionsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Bash", got[0].ToolName)
	assert.Equal(t, "file.go", got[0].Result)
	assert.False(t, got[0].IsError)
	require.NotNil(t, got[0].FinishedAt)

	empty, err := store.ToolExecutionsBySession(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecordPermissions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, decision := range []string{"allow", "deny", "allow-always"} {
		require.NoError(t, store.RecordPermission(ctx, &PermissionRecord{
			SessionID:   "s1",
			ToolName:    "Bash",
			Description: "Run command: ls",
			Decision:    decision,
			DecidedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := store.RecentPermissions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "allow-always", recent[0].Decision)
	assert.Equal(t, "deny", recent[1].Decision)

	all, err := store.PermissionsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "allow", all[0].Decision)
}

func TestExtractUpMigration(t *testing.T) {
	up := extractUpMigration(initialSchema)
	assert.Contains(t, up, "CREATE TABLE tool_executions")
	assert.Contains(t, up, "CREATE TABLE permission_decisions")
	assert.NotContains(t, up, "DROP TABLE")
	assert.NotContains(t, up, "+goose")
}
