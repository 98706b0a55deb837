package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/daemon"
	"github.com/agentworkforce/chatvault/internal/source"
)

type cliEnv struct {
	t       *testing.T
	ctx     context.Context
	dataDir string
	locator source.Locator
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dataDir := filepath.Join(home, "vault")
	cursorDir := filepath.Join(home, "cursor")
	t.Setenv("CHATVAULT_DATA_DIR", dataDir)
	t.Setenv("CHATVAULT_PATHS_CURSOR_DIR", cursorDir)
	t.Setenv("CHATVAULT_LOG_LEVEL", "error")
	return &cliEnv{t: t, ctx: context.Background(), dataDir: dataDir, locator: source.NewLocator(cursorDir)}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(newApp(&stdout, &stderr))
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), err
}

func (e *cliEnv) runJSON(v any, args ...string) {
	e.t.Helper()
	out, err := e.run(append(args, "--json")...)
	require.NoError(e.t, err, out)
	require.NoError(e.t, json.Unmarshal([]byte(out), v), out)
}

func (e *cliEnv) location(id string) chatvault.SourceLocation {
	e.t.Helper()
	loc, err := e.locator.Location(id)
	require.NoError(e.t, err)
	return loc
}

func (e *cliEnv) seed(id string, convs ...chatvault.Conversation) {
	e.t.Helper()
	session, err := source.NewWriter(nil).Open(e.ctx, e.location(id))
	require.NoError(e.t, err)
	defer session.Close()
	for _, conv := range convs {
		require.NoError(e.t, session.WriteConversation(e.ctx, conv))
	}
}

func (e *cliEnv) wipe(id string) {
	e.t.Helper()
	db, err := sql.Open("sqlite", e.location(id).Path)
	require.NoError(e.t, err)
	defer db.Close()
	_, err = db.ExecContext(e.ctx, "DELETE FROM cursorDiskKV")
	require.NoError(e.t, err)
}

func (e *cliEnv) sourceCounts(id string) map[string]int {
	e.t.Helper()
	snap, err := source.NewReader(source.ReaderOptions{}).Read(e.ctx, e.location(id))
	require.NoError(e.t, err)
	out := map[string]int{}
	for _, conv := range snap.Conversations {
		out[conv.ID] = len(conv.Messages)
	}
	return out
}

func conversation(id string, n int) chatvault.Conversation {
	conv := chatvault.Conversation{ID: id, ModelName: "gpt-4o"}
	base := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		role := chatvault.RoleUser
		if i%2 == 1 {
			role = chatvault.RoleAssistant
		}
		conv.Messages = append(conv.Messages, chatvault.Message{
			ID:        fmt.Sprintf("%s-b%02d", id, i),
			Role:      role,
			Content:   fmt.Sprintf("message %d in %s", i, id),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	conv.Renumber()
	return conv
}

func TestSyncNowCapturesThenResetRestores(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(source.GlobalLocationID, conversation("alpha", 5), conversation("bravo", 2), conversation("charlie", 8))

	out, err := env.run("sync", "now")
	require.NoError(t, err, out)
	assert.Contains(t, out, "done")

	var stats storageStats
	env.runJSON(&stats, "storage", "stats")
	assert.Equal(t, 3, stats.Conversations)
	assert.Equal(t, 15, stats.Messages)
	assert.Equal(t, int64(10)<<30, stats.QuotaBytes)
	assert.Equal(t, 30, stats.RetentionDays)
	assert.True(t, stats.Compression)

	_, err = env.run("restore", "--all")
	require.ErrorIs(t, err, chatvault.ErrRestorePreconditionFailed)

	env.wipe(source.GlobalLocationID)
	out, err = env.run("sync", "reset", source.GlobalLocationID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ConfirmedWiped")

	var pending daemon.Status
	env.runJSON(&pending, "sync", "status")
	assert.Equal(t, 1, pending.PendingRestores)
	assert.Positive(t, pending.RestoreCapacity)
	require.Len(t, pending.Restores, 1)
	assert.Equal(t, source.GlobalLocationID, pending.Restores[0].Location)
	out, err = env.run("sync", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending restores: 1 of")

	out, err = env.run("sync", "now")
	require.NoError(t, err, out)
	assert.Equal(t, map[string]int{"alpha": 5, "bravo": 2, "charlie": 8}, env.sourceCounts(source.GlobalLocationID))

	var status daemon.Status
	env.runJSON(&status, "sync", "status")
	assert.False(t, status.Running)
	assert.Equal(t, chatvault.TickOK, status.LastTickStatus)
	assert.Zero(t, status.PendingRestores)
	require.Len(t, status.Sources, 1)
	assert.Equal(t, chatvault.WipeNormal, status.Sources[0].State)
	assert.Equal(t, 3, status.Sources[0].Conversations)
	assert.Equal(t, 3, status.Conversations)
}

func TestRestoreByIDIntoEmptyWorkspace(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(source.GlobalLocationID, conversation("alpha-1234", 4), conversation("bravo", 2))
	_, err := env.run("sync", "now")
	require.NoError(t, err)

	out, err := env.run("restore", "--id", "alpha", "--location", "workspace:abc")
	require.NoError(t, err, out)
	assert.Contains(t, out, "alpha-1234")
	assert.Equal(t, map[string]int{"alpha-1234": 4}, env.sourceCounts("workspace:abc"))

	_, err = env.run("restore", "--id", "zulu", "--location", "workspace:def")
	assert.ErrorIs(t, err, chatvault.ErrNotFound)

	_, err = env.run("restore", "--all", "--id", "alpha")
	assert.Error(t, err)
	_, err = env.run("restore")
	assert.Error(t, err)
}

func TestAckAcceptsEmptiedSource(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(source.GlobalLocationID, conversation("alpha", 3))
	_, err := env.run("sync", "now")
	require.NoError(t, err)
	env.wipe(source.GlobalLocationID)
	_, err = env.run("sync", "reset", source.GlobalLocationID)
	require.NoError(t, err)

	var state chatvault.SyncState
	env.runJSON(&state, "sync", "ack", source.GlobalLocationID)
	assert.Equal(t, chatvault.WipeNormal, state.State)
	assert.Empty(t, state.LastSeenConversationIDs)

	_, err = env.run("sync", "ack", "workspace:../escape")
	assert.ErrorIs(t, err, chatvault.ErrInvalidInput)
}

func TestStorageCommandsWithEmptyStore(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("storage", "workspaces")
	require.NoError(t, err)
	assert.Contains(t, out, "no workspaces stored yet")

	out, err = env.run("storage", "cleanup")
	require.NoError(t, err, out)
	assert.Contains(t, out, "nothing to do")

	out, err = env.run("storage", "config", "--init")
	require.NoError(t, err, out)
	assert.Contains(t, out, "interval_secs: 120")
	_, err = os.Stat(filepath.Join(env.dataDir, "config.yaml"))
	require.NoError(t, err)

	out, err = env.run("storage", "config", "--init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestStorageWorkspacesCountsConversations(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(source.GlobalLocationID)
	env.seed("workspace:abc", conversation("alpha", 3), conversation("bravo", 2))
	manifest := filepath.Join(filepath.Dir(env.location("workspace:abc").Path), "workspace.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{"folder":"file:///home/dev/projects/shop"}`), 0o644))
	_, err := env.run("sync", "now")
	require.NoError(t, err)

	var rows []workspaceRow
	env.runJSON(&rows, "storage", "workspaces")
	require.Len(t, rows, 1)
	assert.Equal(t, "abc", rows[0].ID)
	assert.Equal(t, 2, rows[0].Conversations)
}

func TestSyncStopWithoutDaemon(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run("sync", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to do")
}

func TestSyncStartRefusesWhenDisabled(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CHATVAULT_SYNC_ENABLED", "false")
	_, err := env.run("sync", "start", "--foreground")
	assert.ErrorIs(t, err, chatvault.ErrInvalidConfig)
}

func TestInvalidConfigIsReported(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CHATVAULT_SYNC_JITTER", "3")
	_, err := env.run("sync", "status")
	assert.ErrorIs(t, err, chatvault.ErrInvalidConfig)
}
