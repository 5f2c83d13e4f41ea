package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/zap/zaptest"
)

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	cfg := storageengine.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PageSize = 1024
	cfg.BufferPoolFrames = 64
	cfg.WALSegmentSize = 64 << 10
	cfg.CheckpointInterval = 0
	cfg.FsyncMode = "sync"
	e, err := storageengine.Open(context.Background(), cfg,
		storageengine.WithLogger(zaptest.NewLogger(t)),
		storageengine.WithTelemetry(telemetry.Noop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	var out bytes.Buffer
	sh := New(e, &out)
	for _, line := range []string{"create table users", "create index users users_pk unique"} {
		require.NoError(t, sh.Exec(context.Background(), strings.Fields(line)))
	}
	out.Reset()
	return sh, &out
}

func run(t *testing.T, sh *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.Exec(context.Background(), strings.Fields(line)), line)
	return out.String()
}

func TestShellRowLifecycle(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	assert.Contains(t, run(t, sh, out, "put users_pk alice likes tea"), "OK")
	assert.Contains(t, run(t, sh, out, "get users_pk alice"), "likes tea")

	err := sh.Exec(ctx, strings.Fields("put users_pk alice again"))
	assert.ErrorIs(t, err, storageengine.ErrDuplicateKey)

	run(t, sh, out, "update users_pk alice likes coffee")
	assert.Contains(t, run(t, sh, out, "get users_pk alice"), "likes coffee")

	run(t, sh, out, "put users_pk bob hi")
	assert.Contains(t, run(t, sh, out, "scan users_pk"), "(2 rows)")
	assert.Contains(t, run(t, sh, out, "scan users_pk b"), "(1 rows)")

	run(t, sh, out, "delete users_pk alice")
	assert.Contains(t, run(t, sh, out, "get users_pk alice"), "(not found)")
	assert.ErrorIs(t, sh.Exec(ctx, strings.Fields("delete users_pk alice")), storageengine.ErrKeyNotFound)

	assert.Contains(t, run(t, sh, out, "vacuum users"), "vacuumed users")
}

func TestShellTransactionAbortDiscardsWrites(t *testing.T) {
	sh, out := newTestShell(t)
	run(t, sh, out, "put users_pk carol one")

	run(t, sh, out, "begin")
	require.NotNil(t, sh.txn)
	run(t, sh, out, "update users_pk carol two")
	run(t, sh, out, "put users_pk dave three")
	assert.Contains(t, run(t, sh, out, "get users_pk carol"), "two")
	assert.Contains(t, run(t, sh, out, "abort"), "aborted")
	assert.Nil(t, sh.txn)

	assert.Contains(t, run(t, sh, out, "get users_pk carol"), "one")
	assert.Contains(t, run(t, sh, out, "get users_pk dave"), "(not found)")
}

func TestShellCatalogAndAdminCommands(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	assert.Contains(t, run(t, sh, out, "tables"), "users")
	assert.Contains(t, run(t, sh, out, "indexes users"), "users_pk")
	assert.Contains(t, run(t, sh, out, "checkpoint"), "checkpoint at LSN")
	assert.Contains(t, run(t, sh, out, "stats"), "buffer pool")
	assert.Contains(t, run(t, sh, out, "help"), "create table <name>")

	assert.ErrorIs(t, sh.Exec(ctx, []string{"exit"}), ErrQuit)
	assert.Error(t, sh.Exec(ctx, []string{"commit"}))
	assert.Error(t, sh.Exec(ctx, []string{"frobnicate"}))
	assert.Error(t, sh.Exec(ctx, []string{"get", "users_pk"}))
}

func TestShellCloseAbortsOpenTransaction(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	run(t, sh, out, "begin")
	run(t, sh, out, "put users_pk erin pending")
	require.True(t, sh.InTxn())
	require.NoError(t, sh.Close(ctx))
	assert.False(t, sh.InTxn())
	assert.Contains(t, run(t, sh, out, "get users_pk erin"), "(not found)")
	assert.NoError(t, sh.Close(ctx))
}
