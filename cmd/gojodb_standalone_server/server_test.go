package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/zap/zaptest"
)

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// do sends one command and returns its output and status line.
func (c *client) do(cmd string) (string, string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err := fmt.Fprintln(c.conn, cmd)
	require.NoError(c.t, err)
	var out strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err, cmd)
		line = strings.TrimRight(line, "\n")
		if line == "OK" || strings.HasPrefix(line, "ERROR ") {
			return out.String(), line
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
}

func startServer(t *testing.T) (string, context.CancelFunc, chan error) {
	t.Helper()
	cfg := storageengine.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PageSize = 1024
	cfg.BufferPoolFrames = 64
	cfg.WALSegmentSize = 64 << 10
	cfg.CheckpointInterval = 0
	cfg.FsyncMode = "sync"
	logger := zaptest.NewLogger(t)
	e, err := storageengine.Open(context.Background(), cfg,
		storageengine.WithLogger(logger),
		storageengine.WithTelemetry(telemetry.Noop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newServer(e, logger).serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), cancel, done
}

func TestServerSessionsAreIsolated(t *testing.T) {
	addr, _, _ := startServer(t)
	a := dial(t, addr)
	b := dial(t, addr)

	_, status := a.do("create table kv")
	require.Equal(t, "OK", status)
	_, status = a.do("create index kv kv_pk unique")
	require.Equal(t, "OK", status)

	_, status = a.do("begin")
	require.Equal(t, "OK", status)
	_, status = a.do("put kv_pk k1 hello world")
	require.Equal(t, "OK", status)

	out, status := b.do("get kv_pk k1")
	assert.Equal(t, "OK", status)
	assert.Contains(t, out, "(not found)")

	_, status = a.do("commit")
	require.Equal(t, "OK", status)
	out, status = b.do("get kv_pk k1")
	assert.Equal(t, "OK", status)
	assert.Contains(t, out, "hello world")

	_, status = b.do("frobnicate")
	assert.True(t, strings.HasPrefix(status, "ERROR unknown command"), status)
}

func TestServerAbortsTransactionOfDisconnectedClient(t *testing.T) {
	addr, _, _ := startServer(t)
	a := dial(t, addr)
	_, status := a.do("create table kv")
	require.Equal(t, "OK", status)
	_, status = a.do("create index kv kv_pk unique")
	require.Equal(t, "OK", status)
	_, status = a.do("begin")
	require.Equal(t, "OK", status)
	_, status = a.do("put kv_pk k1 orphan")
	require.Equal(t, "OK", status)
	_, status = a.do("quit")
	require.Equal(t, "OK", status)

	// The put waits on the key lock until the orphaned transaction is
	// aborted, then finds no live entry for k1.
	b := dial(t, addr)
	_, status = b.do("put kv_pk k1 claimed")
	require.Equal(t, "OK", status)
	out, _ := b.do("get kv_pk k1")
	assert.Contains(t, out, "claimed")
}

func TestServerStopsOnCancel(t *testing.T) {
	addr, cancel, done := startServer(t)
	c := dial(t, addr)
	_, status := c.do("stats")
	require.Equal(t, "OK", status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
		done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}
