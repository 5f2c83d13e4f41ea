package storageengine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/zap"
)

func openBenchEngine(b *testing.B) (*Engine, uint32, uint32) {
	b.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = b.TempDir()
	cfg.CheckpointInterval = 0
	e, err := Open(context.Background(), cfg, WithLogger(zap.NewNop()), WithTelemetry(telemetry.Noop()))
	require.NoError(b, err)
	b.Cleanup(func() { _ = e.Close(context.Background()) })
	ctx := context.Background()
	tbl, err := e.CreateTable(ctx, "bench")
	require.NoError(b, err)
	ix, err := e.CreateIndex(ctx, "bench", "bench_pk", true)
	require.NoError(b, err)
	return e, tbl.ID, ix.ID
}

func benchPut(ctx context.Context, e *Engine, table, index uint32, i int) error {
	txn, err := e.BeginTxn(ctx)
	if err != nil {
		return err
	}
	tid, err := e.InsertTuple(ctx, txn, table, []byte("value-payload"))
	if err == nil {
		err = e.Insert(ctx, txn, index, keyOf(i), tid)
	}
	if err != nil {
		_ = e.AbortTxn(ctx, txn)
		return err
	}
	return e.CommitTxn(ctx, txn)
}

// Concurrent committers share log flushes through group commit.
func BenchmarkConcurrentInsert(b *testing.B) {
	e, table, index := openBenchEngine(b)
	ctx := context.Background()
	var next atomic.Int64
	b.SetParallelism(4)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := benchPut(ctx, e, table, index, int(next.Add(1))); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkConcurrentGet(b *testing.B) {
	e, table, index := openBenchEngine(b)
	ctx := context.Background()
	const rows = 10000
	for i := 0; i < rows; i++ {
		require.NoError(b, benchPut(ctx, e, table, index, i))
	}
	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := int(next.Add(1) % rows)
			if _, ok, err := e.Get(ctx, nil, index, keyOf(i)); err != nil || !ok {
				b.Errorf("get %d: ok=%v err=%v", i, ok, err)
				return
			}
		}
	})
}
