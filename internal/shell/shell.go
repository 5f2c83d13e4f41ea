// Package shell interprets the line-oriented command language shared by
// the operator CLI and the standalone server.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/catalog"
	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// ErrQuit is returned by Exec for exit and quit.
var ErrQuit = errors.New("quit")

// Shell is one command session against an open engine. It holds at most
// one explicit transaction; commands outside it autocommit. A Shell is not
// safe for concurrent use.
type Shell struct {
	e   *storageengine.Engine
	out io.Writer
	txn *storageengine.Txn
}

func New(e *storageengine.Engine, out io.Writer) *Shell {
	return &Shell{e: e, out: out}
}

// SetOutput redirects command output.
func (s *Shell) SetOutput(w io.Writer) { s.out = w }

// InTxn reports whether an explicit transaction is open.
func (s *Shell) InTxn() bool { return s.txn != nil }

// Close aborts the open transaction, if any.
func (s *Shell) Close(ctx context.Context) error {
	if s.txn == nil {
		return nil
	}
	txn := s.txn
	s.txn = nil
	return s.e.AbortTxn(ctx, txn)
}

// Usage lists the commands Exec understands.
const Usage = `Commands:
  create table <name>
  create index <table> <name> [unique]
  tables
  indexes [table]
  begin | commit | abort
  put <index> <key> <value>       insert a row and its index entry
  get <index> <key>
  update <index> <key> <value>
  delete <index> <key>
  scan <index> [start] [end]
  checkpoint
  vacuum <table>
  stats
  help
  exit | quit`

// Exec runs one command given as whitespace-split words.
func (s *Shell) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	need := func(n int, form string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", form)
		}
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "help":
		fmt.Fprintln(s.out, Usage)
	case "exit", "quit":
		return ErrQuit
	case "create":
		if err := need(3, "create table <name> | create index <table> <name> [unique]"); err != nil {
			return err
		}
		switch strings.ToLower(args[1]) {
		case "table":
			t, err := s.e.CreateTable(ctx, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "table %s created (id %d)\n", t.Name, t.ID)
		case "index":
			if err := need(4, "create index <table> <name> [unique]"); err != nil {
				return err
			}
			unique := len(args) > 4 && strings.EqualFold(args[4], "unique")
			ix, err := s.e.CreateIndex(ctx, args[2], args[3], unique)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "index %s created (id %d)\n", ix.Name, ix.ID)
		default:
			return fmt.Errorf("cannot create %q", args[1])
		}
	case "tables":
		tables, err := s.e.Tables(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHEAP")
		for _, t := range tables {
			fmt.Fprintf(w, "%d\t%s\t%d\n", t.ID, t.Name, t.Heap)
		}
		return w.Flush()
	case "indexes":
		var tableID uint32
		if len(args) > 1 {
			t, err := s.e.Table(ctx, args[1])
			if err != nil {
				return err
			}
			tableID = t.ID
		}
		indexes, err := s.e.Indexes(ctx, tableID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTABLE\tUNIQUE\tROOT")
		for _, ix := range indexes {
			fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%d\n", ix.ID, ix.Name, ix.TableID, ix.Unique, ix.Tree)
		}
		return w.Flush()
	case "begin":
		if s.txn != nil {
			return fmt.Errorf("transaction %d already open", s.txn.ID)
		}
		txn, err := s.e.BeginTxn(ctx)
		if err != nil {
			return err
		}
		s.txn = txn
		fmt.Fprintf(s.out, "transaction %d started\n", txn.ID)
	case "commit", "abort":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		txn := s.txn
		s.txn = nil
		if strings.EqualFold(args[0], "commit") {
			if err := s.e.CommitTxn(ctx, txn); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "transaction %d committed\n", txn.ID)
			return nil
		}
		if err := s.e.AbortTxn(ctx, txn); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "transaction %d aborted\n", txn.ID)
	case "put":
		if err := need(4, "put <index> <key> <value>"); err != nil {
			return err
		}
		return s.inTxn(ctx, func(txn *storageengine.Txn) error {
			ix, err := s.e.Index(ctx, args[1])
			if err != nil {
				return err
			}
			tid, err := s.e.InsertTuple(ctx, txn, ix.TableID, []byte(strings.Join(args[3:], " ")))
			if err != nil {
				return err
			}
			if err := s.e.Insert(ctx, txn, ix.ID, []byte(args[2]), tid); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "OK %s\n", tid)
			return nil
		})
	case "get":
		if err := need(3, "get <index> <key>"); err != nil {
			return err
		}
		return s.inTxn(ctx, func(txn *storageengine.Txn) error {
			ix, err := s.e.Index(ctx, args[1])
			if err != nil {
				return err
			}
			tid, ok, err := s.e.Get(ctx, txn, ix.ID, []byte(args[2]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(s.out, "(not found)")
				return nil
			}
			return s.printRow(ctx, txn, ix, []byte(args[2]), tid)
		})
	case "update":
		if err := need(4, "update <index> <key> <value>"); err != nil {
			return err
		}
		return s.inTxn(ctx, func(txn *storageengine.Txn) error {
			ix, tid, err := s.lookup(ctx, txn, args[1], args[2])
			if err != nil {
				return err
			}
			newTID, err := s.e.UpdateTuple(ctx, txn, ix.TableID, tid, []byte(strings.Join(args[3:], " ")))
			if err != nil {
				return err
			}
			if err := s.e.Delete(ctx, txn, ix.ID, []byte(args[2])); err != nil {
				return err
			}
			if err := s.e.Insert(ctx, txn, ix.ID, []byte(args[2]), newTID); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "OK %s\n", newTID)
			return nil
		})
	case "delete":
		if err := need(3, "delete <index> <key>"); err != nil {
			return err
		}
		return s.inTxn(ctx, func(txn *storageengine.Txn) error {
			ix, tid, err := s.lookup(ctx, txn, args[1], args[2])
			if err != nil {
				return err
			}
			if err := s.e.DeleteTuple(ctx, txn, ix.TableID, tid); err != nil {
				return err
			}
			if err := s.e.Delete(ctx, txn, ix.ID, []byte(args[2])); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "OK")
			return nil
		})
	case "scan":
		if err := need(2, "scan <index> [start] [end]"); err != nil {
			return err
		}
		ix, err := s.e.Index(ctx, args[1])
		if err != nil {
			return err
		}
		var rng storageengine.KeyRange
		if len(args) > 2 {
			rng.Start = []byte(args[2])
		}
		if len(args) > 3 {
			rng.End = []byte(args[3])
		}
		return s.inTxn(ctx, func(txn *storageengine.Txn) error {
			return s.scan(ctx, txn, ix, rng)
		})
	case "checkpoint":
		st, err := s.e.Checkpoint(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "checkpoint at LSN %d: redo from %d, %d pages flushed, %d log segments removed in %s\n",
			st.LSN, st.RedoLSN, st.PagesFlushed, st.SegmentsRemoved, st.Duration)
	case "vacuum":
		if err := need(2, "vacuum <table>"); err != nil {
			return err
		}
		t, err := s.e.Table(ctx, args[1])
		if err != nil {
			return err
		}
		st, err := s.e.Vacuum(ctx, t.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "vacuumed %s: %d versions, %d index entries, %d bytes reclaimed\n",
			t.Name, st.Heap.VersionsKilled, st.IndexEntries, st.Heap.BytesReclaimed)
	case "stats":
		s.printStats()
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

// inTxn runs fn in the open transaction, or in one of its own that
// commits when fn succeeds.
func (s *Shell) inTxn(ctx context.Context, fn func(*storageengine.Txn) error) error {
	if s.txn != nil {
		err := fn(s.txn)
		if s.txn.State() != transaction.TxnStateRunning {
			fmt.Fprintf(s.out, "transaction %d was aborted\n", s.txn.ID)
			s.txn = nil
		}
		return err
	}
	txn, err := s.e.BeginTxn(ctx)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if txn.State() == transaction.TxnStateRunning {
			return errors.Join(err, s.e.AbortTxn(ctx, txn))
		}
		return err
	}
	return s.e.CommitTxn(ctx, txn)
}

func (s *Shell) lookup(ctx context.Context, txn *storageengine.Txn, index, key string) (catalog.IndexInfo, pagemanager.TID, error) {
	ix, err := s.e.Index(ctx, index)
	if err != nil {
		return ix, pagemanager.TID{}, err
	}
	tid, ok, err := s.e.Get(ctx, txn, ix.ID, []byte(key))
	if err != nil {
		return ix, tid, err
	}
	if !ok {
		return ix, tid, fmt.Errorf("%w: %q", storageengine.ErrKeyNotFound, key)
	}
	return ix, tid, nil
}

func (s *Shell) printRow(ctx context.Context, txn *storageengine.Txn, ix catalog.IndexInfo, key []byte, tid pagemanager.TID) error {
	payload, ok, err := s.e.ReadTuple(ctx, txn, ix.TableID, tid)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(s.out, "%s\t%s\t(no visible row)\n", key, tid)
		return nil
	}
	fmt.Fprintf(s.out, "%s\t%s\t%s\n", key, tid, payload)
	return nil
}

// scan prints the rows of rng as txn sees them.
func (s *Shell) scan(ctx context.Context, txn *storageengine.Txn, ix catalog.IndexInfo, rng storageengine.KeyRange) error {
	c, err := s.e.OpenCursor(ctx, txn, ix.ID, rng)
	if err != nil {
		return err
	}
	n := 0
	for c.Next(ctx) {
		if err := s.printRow(ctx, txn, ix, c.Key(), c.TID()); err != nil {
			c.Close()
			return err
		}
		n++
	}
	if err := c.Err(); err != nil {
		c.Close()
		return err
	}
	fmt.Fprintf(s.out, "(%d rows)\n", n)
	return c.Close()
}

func (s *Shell) printStats() {
	st := s.e.Stats()
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "pages\t%d (%d free)\n", st.Pages, st.FreePages)
	fmt.Fprintf(w, "buffer pool\t%d/%d resident, %d dirty, %d pinned, %d hits, %d misses, %d evictions\n",
		st.BufferPool.Resident, st.BufferPool.Frames, st.BufferPool.Dirty, st.BufferPool.Pinned,
		st.BufferPool.Hits, st.BufferPool.Misses, st.BufferPool.Evictions)
	fmt.Fprintf(w, "wal\tnext LSN %d, flushed LSN %d, %d segments, %d bytes retained, %d syncs\n",
		st.WAL.NextLSN, st.WAL.FlushedLSN, st.WAL.Segments, st.WAL.RetainedSize, st.WAL.Syncs)
	fmt.Fprintf(w, "transactions\t%d active, %d committed, %d aborted, %d conflicts, %d deadlocks\n",
		st.Txns.Active, st.Txns.Committed, st.Txns.Aborted, st.Txns.Conflicts, st.Txns.Deadlocks)
	fmt.Fprintf(w, "recovery\t%s, %d checkpoints, last at LSN %d\n",
		st.Recovery.State, st.Recovery.Checkpoints, st.Recovery.LastCheckpoint.LSN)
	if st.Halted != nil {
		fmt.Fprintf(w, "halted\t%v\n", st.Halted)
	}
	_ = w.Flush()
}
