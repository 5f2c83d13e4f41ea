package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/internal/shell"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxLineSize = 1 << 20

// server speaks the shell command language over TCP. Every connection is
// its own session: a transaction begun on one connection is invisible to
// the others until it commits, and is aborted when the client goes away.
//
// Each command gets its output followed by a status line, "OK" or
// "ERROR <message>".
type server struct {
	e      *storageengine.Engine
	logger *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newServer(e *storageengine.Engine, logger *zap.Logger) *server {
	return &server{e: e, logger: logger, conns: make(map[net.Conn]struct{})}
}

// serve accepts connections until ctx is cancelled, then closes every
// open connection and waits for its session to end.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return nil
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			cancel()
			_ = g.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if gctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		g.Go(func() error {
			s.handleConnection(gctx, conn)
			return nil
		})
	}
}

func (s *server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", remote))
	logger.Info("client connected")

	var out bytes.Buffer
	sh := shell.New(s.e, &out)
	defer func() {
		// The request context may be gone; the abort must still run.
		if err := sh.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to abort open transaction", zap.Error(err))
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		logger.Info("client disconnected")
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		logger.Debug("command received", zap.String("command", line))

		out.Reset()
		err := sh.Exec(ctx, strings.Fields(line))
		w.Write(out.Bytes())
		quit := errors.Is(err, shell.ErrQuit)
		switch {
		case err == nil || quit:
			w.WriteString("OK\n")
		default:
			fmt.Fprintf(w, "ERROR %s\n", strings.ReplaceAll(err.Error(), "\n", " "))
		}
		if err := w.Flush(); err != nil {
			logger.Warn("failed to write response", zap.Error(err))
			return
		}
		if quit {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("failed to read from client", zap.Error(err))
	}
}
