// Package server exposes the engine over a line-based wire protocol.
// Each connection authenticates with a signed session token, selects a
// mailbox, and issues one command per line:
//
//	<tag> LOGIN <token>
//	<tag> SELECT <mailbox>
//	<tag> STORE <uid-set> +FLAGS (\Flagged) [UNCHANGEDSINCE <modseq>]
//	<tag> COPY <uid-set> <mailbox>
//	...
//
// Responses are tagged (`<tag> OK|NO|BAD ...`); unsolicited state updates
// arrive as `* ...` lines. APPEND carries its message as a `{size}`
// literal following the command line.
package server

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"kestrel/internal/msgops"
	"kestrel/internal/notify"
	"kestrel/internal/session"
)

// Server accepts connections and serves the command loop.
type Server struct {
	engine   *msgops.Engine
	notifier *notify.Notifier
	resolver *session.Resolver

	// DefaultRetentionMS is applied to mailboxes created over the wire.
	DefaultRetentionMS int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
}

func New(engine *msgops.Engine, notifier *notify.Notifier, resolver *session.Resolver) *Server {
	return &Server{
		engine:   engine,
		notifier: notifier,
		resolver: resolver,
		conns:    make(map[*conn]struct{}),
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	log.Printf("listening on %s", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			// Transient accept errors back off briefly.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		c := newConn(s, nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go func() {
			defer s.dropConn(c)
			c.serve(ctx)
		}()
	}
}

// Shutdown closes the listener and every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.conns {
		c.close()
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
}
