// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package mitm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
)

// Server accepts client connections and runs one Session per connection.
type Server struct {
	app *AppContext

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(app *AppContext) *Server {
	return &Server{app: app, sessions: make(map[string]*Session)}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled. Failing to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.app.Config.Listen.String()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.app.Logger.Info("Listening", logger.Target(s.app.Config.Target.Address()), "listen", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then waits for the running
// sessions to finish. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}

		session := NewSession(s.app, conn)
		s.track(session)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(session)
			if err := session.Run(ctx); err != nil {
				session.log.Debug("Session returned", logger.Err(err))
			}
		}()
	}

	cancel()
	wg.Wait()
	s.app.Logger.Info("Server stopped")
	return err
}

func (s *Server) track(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.ID)
}

// Session returns the running session with the given id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Sessions returns the ids of the running sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
