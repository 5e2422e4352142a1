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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
)

func TestServerServe(t *testing.T) {
	targets := make(chan net.Conn, 1)
	app := &AppContext{
		Config: testConfig(t),
		Logger: logger.Discard(),
		Dial: func(context.Context, string) (net.Conn, error) {
			relaySide, remote, err := tcpPair()
			if err != nil {
				return nil, err
			}
			targets <- remote
			return relaySide, nil
		},
	}
	srv := NewServer(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var target net.Conn
	select {
	case target = <-targets:
		defer target.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not dial the target")
	}
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 5*time.Second, time.Millisecond)
	id := srv.Sessions()[0]
	session, ok := srv.Session(id)
	require.True(t, ok)
	assert.Equal(t, id, session.ID)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, srv.Sessions())
	assertClosed(t, client)
	assertClosed(t, target)

	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err, "listener is closed")
}

func TestServerListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	addr := ln.Addr().(*net.TCPAddr)
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port = addr.Port

	err = NewServer(&AppContext{Config: cfg, Logger: logger.Discard()}).ListenAndServe(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}
