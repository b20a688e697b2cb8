// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A ConnectionManager owns at most one server and a set of clients,
// at most one per ConnectionID. A ConnectionManager's zero value is
// ready to use; it must be started with StartServer and
// InitClientManager before the respective operations are available.
type ConnectionManager struct {
	mu            sync.Mutex
	server        *Server
	clientConf    *Config
	clientHandler ClientHandler
	clients       map[ConnectionID]*clientEntry
}

// clientEntry is a client that is being or has been dialed. Done is
// closed once the dial completes.
type clientEntry struct {
	done   chan struct{}
	client *Client
	err    error
}

func notInitialized(what string) error {
	return errors.E(errors.Precondition, fmt.Sprintf("transport: %s has not been initialized yet", what))
}

// StartServer starts the manager's server and returns its bound port.
func (m *ConnectionManager) StartServer(conf Config, handler MessageHandler) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return 0, errors.E(errors.Exists, "transport: server already started")
	}
	s, err := NewServer(conf, handler)
	if err != nil {
		return 0, err
	}
	m.server = s
	return s.Port(), nil
}

// Server returns the manager's server.
func (m *ConnectionManager) Server() (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil, notInitialized("server")
	}
	return m.server, nil
}

// InitClientManager prepares the manager to create clients with the
// provided configuration and handler.
func (m *ConnectionManager) InitClientManager(conf Config, handler ClientHandler) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clientConf != nil {
		return errors.E(errors.Exists, "transport: client manager already initialized")
	}
	m.clientConf = &conf
	m.clientHandler = handler
	m.clients = make(map[ConnectionID]*clientEntry)
	return nil
}

// GetOrCreateClient returns the active client for the provided
// identity, connecting to the peer if there is none. Concurrent calls
// for the same identity share a single connection attempt.
func (m *ConnectionManager) GetOrCreateClient(ctx context.Context, id ConnectionID) (*Client, error) {
	for {
		m.mu.Lock()
		if m.clientConf == nil {
			m.mu.Unlock()
			return nil, notInitialized("client manager")
		}
		e := m.clients[id]
		if e == nil {
			e = &clientEntry{done: make(chan struct{})}
			m.clients[id] = e
			conf, handler := *m.clientConf, m.clientHandler
			m.mu.Unlock()
			m.dial(ctx, id, e, conf, handler)
			return e.client, e.err
		}
		m.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err == nil && e.client.Active() {
			return e.client, nil
		}
		// The entry failed or went inactive; remove it if it is still
		// registered, and try again.
		m.mu.Lock()
		if m.clients != nil && m.clients[id] == e {
			delete(m.clients, id)
		}
		m.mu.Unlock()
		if e.err != nil {
			return nil, e.err
		}
	}
}

func (m *ConnectionManager) dial(ctx context.Context, id ConnectionID, e *clientEntry, conf Config, handler ClientHandler) {
	defer close(e.done)
	e.client, e.err = Dial(ctx, id, conf, handler)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.err != nil {
		if m.clients != nil && m.clients[id] == e {
			delete(m.clients, id)
		}
		return
	}
	switch {
	case m.clients == nil:
		e.client.Close()
		e.client, e.err = nil, notInitialized("client manager")
	case m.clients[id] != e:
		e.client.Close()
		e.client, e.err = nil, &Error{
			Remote: id.Addr(),
			Err:    errors.E(errors.Net, fmt.Sprintf("transport: client %s closed while connecting", id)),
		}
	}
}

// CloseClient closes the client for the provided identity, if any.
// A later GetOrCreateClient for the identity creates a new client.
func (m *ConnectionManager) CloseClient(id ConnectionID) {
	m.mu.Lock()
	e := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if e == nil {
		return
	}
	select {
	case <-e.done:
		if e.client != nil {
			e.client.Close()
		}
	default:
		// The dial completes without registering the client.
	}
}

// ShutdownClientManager closes all clients. Client operations fail
// until the client manager is initialized again.
func (m *ConnectionManager) ShutdownClientManager() {
	m.mu.Lock()
	clients := m.clients
	m.clients = nil
	m.clientConf = nil
	m.clientHandler = nil
	m.mu.Unlock()
	for id, e := range clients {
		select {
		case <-e.done:
			if e.client != nil {
				e.client.Close()
			}
		default:
		}
		log.Debug.Printf("transport: closed client %s", id)
	}
}

// ShutdownServer shuts down the manager's server.
func (m *ConnectionManager) ShutdownServer() {
	m.mu.Lock()
	s := m.server
	m.server = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Shutdown(); err != nil {
		log.Error.Printf("transport: shutdown server: %v", err)
	}
}

// Shutdown shuts down the manager's clients and server. Shutdown is
// idempotent.
func (m *ConnectionManager) Shutdown() {
	m.ShutdownClientManager()
	m.ShutdownServer()
}
