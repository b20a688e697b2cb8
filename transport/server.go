// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A Server accepts connections from clients and dispatches their
// requests to a MessageHandler.
type Server struct {
	conf    Config
	handler MessageHandler
	ln      net.Listener

	mu       sync.Mutex
	channels map[*channel]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewServer binds a server to the configured host and port and
// starts accepting connections.
func NewServer(conf Config, handler MessageHandler) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(conf.ServerHost, strconv.Itoa(conf.ServerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("transport: listen %s", addr), err)
	}
	s := &Server{
		conf:     conf,
		handler:  handler,
		ln:       ln,
		channels: make(map[*channel]bool),
	}
	log.Printf("transport: server listening on %s (io mode %s)", ln.Addr(), conf.IOMode)
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the server's bound port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Bound tells whether the server is accepting connections.
func (s *Server) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Error.Printf("transport: accept: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Error.Printf("transport: accept: %v; server stopped", err)
			return
		}
		s.accept(conn)
	}
}

func (s *Server) accept(conn net.Conn) {
	configure(conn, s.conf)
	id := ConnectionID{addr: conn.RemoteAddr().String()}
	ch := newChannel(id, conn, s.conf, s.handler)
	sess := newServerSession(ch, s.handler, s.conf.DispatchQueue)
	ch.receive = sess.receive
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.channels[ch] = true
	s.mu.Unlock()
	ch.onClose = func(error) {
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	}
	ch.start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.dispatch()
	}()
}

// Shutdown stops accepting connections and closes all open
// connections. Shutdown waits up to the configured close timeout for
// connection goroutines to exit. Shutdown is idempotent.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	err := s.ln.Close()
	for _, ch := range channels {
		ch.close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		for _, ch := range channels {
			ch.wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.conf.CloseTimeout):
		log.Error.Printf("transport: server %s: connections did not close within %s", s.Addr(), s.conf.CloseTimeout)
	}
	return err
}

// sessionState is the state of a server session.
type sessionState int

const (
	sessionReady sessionState = iota
	sessionStarted
	sessionFinished
)

// A ServerSession is the server side of a connection's protocol
// state. Requests are dispatched to the handler in order on a
// dedicated goroutine; the reader blocks when the dispatch queue is
// full, which in turn applies TCP backpressure to the client.
type ServerSession struct {
	ch      *channel
	handler MessageHandler
	queue   chan Message

	// Accessed only by the dispatch goroutine.
	state  sessionState
	lastID uint32
}

func newServerSession(ch *channel, handler MessageHandler, n int) *ServerSession {
	return &ServerSession{ch: ch, handler: handler, queue: make(chan Message, n)}
}

// receive is called on the reader goroutine.
func (s *ServerSession) receive(m Message) error {
	if m.Type.response() {
		return errors.E(errors.Integrity, fmt.Sprintf("transport: unexpected %v message from client", m.Type))
	}
	select {
	case s.queue <- m:
	case <-s.ch.done:
	}
	return nil
}

func (s *ServerSession) dispatch() {
	for {
		select {
		case m := <-s.queue:
			s.handle(m)
		case <-s.ch.done:
			return
		}
	}
}

func (s *ServerSession) handle(m Message) {
	if m.RequestID <= s.lastID {
		s.fail(m, fmt.Sprintf("request id %d not greater than %d", m.RequestID, s.lastID))
		return
	}
	s.lastID = m.RequestID
	switch m.Type {
	case Ping:
		s.reply(Message{Type: Pong, RequestID: m.RequestID})
		return
	case Start:
		if s.state == sessionStarted {
			s.fail(m, "session already started")
			return
		}
	case Data, Finish:
		if s.state != sessionStarted {
			s.fail(m, fmt.Sprintf("%v before START", m.Type))
			return
		}
	}
	if err := s.handler.Handle(s.ch.id, m); err != nil {
		log.Error.Printf("transport: %s: %v: %v", s.ch.id, m, err)
		s.fail(m, err.Error())
		return
	}
	switch m.Type {
	case Start:
		s.state = sessionStarted
	case Finish:
		s.state = sessionFinished
	}
	s.reply(Message{Type: Ack, RequestID: m.RequestID})
}

func (s *ServerSession) fail(m Message, reason string) {
	s.reply(Message{Type: Fail, RequestID: m.RequestID, Body: []byte(reason)})
}

func (s *ServerSession) reply(m Message) {
	if err := s.ch.send(m); err != nil {
		log.Debug.Printf("transport: %s: reply %v: %v", s.ch.id, m, err)
	}
}
