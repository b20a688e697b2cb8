// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/metrics"
)

const keepAlivePeriod = 30 * time.Second

// A Client is the sending end of a connection to a server. Clients
// are safe for concurrent use; sessions are serialized by the caller.
type Client struct {
	id      ConnectionID
	ch      *channel
	session *ClientSession

	// sendMu orders request ID assignment with enqueueing, so that
	// requests are written in increasing ID order.
	sendMu sync.Mutex
}

// Dial connects to the server identified by id. Failed connection
// attempts are retried with backoff up to conf.ConnectRetries times.
func Dial(ctx context.Context, id ConnectionID, conf Config, handler ClientHandler) (*Client, error) {
	dialer := net.Dialer{Timeout: conf.ConnectTimeout, KeepAlive: -1}
	if conf.TCPKeepAlive {
		dialer.KeepAlive = keepAlivePeriod
	}
	policy := retry.Backoff(100*time.Millisecond, conf.ConnectTimeout, 2)
	var (
		conn net.Conn
		err  error
	)
	for try := 0; ; try++ {
		conn, err = dialer.DialContext(ctx, "tcp", id.Addr())
		if err == nil {
			break
		}
		if try >= conf.ConnectRetries || ctx.Err() != nil {
			return nil, &Error{
				Remote: id.Addr(),
				Err:    errors.E(errors.Net, fmt.Sprintf("connect %s failed after %d attempts", id, try+1), err),
			}
		}
		metrics.DialRetries.Inc()
		log.Printf("transport: connect %s: %v; retrying", id, err)
		if err := retry.Wait(ctx, policy, try); err != nil {
			return nil, err
		}
	}
	configure(conn, conf)
	c := &Client{id: id, session: newClientSession()}
	c.ch = newChannel(id, conn, conf, handler)
	c.ch.receive = c.session.resolve
	c.ch.onClose = c.session.close
	c.ch.start()
	return c, nil
}

// ConnectionID returns the client's identity.
func (c *Client) ConnectionID() ConnectionID { return c.id }

// RemoteAddress returns the address of the server.
func (c *Client) RemoteAddress() string { return c.ch.remote }

// Active tells whether the client's connection is active.
func (c *Client) Active() bool { return c.ch.active() }

// Writable tells whether messages may be sent without exceeding the
// connection's high watermark.
func (c *Client) Writable() bool { return c.ch.writable() }

// AwaitWritable blocks until the client is writable.
func (c *Client) AwaitWritable(ctx context.Context) error {
	return c.ch.awaitWritable(ctx)
}

// MaxBodySize returns the largest message body the client may send.
func (c *Client) MaxBodySize() int {
	return c.ch.conf.MaxFrameSize - frameHeaderSize
}

// Session returns the client's session state.
func (c *Client) Session() *ClientSession { return c.session }

// Send queues a request without waiting for the connection to become
// writable or for the request to be acknowledged. Send assigns and
// returns the request's ID.
func (c *Client) Send(m Message) (uint32, error) {
	if m.Type.response() || !m.Type.Valid() {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("transport: clients cannot send %v messages", m.Type))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	m.RequestID = c.session.register()
	if err := c.ch.send(m); err != nil {
		c.session.forget(m.RequestID)
		return 0, err
	}
	return m.RequestID, nil
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, m Message) error {
	id, err := c.Send(m)
	if err != nil {
		return err
	}
	return c.session.await(ctx, id)
}

// StartSession opens a session with the server.
func (c *Client) StartSession(ctx context.Context) error {
	if err := c.session.begin(); err != nil {
		return err
	}
	if err := c.call(ctx, Message{Type: Start}); err != nil {
		c.session.end()
		return err
	}
	return nil
}

// SendData sends encoded entries of the provided kind destined for
// the provided partition. SendData waits for the connection to be
// writable, but does not wait for the data to be acknowledged.
func (c *Client) SendData(ctx context.Context, partition int, kind hgkv.Kind, body []byte) error {
	if err := c.session.check(); err != nil {
		return err
	}
	if err := c.AwaitWritable(ctx); err != nil {
		return err
	}
	_, err := c.Send(Message{Type: Data, Kind: kind, Partition: uint32(partition), Body: body})
	return err
}

// FinishSession waits for all outstanding requests of the session to
// be acknowledged and then closes the session. FinishSession returns
// the first failure reported by the server for the session.
func (c *Client) FinishSession(ctx context.Context) error {
	err := c.session.drain(ctx)
	if err == nil {
		err = c.call(ctx, Message{Type: Finish})
	}
	if e := c.session.end(); err == nil {
		err = e
	}
	return err
}

// Ping sends a ping and waits for the server's answer.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, Message{Type: Ping})
}

// Close closes the client's connection. Outstanding requests fail.
func (c *Client) Close() error {
	c.ch.close()
	return nil
}

// A ClientSession tracks the requests of a client connection. Request
// IDs increase monotonically over the lifetime of the connection.
type ClientSession struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	nextID  uint32
	pending map[uint32]bool
	failed  map[uint32]error
	started bool
	// err is the first request failure of the current session.
	err error
	// closed is set when the connection closes.
	closed error
}

func newClientSession() *ClientSession {
	s := &ClientSession{
		pending: make(map[uint32]bool),
		failed:  make(map[uint32]error),
	}
	s.cond = ctxsync.NewCond(&s.mu)
	return s
}

// Pending returns the number of unacknowledged requests.
func (s *ClientSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Started tells whether a session is open.
func (s *ClientSession) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *ClientSession) register() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.pending[s.nextID] = true
	return s.nextID
}

func (s *ClientSession) forget(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	delete(s.failed, id)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *ClientSession) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != nil {
		return s.closed
	}
	if s.started {
		return errors.E(errors.Invalid, "transport: session already started")
	}
	s.started = true
	s.err = nil
	return nil
}

func (s *ClientSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed != nil:
		return s.closed
	case !s.started:
		return errors.E(errors.Invalid, "transport: session not started")
	}
	return s.err
}

func (s *ClientSession) end() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	for id := range s.failed {
		delete(s.failed, id)
	}
	return s.err
}

// resolve handles a response from the server.
func (s *ClientSession) resolve(m Message) error {
	if !m.Type.response() {
		return errors.E(errors.Integrity, fmt.Sprintf("transport: unexpected %v message from server", m.Type))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending[m.RequestID] {
		return errors.E(errors.Integrity, fmt.Sprintf("transport: response %v for unknown request", m))
	}
	delete(s.pending, m.RequestID)
	if m.Type == Fail {
		err := errors.E(errors.Remote, fmt.Sprintf("transport: request %d failed: %s", m.RequestID, m.Body))
		s.failed[m.RequestID] = err
		if s.err == nil {
			s.err = err
		}
	}
	s.cond.Broadcast()
	return nil
}

// close fails all outstanding and future requests.
func (s *ClientSession) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.E(errors.Net, "transport: connection closed")
	}
	s.closed = err
	for id := range s.pending {
		s.failed[id] = err
		delete(s.pending, id)
	}
	s.cond.Broadcast()
}

// await waits for the provided request to be resolved.
func (s *ClientSession) await(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending[id] {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	err := s.failed[id]
	delete(s.failed, id)
	return err
}

// drain waits for all outstanding requests to be resolved.
func (s *ClientSession) drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if s.closed != nil {
		return s.closed
	}
	return s.err
}
