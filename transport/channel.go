// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigshuffle/metrics"
)

// channelState is the state of a connection.
type channelState int

const (
	stateDisconnected channelState = iota
	stateConnecting
	stateActive
	stateInactive
	stateFailed
	stateClosed
)

var stateNames = [...]string{
	stateDisconnected: "DISCONNECTED",
	stateConnecting:   "CONNECTING",
	stateActive:       "ACTIVE",
	stateInactive:     "INACTIVE",
	stateFailed:       "FAILED",
	stateClosed:       "CLOSED",
}

func (s channelState) String() string { return stateNames[s] }

// A channel drives a single connection. Inbound frames are read by a
// reader goroutine and passed to receive; outbound messages are
// queued by send and written by a writer goroutine.
type channel struct {
	id      ConnectionID
	remote  string
	conn    net.Conn
	conf    Config
	handler TransportHandler

	// receive is called on the reader goroutine for each inbound
	// message. An error is treated as a protocol violation.
	receive func(Message) error
	// onClose, if set, is called once after the channel closes.
	onClose func(err error)

	mu         sync.Mutex
	cond       *ctxsync.Cond
	state      channelState
	queue      []Message
	queued     int
	unwritable bool
	err        *Error

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newChannel(id ConnectionID, conn net.Conn, conf Config, handler TransportHandler) *channel {
	c := &channel{
		id:      id,
		remote:  conn.RemoteAddr().String(),
		conn:    conn,
		conf:    conf,
		handler: handler,
		state:   stateConnecting,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// configure applies the configured socket options to conn.
func configure(conn net.Conn, conf Config) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		log.Debug.Printf("transport: set nodelay: %v", err)
	}
	if err := tcp.SetKeepAlive(conf.TCPKeepAlive); err != nil {
		log.Debug.Printf("transport: set keepalive: %v", err)
	}
	if conf.ReceiveBuffer > 0 {
		if err := tcp.SetReadBuffer(conf.ReceiveBuffer); err != nil {
			log.Debug.Printf("transport: set receive buffer: %v", err)
		}
	}
	if conf.SendBuffer > 0 {
		if err := tcp.SetWriteBuffer(conf.SendBuffer); err != nil {
			log.Debug.Printf("transport: set send buffer: %v", err)
		}
	}
}

// start activates the channel and starts its goroutines.
func (c *channel) start() {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateActive
	c.mu.Unlock()
	metrics.ActiveChannels.Inc()
	c.handler.ChannelActive(c.id)
	c.wg.Add(2)
	go c.read()
	go c.write()
}

func (c *channel) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}

func (c *channel) writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive && !c.unwritable
}

// closedErrorLocked returns the error reported to users of a channel
// that is no longer active. c.mu must be held.
func (c *channel) closedErrorLocked() error {
	if c.err != nil {
		return c.err
	}
	return &Error{Remote: c.remote, Err: errors.E(errors.Net, "connection "+c.state.String())}
}

// send queues a message for writing. Send never blocks.
func (c *channel) send(m Message) error {
	c.mu.Lock()
	if c.state != stateActive {
		err := c.closedErrorLocked()
		c.mu.Unlock()
		return err
	}
	c.queue = append(c.queue, m)
	c.queued += m.frameSize()
	if !c.unwritable && c.queued > c.conf.WriteBufferHighMark {
		c.unwritable = true
		metrics.Unwritable.Inc()
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// awaitWritable blocks until the channel is writable, the channel
// closes, or the context is done.
func (c *channel) awaitWritable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == stateActive && c.unwritable {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if c.state != stateActive {
		return c.closedErrorLocked()
	}
	return nil
}

func (c *channel) read() {
	defer c.wg.Done()
	r := bufio.NewReader(c.conn)
	for {
		m, err := readFrame(r, c.conf.MaxFrameSize)
		if err == io.EOF {
			c.shutdown(nil)
			return
		}
		if err != nil {
			c.shutdown(err)
			return
		}
		metrics.FramesReceived.WithLabelValues(m.Type.String()).Inc()
		metrics.BytesReceived.Add(float64(m.frameSize()))
		if err := c.receive(m); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *channel) write() {
	defer c.wg.Done()
	w := bufio.NewWriter(c.conn)
	for {
		c.mu.Lock()
		msgs := c.queue
		c.queue = nil
		c.mu.Unlock()
		if len(msgs) == 0 {
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		var n int
		for _, m := range msgs {
			if err := writeFrame(w, m); err != nil {
				c.shutdown(err)
				return
			}
			n += m.frameSize()
			metrics.FramesSent.WithLabelValues(m.Type.String()).Inc()
		}
		if err := w.Flush(); err != nil {
			c.shutdown(err)
			return
		}
		metrics.BytesSent.Add(float64(n))
		c.drained(n)
	}
}

// drained accounts for n written bytes, and notifies waiters and
// the handler if the channel became writable.
func (c *channel) drained(n int) {
	c.mu.Lock()
	c.queued -= n
	notify := c.unwritable && c.queued <= c.conf.WriteBufferLowMark
	if notify {
		c.unwritable = false
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if notify {
		if h, ok := c.handler.(ClientHandler); ok {
			h.SendAvailable(c.id)
		}
	}
}

// shutdown closes the channel. A nil error is an orderly close; a
// non-nil error is a fault, which is delivered to the handler before
// the channel becomes inactive. Only the first call has an effect.
func (c *channel) shutdown(err error) {
	c.mu.Lock()
	if c.state >= stateInactive {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == stateActive
	if err != nil {
		c.state = stateFailed
		c.err = newError(c.remote, err)
	} else {
		c.state = stateInactive
	}
	c.queue = nil
	c.queued = 0
	c.cond.Broadcast()
	c.mu.Unlock()

	close(c.done)
	if cerr := c.conn.Close(); cerr != nil {
		log.Debug.Printf("transport: close %s: %v", c.remote, cerr)
	}
	if err != nil {
		metrics.ChannelFaults.Inc()
		c.handler.ExceptionCaught(c.err, c.id)
	}
	if wasActive {
		metrics.ActiveChannels.Dec()
		c.handler.ChannelInactive(c.id)
	}
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	if c.onClose != nil {
		if err != nil {
			c.onClose(c.err)
		} else {
			c.onClose(nil)
		}
	}
}

// close closes the channel. It is safe to call from handler
// callbacks.
func (c *channel) close() {
	c.shutdown(nil)
}

// wait waits for the channel's goroutines to exit.
func (c *channel) wait() {
	c.wg.Wait()
}
