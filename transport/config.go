// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
)

// IOMode selects the I/O model used by connections. All modes are
// served by the Go runtime's network poller; EPOLL is accepted only
// on Linux.
type IOMode string

const (
	IOModeAuto  IOMode = "AUTO"
	IOModeNIO   IOMode = "NIO"
	IOModeEpoll IOMode = "EPOLL"
)

// Config configures a server and its clients.
type Config struct {
	// ServerHost is the address on which the server listens.
	ServerHost string
	// ServerPort is the port on which the server listens. If zero, an
	// ephemeral port is chosen.
	ServerPort int
	IOMode     IOMode

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
	// ConnectRetries is the number of times a failed connection
	// attempt is retried.
	ConnectRetries int
	// CloseTimeout bounds the time the server waits for its
	// connections to wind down on shutdown.
	CloseTimeout time.Duration

	// WriteBufferHighMark is the number of queued outbound bytes above
	// which a connection becomes unwritable. WriteBufferLowMark is the
	// number of queued bytes at or below which it becomes writable
	// again.
	WriteBufferHighMark int
	WriteBufferLowMark  int

	// MaxFrameSize is the largest frame accepted from a peer.
	MaxFrameSize int

	// ReceiveBuffer and SendBuffer size the socket buffers. Zero
	// leaves the operating system defaults.
	ReceiveBuffer int
	SendBuffer    int
	TCPKeepAlive  bool

	// DispatchQueue is the number of inbound messages buffered per
	// connection ahead of the server's handler.
	DispatchQueue int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ServerHost:          "127.0.0.1",
		IOMode:              IOModeAuto,
		ConnectTimeout:      3 * time.Second,
		ConnectRetries:      3,
		CloseTimeout:        10 * time.Second,
		WriteBufferHighMark: 64 << 20,
		WriteBufferLowMark:  32 << 20,
		MaxFrameSize:        16 << 20,
		TCPKeepAlive:        true,
		DispatchQueue:       128,
	}
}

// Validate returns an errors.Invalid error if the configuration is
// not usable.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, "transport config: "+fmt.Sprintf(format, args...))
	}
	switch c.IOMode {
	case IOModeAuto, IOModeNIO:
	case IOModeEpoll:
		if runtime.GOOS != "linux" {
			return invalid("io mode %s is not supported on %s", c.IOMode, runtime.GOOS)
		}
	default:
		return invalid("unknown io mode %q", c.IOMode)
	}
	switch {
	case c.ServerPort < 0 || c.ServerPort > 65535:
		return invalid("invalid server port %d", c.ServerPort)
	case c.ConnectTimeout <= 0:
		return invalid("connect timeout must be positive")
	case c.ConnectRetries < 0:
		return invalid("negative connect retries")
	case c.WriteBufferLowMark < 0 || c.WriteBufferHighMark <= c.WriteBufferLowMark:
		return invalid("write buffer marks (low %d, high %d) must satisfy 0 <= low < high",
			c.WriteBufferLowMark, c.WriteBufferHighMark)
	case c.MaxFrameSize < frameHeaderSize:
		return invalid("max frame size %d too small", c.MaxFrameSize)
	case c.ReceiveBuffer < 0 || c.SendBuffer < 0:
		return invalid("negative socket buffer size")
	case c.DispatchQueue <= 0:
		return invalid("dispatch queue must be positive")
	}
	return nil
}
