// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import "github.com/grailbio/base/log"

// A TransportHandler receives connection lifecycle events. Handler
// methods are called from connection goroutines and should not
// block.
type TransportHandler interface {
	// ChannelActive is called once when a connection becomes active.
	ChannelActive(id ConnectionID)
	// ChannelInactive is called once when an active connection
	// closes, whether orderly or because of a fault.
	ChannelInactive(id ConnectionID)
	// ExceptionCaught is called when a fault closes the connection,
	// before ChannelInactive.
	ExceptionCaught(err *Error, id ConnectionID)
}

// A ClientHandler is the handler of client connections.
type ClientHandler interface {
	TransportHandler
	// SendAvailable is called when an unwritable connection has
	// drained to its low watermark.
	SendAvailable(id ConnectionID)
}

// A MessageHandler is the handler of server connections.
type MessageHandler interface {
	TransportHandler
	// Handle handles a request received from a client. Requests from
	// one connection are handled in order, one at a time. A nil
	// return acknowledges the request; an error fails it.
	Handle(id ConnectionID, m Message) error
}

// LogHandler is a ClientHandler that logs connection events. It may
// be embedded to provide default implementations of handler methods.
type LogHandler struct{}

// ChannelActive implements TransportHandler.
func (LogHandler) ChannelActive(id ConnectionID) {
	log.Debug.Printf("transport: connection %s active", id)
}

// ChannelInactive implements TransportHandler.
func (LogHandler) ChannelInactive(id ConnectionID) {
	log.Debug.Printf("transport: connection %s inactive", id)
}

// ExceptionCaught implements TransportHandler.
func (LogHandler) ExceptionCaught(err *Error, id ConnectionID) {
	log.Error.Printf("transport: connection %s: %v", id, err)
}

// SendAvailable implements ClientHandler.
func (LogHandler) SendAvailable(id ConnectionID) {
	log.Debug.Printf("transport: connection %s writable", id)
}
