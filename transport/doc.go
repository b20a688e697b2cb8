// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport implements the connections over which workers
// exchange shuffle data. Each connection carries length-prefixed
// frames in both directions:
//
//	frame :=
//		length:    uint32   // bytes following this field
//		type:      uint8    // START, DATA, FINISH, ACK, FAIL, PING, PONG
//		kind:      uint8    // entry kind of the body, for DATA
//		requestID: uint32
//		partition: uint32
//		body:      uint8[length-10]
//
// Clients open sessions (START), stream DATA messages whose bodies
// are encoded entries, and close the session with FINISH. The server
// acknowledges every request with ACK, or FAIL when its handler
// rejects the request, in request order.
//
// Each connection is driven by a reader and a writer goroutine.
// Sends are queued and never block; a connection whose queue exceeds
// its high watermark becomes unwritable until the writer drains it
// to the low watermark, at which point the client handler is
// notified through SendAvailable. Faults are delivered to the
// connection's handler as *Error values and close only the faulty
// connection.
//
// A ConnectionManager owns a process's server and its clients, keyed
// by ConnectionID.
package transport
