// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
)

// A ConnectionID identifies a connection to a peer: the peer's
// resolved address, and an index that distinguishes multiple
// connections to the same peer. ConnectionIDs are comparable and may
// be used as map keys.
type ConnectionID struct {
	addr  string
	index int
}

var resolved struct {
	sync.Mutex
	addrs map[string]string
}

// ParseConnectionID returns the ConnectionID for the provided host
// and port. The host is resolved once per process: later calls with
// the same host and port return the same identity even if the name
// resolves differently in the meantime.
func ParseConnectionID(host string, port int) (ConnectionID, error) {
	return ParseConnectionIDIndex(host, port, 0)
}

// ParseConnectionIDIndex is like ParseConnectionID, but returns the
// identity of the index-th connection to the peer.
func ParseConnectionIDIndex(host string, port, index int) (ConnectionID, error) {
	if port < 0 || port > 65535 {
		return ConnectionID{}, errors.E(errors.Invalid, fmt.Sprintf("transport: invalid port %d", port))
	}
	if index < 0 {
		return ConnectionID{}, errors.E(errors.Invalid, fmt.Sprintf("transport: invalid connection index %d", index))
	}
	hostport := net.JoinHostPort(host, strconv.Itoa(port))
	resolved.Lock()
	defer resolved.Unlock()
	addr, ok := resolved.addrs[hostport]
	if !ok {
		tcpAddr, err := net.ResolveTCPAddr("tcp", hostport)
		if err != nil {
			return ConnectionID{}, errors.E(errors.Net, fmt.Sprintf("transport: resolve %s", hostport), err)
		}
		addr = tcpAddr.String()
		if resolved.addrs == nil {
			resolved.addrs = make(map[string]string)
		}
		resolved.addrs[hostport] = addr
	}
	return ConnectionID{addr: addr, index: index}, nil
}

// Addr returns the resolved "ip:port" address of the peer.
func (id ConnectionID) Addr() string { return id.addr }

// Host returns the resolved IP address of the peer.
func (id ConnectionID) Host() string {
	host, _, _ := net.SplitHostPort(id.addr)
	return host
}

// Port returns the peer's port.
func (id ConnectionID) Port() int {
	_, port, _ := net.SplitHostPort(id.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Index returns the connection's index.
func (id ConnectionID) Index() int { return id.index }

// IsZero tells whether id is the zero ConnectionID.
func (id ConnectionID) IsZero() bool { return id == ConnectionID{} }

func (id ConnectionID) String() string {
	if id.index == 0 {
		return id.addr
	}
	return fmt.Sprintf("%s[%d]", id.addr, id.index)
}
