// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Error is the error delivered for any fault on a connection. It
// carries the address of the connection's peer and the underlying
// cause.
type Error struct {
	// Remote is the address of the peer.
	Remote string
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Remote, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// newError wraps err as a transport error for the provided peer.
// Errors without a kind are classified as errors.Net.
func newError(remote string, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	if e, ok := err.(*errors.Error); !ok || e.Kind == errors.Other {
		err = errors.E(errors.Net, err)
	}
	return &Error{Remote: remote, Err: err}
}

// Is tells whether err is a transport error of the provided kind.
func Is(kind errors.Kind, err error) bool {
	if e, ok := err.(*Error); ok {
		err = e.Err
	}
	return errors.Is(kind, err)
}
