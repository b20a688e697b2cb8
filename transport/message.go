// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshuffle/hgkv"
)

var order = binary.BigEndian

// MessageType is the type of a message.
type MessageType uint8

const (
	typeInvalid MessageType = iota
	// Start opens a session.
	Start
	// Data carries encoded entries for a partition.
	Data
	// Finish closes a session.
	Finish
	// Ack acknowledges a request.
	Ack
	// Fail rejects a request. Its body is the error message.
	Fail
	// Ping requests a Pong.
	Ping
	// Pong answers a Ping.
	Pong

	maxMessageType
)

var typeNames = [...]string{
	typeInvalid: "INVALID",
	Start:       "START",
	Data:        "DATA",
	Finish:      "FINISH",
	Ack:         "ACK",
	Fail:        "FAIL",
	Ping:        "PING",
	Pong:        "PONG",
}

func (t MessageType) String() string {
	if t < maxMessageType {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid tells whether t is a known message type.
func (t MessageType) Valid() bool {
	return t > typeInvalid && t < maxMessageType
}

// response tells whether messages of this type are sent by servers.
func (t MessageType) response() bool {
	return t == Ack || t == Fail || t == Pong
}

// A Message is a single frame exchanged over a connection.
type Message struct {
	Type MessageType
	// Kind is the entry kind of a DATA body.
	Kind hgkv.Kind
	// RequestID is assigned by the client; responses carry the ID of
	// the request they answer.
	RequestID uint32
	// Partition is the destination partition of a DATA message.
	Partition uint32
	Body      []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%v#%d(partition %d, %d bytes)", m.Type, m.RequestID, m.Partition, len(m.Body))
}

const frameHeaderSize = 4 + 1 + 1 + 4 + 4

func (m Message) frameSize() int { return frameHeaderSize + len(m.Body) }

func writeFrame(w io.Writer, m Message) error {
	var hd [frameHeaderSize]byte
	order.PutUint32(hd[0:], uint32(frameHeaderSize-4+len(m.Body)))
	hd[4] = byte(m.Type)
	hd[5] = byte(m.Kind)
	order.PutUint32(hd[6:], m.RequestID)
	order.PutUint32(hd[10:], m.Partition)
	if _, err := w.Write(hd[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// readFrame reads the next frame from r. It returns io.EOF if the
// stream ends cleanly between frames. Malformed frames are reported
// as errors.Integrity errors.
func readFrame(r io.Reader, maxSize int) (Message, error) {
	var hd [frameHeaderSize]byte
	if n, err := io.ReadFull(r, hd[:4]); err != nil {
		if err == io.EOF && n == 0 {
			return Message{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Message{}, errors.E(errors.Integrity, "transport: truncated frame header")
		}
		return Message{}, err
	}
	n := int(order.Uint32(hd[:4]))
	if n < frameHeaderSize-4 {
		return Message{}, errors.E(errors.Integrity, fmt.Sprintf("transport: frame length %d too small", n))
	}
	if n > maxSize {
		return Message{}, errors.E(errors.Integrity, fmt.Sprintf("transport: frame length %d exceeds maximum %d", n, maxSize))
	}
	if _, err := io.ReadFull(r, hd[4:]); err != nil {
		return Message{}, truncated(err)
	}
	m := Message{
		Type:      MessageType(hd[4]),
		Kind:      hgkv.Kind(hd[5]),
		RequestID: order.Uint32(hd[6:]),
		Partition: order.Uint32(hd[10:]),
	}
	if !m.Type.Valid() {
		return Message{}, errors.E(errors.Integrity, fmt.Sprintf("transport: unknown message type %d", hd[4]))
	}
	if n -= frameHeaderSize - 4; n > 0 {
		m.Body = make([]byte, n)
		if _, err := io.ReadFull(r, m.Body); err != nil {
			return Message{}, truncated(err)
		}
	}
	return m, nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.E(errors.Integrity, "transport: truncated frame")
	}
	return err
}
