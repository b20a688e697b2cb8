// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

var order = binary.BigEndian

// Kind is the kind of entries stored in a stream or segment.
type Kind uint8

const (
	// KindValue streams carry a single value per key.
	KindValue Kind = iota
	// KindMulti streams carry a sorted sequence of sub-entries per key.
	KindMulti
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindMulti:
		return "multi"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid tells whether k is a known entry kind.
func (k Kind) Valid() bool {
	return k == KindValue || k == KindMulti
}

// A SubEntry is a single (sub-key, sub-value) pair of a multi entry.
type SubEntry struct {
	Key, Value []byte
}

// An Entry is a keyed record. Value entries carry Value; multi entries
// carry Subs, which are ordered by strictly increasing sub-key.
type Entry struct {
	Key   []byte
	Value []byte
	Subs  []SubEntry
}

// IsMulti tells whether the entry is a multi entry.
func (e Entry) IsMulti() bool { return e.Subs != nil }

// Equal tells whether e and f have the same key and contents.
func (e Entry) Equal(f Entry) bool {
	if !bytes.Equal(e.Key, f.Key) || !bytes.Equal(e.Value, f.Value) {
		return false
	}
	if e.IsMulti() != f.IsMulti() || len(e.Subs) != len(f.Subs) {
		return false
	}
	for i := range e.Subs {
		if !bytes.Equal(e.Subs[i].Key, f.Subs[i].Key) || !bytes.Equal(e.Subs[i].Value, f.Subs[i].Value) {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the entry. Scanners reuse their
// buffers, so entries that are retained across calls to Scan must
// be copied.
func (e Entry) Copy() Entry {
	c := Entry{Key: clone(e.Key), Value: clone(e.Value)}
	if e.Subs != nil {
		c.Subs = make([]SubEntry, len(e.Subs))
		for i, sub := range e.Subs {
			c.Subs[i] = SubEntry{clone(sub.Key), clone(sub.Value)}
		}
	}
	return c
}

// Size returns the encoded size of the entry in bytes.
func (e Entry) Size() int {
	n := 4 + len(e.Key) + 4
	if e.IsMulti() {
		n += 4
		for _, sub := range e.Subs {
			n += 8 + len(sub.Key) + len(sub.Value)
		}
		return n
	}
	return n + len(e.Value)
}

func (e Entry) String() string {
	if !e.IsMulti() {
		return fmt.Sprintf("%x:%x", e.Key, e.Value)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x:[", e.Key)
	for i, sub := range e.Subs {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%x:%x", sub.Key, sub.Value)
	}
	b.WriteString("]")
	return b.String()
}

func clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	c := make([]byte, len(p))
	copy(c, p)
	return c
}

// Scanner is an ordered iterator over entries.
type Scanner interface {
	// Scan scans the next entry, returning true on success, after which
	// time the entry is available through Entry. When Scan returns
	// false, the caller should inspect Err to distinguish between scan
	// completion and scan error.
	Scan() bool
	// Entry returns the last scanned entry. Its contents are valid
	// only until the next call to Scan.
	Entry() Entry
	// Err returns the last error encountered while scanning, if any.
	Err() error
}

// SliceScanner returns a Scanner over the provided entries, which
// must already be sorted.
func SliceScanner(entries []Entry) Scanner {
	return &sliceScanner{entries: entries, i: -1}
}

type sliceScanner struct {
	entries []Entry
	i       int
}

func (s *sliceScanner) Scan() bool {
	if s.i+1 >= len(s.entries) {
		s.i = len(s.entries)
		return false
	}
	s.i++
	return true
}

func (s *sliceScanner) Entry() Entry { return s.entries[s.i] }
func (s *sliceScanner) Err() error   { return nil }

// ReadAll scans s to completion, returning copies of the scanned
// entries. ReadAll is intended for testing and tooling.
func ReadAll(s Scanner) ([]Entry, error) {
	var entries []Entry
	for s.Scan() {
		entries = append(entries, s.Entry().Copy())
	}
	return entries, s.Err()
}

// LongID returns the key encoding of the provided integer id. The
// encoding preserves numeric order under bytes.Compare.
func LongID(id int64) []byte {
	var p [8]byte
	order.PutUint64(p[:], uint64(id)^(1<<63))
	return p[:]
}

// IDToLong decodes a key produced by LongID.
func IDToLong(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("long id: expected 8 bytes, got %d", len(key)))
	}
	return int64(order.Uint64(key) ^ (1 << 63)), nil
}

// IntValue encodes an int32 value.
func IntValue(v int32) []byte {
	var p [4]byte
	order.PutUint32(p[:], uint32(v))
	return p[:]
}

// ValueInt decodes a value produced by IntValue.
func ValueInt(p []byte) (int32, error) {
	if len(p) != 4 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("int value: expected 4 bytes, got %d", len(p)))
	}
	return int32(order.Uint32(p)), nil
}

// LongValue encodes an int64 value.
func LongValue(v int64) []byte {
	var p [8]byte
	order.PutUint64(p[:], uint64(v))
	return p[:]
}

// ValueLong decodes a value produced by LongValue.
func ValueLong(p []byte) (int64, error) {
	if len(p) != 8 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("long value: expected 8 bytes, got %d", len(p)))
	}
	return int64(order.Uint64(p)), nil
}

// DoubleValue encodes a float64 value.
func DoubleValue(v float64) []byte {
	return LongValue(int64(math.Float64bits(v)))
}

// ValueDouble decodes a value produced by DoubleValue.
func ValueDouble(p []byte) (float64, error) {
	if len(p) != 8 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("double value: expected 8 bytes, got %d", len(p)))
	}
	return math.Float64frombits(order.Uint64(p)), nil
}
