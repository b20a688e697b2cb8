// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// An EntryWriter encodes entries into an underlying io.Writer. Keys
// must be written in strictly increasing order; EntryWriter returns
// a fatal errors.Invalid error otherwise.
type EntryWriter struct {
	w       io.Writer
	lastKey []byte
	started bool
	open    *SubEntryWriter

	off   int64
	count int64
	err   error

	// onEntry, if set, is called after each entry is written with the
	// entry's key and start offset.
	onEntry func(key []byte, off int64)
}

// NewEntryWriter returns a new EntryWriter that writes to w. The
// EntryWriter does not buffer; callers should provide a buffered
// writer where appropriate.
func NewEntryWriter(w io.Writer) *EntryWriter {
	return &EntryWriter{w: w}
}

// Len returns the number of bytes written so far.
func (w *EntryWriter) Len() int64 { return w.off }

// Count returns the number of complete entries written so far.
func (w *EntryWriter) Count() int64 { return w.count }

// LastKey returns the key of the last entry written, or nil.
func (w *EntryWriter) LastKey() []byte { return w.lastKey }

func (w *EntryWriter) checkKey(key []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.open != nil {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("hgkv: entry %x written while multi entry %x is unfinished", key, w.open.key))
	}
	if w.started && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("hgkv: key %x written out of order after %x", key, w.lastKey))
	}
	return nil
}

func (w *EntryWriter) accept(key []byte) {
	w.lastKey = append(w.lastKey[:0], key...)
	w.started = true
}

func (w *EntryWriter) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	n, err := w.w.Write(p)
	w.off += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *EntryWriter) writeBytes(p []byte) error {
	var hd [4]byte
	order.PutUint32(hd[:], uint32(len(p)))
	if err := w.write(hd[:]); err != nil {
		return err
	}
	return w.write(p)
}

func (w *EntryWriter) done(key []byte, off int64) {
	w.count++
	if w.onEntry != nil {
		w.onEntry(key, off)
	}
}

// WriteEntry writes a value entry.
func (w *EntryWriter) WriteEntry(key, value []byte) error {
	if err := w.checkKey(key); err != nil {
		return err
	}
	w.accept(key)
	off := w.off
	if err := w.writeBytes(key); err != nil {
		return err
	}
	if err := w.writeBytes(value); err != nil {
		return err
	}
	w.done(key, off)
	return nil
}

// WriteMultiEntry begins a multi entry with the provided key. The
// returned SubEntryWriter must be finished before the next entry
// is written.
func (w *EntryWriter) WriteMultiEntry(key []byte) (*SubEntryWriter, error) {
	if err := w.checkKey(key); err != nil {
		return nil, err
	}
	w.accept(key)
	w.open = &SubEntryWriter{parent: w, key: clone(key)}
	return w.open, nil
}

// Write writes the provided entry, which may be a value or a multi
// entry.
func (w *EntryWriter) Write(e Entry) error {
	if !e.IsMulti() {
		return w.WriteEntry(e.Key, e.Value)
	}
	sub, err := w.WriteMultiEntry(e.Key)
	if err != nil {
		return err
	}
	for _, s := range e.Subs {
		if err := sub.WriteSubEntry(s.Key, s.Value); err != nil {
			return err
		}
	}
	return sub.Finish()
}

// A SubEntryWriter accumulates the sub-entries of a single multi
// entry. The entry's total length and sub-entry count are written
// when the entry is finished.
type SubEntryWriter struct {
	parent  *EntryWriter
	key     []byte
	buf     bytes.Buffer
	lastKey []byte
	count   uint32
	done    bool
}

// WriteSubEntry appends a sub-entry. Sub-keys must be strictly
// increasing.
func (s *SubEntryWriter) WriteSubEntry(key, value []byte) error {
	if s.done {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("hgkv: multi entry %x already finished", s.key))
	}
	if s.count > 0 && bytes.Compare(key, s.lastKey) <= 0 {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("hgkv: entry %x: sub-key %x written out of order after %x", s.key, key, s.lastKey))
	}
	s.lastKey = append(s.lastKey[:0], key...)
	var hd [4]byte
	order.PutUint32(hd[:], uint32(len(key)))
	s.buf.Write(hd[:])
	s.buf.Write(key)
	order.PutUint32(hd[:], uint32(len(value)))
	s.buf.Write(hd[:])
	s.buf.Write(value)
	s.count++
	return nil
}

// Count returns the number of sub-entries written so far.
func (s *SubEntryWriter) Count() int { return int(s.count) }

// Finish writes the multi entry to the parent writer.
func (s *SubEntryWriter) Finish() error {
	if s.done {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("hgkv: multi entry %x already finished", s.key))
	}
	s.done = true
	w := s.parent
	w.open = nil
	off := w.off
	if err := w.writeBytes(s.key); err != nil {
		return err
	}
	var hd [8]byte
	order.PutUint32(hd[:4], uint32(4+s.buf.Len()))
	order.PutUint32(hd[4:], s.count)
	if err := w.write(hd[:]); err != nil {
		return err
	}
	if err := w.write(s.buf.Bytes()); err != nil {
		return err
	}
	w.done(s.key, off)
	return nil
}

// readChunk bounds the buffer growth of reads from streams of unknown
// length, so that a corrupt length prefix cannot force a large
// allocation ahead of the data.
const readChunk = 1 << 20

// An EntryReader decodes a stream of entries of a single kind. It
// is a lazy, single-pass scanner. Truncated entries and keys that
// are not strictly increasing are reported as errors.Integrity
// errors.
type EntryReader struct {
	r    io.Reader
	kind Kind
	name string

	// remaining is the number of bytes left in the stream, or -1 if
	// unknown.
	remaining int64
	off, base int64
	entryOff  int64

	entry      Entry
	key, prev  []byte
	value, sub []byte
	subs       []SubEntry
	started    bool
	err        error
}

// NewEntryReader returns a new EntryReader that decodes entries of
// the provided kind from r.
func NewEntryReader(r io.Reader, kind Kind) *EntryReader {
	if _, ok := r.(io.ByteScanner); !ok {
		r = bufio.NewReader(r)
	}
	return &EntryReader{r: r, kind: kind, remaining: -1}
}

// DecodeEntries returns a Scanner over the entries encoded in p.
func DecodeEntries(p []byte, kind Kind) *EntryReader {
	r := NewEntryReader(bytes.NewReader(p), kind)
	r.remaining = int64(len(p))
	return r
}

// Offset returns the stream offset of the last scanned entry.
func (r *EntryReader) Offset() int64 { return r.base + r.entryOff }

// Entry returns the last scanned entry.
func (r *EntryReader) Entry() Entry { return r.entry }

// Err returns the scan error, if any.
func (r *EntryReader) Err() error { return r.err }

func (r *EntryReader) corrupt(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if r.name != "" {
		msg = fmt.Sprintf("%s: offset %d: %s", r.name, r.base+r.off, msg)
	} else {
		msg = fmt.Sprintf("offset %d: %s", r.base+r.off, msg)
	}
	return errors.E(errors.Integrity, "hgkv: "+msg)
}

func (r *EntryReader) readFull(p []byte) error {
	if r.remaining >= 0 && int64(len(p)) > r.remaining {
		return r.corrupt("truncated entry: need %d bytes, %d remaining", len(p), r.remaining)
	}
	n, err := io.ReadFull(r.r, p)
	r.off += int64(n)
	if r.remaining >= 0 {
		r.remaining -= int64(n)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return r.corrupt("truncated entry: need %d bytes, got %d", len(p), n)
	}
	return err
}

func (r *EntryReader) readLen() (int, error) {
	var hd [4]byte
	if err := r.readFull(hd[:]); err != nil {
		return 0, err
	}
	return int(order.Uint32(hd[:])), nil
}

func (r *EntryReader) readBytes(buf []byte) ([]byte, error) {
	n, err := r.readLen()
	if err != nil {
		return nil, err
	}
	if r.remaining >= 0 && int64(n) > r.remaining {
		return nil, r.corrupt("length prefix %d exceeds %d remaining bytes", n, r.remaining)
	}
	if r.remaining < 0 && n > readChunk && cap(buf) < n {
		buf = buf[:0]
		for len(buf) < n {
			m := n - len(buf)
			if m > readChunk {
				m = readChunk
			}
			off := len(buf)
			buf = append(buf, make([]byte, m)...)
			if err := r.readFull(buf[off:]); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	return buf, r.readFull(buf)
}

// atEOF tells whether the stream ended cleanly at an entry boundary.
func (r *EntryReader) atEOF() (bool, error) {
	if r.remaining == 0 {
		return true, nil
	}
	if r.remaining > 0 {
		return false, nil
	}
	br := r.r.(io.ByteScanner)
	if _, err := br.ReadByte(); err == io.EOF {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return false, br.UnreadByte()
}

// Scan decodes the next entry.
func (r *EntryReader) Scan() bool {
	if r.err != nil {
		return false
	}
	eof, err := r.atEOF()
	if err != nil {
		r.err = err
		return false
	}
	if eof {
		return false
	}
	r.entryOff = r.off
	r.prev, r.key = r.key, r.prev
	if r.key, r.err = r.readBytes(r.key); r.err != nil {
		return false
	}
	if r.started && bytes.Compare(r.key, r.prev) <= 0 {
		r.err = r.corrupt("key %x out of order after %x", r.key, r.prev)
		return false
	}
	r.started = true
	r.entry = Entry{Key: r.key}
	switch r.kind {
	case KindValue:
		if r.value, r.err = r.readBytes(r.value); r.err != nil {
			return false
		}
		r.entry.Value = r.value
	case KindMulti:
		if r.sub, r.err = r.readBytes(r.sub); r.err != nil {
			return false
		}
		if r.entry.Subs, r.err = r.decodeSubs(r.sub); r.err != nil {
			return false
		}
	default:
		r.err = errors.E(errors.Invalid, fmt.Sprintf("hgkv: invalid entry kind %v", r.kind))
		return false
	}
	return true
}

func (r *EntryReader) decodeSubs(p []byte) ([]SubEntry, error) {
	if len(p) < 4 {
		return nil, r.corrupt("multi entry %x: sub-entry block too short", r.key)
	}
	n := int(order.Uint32(p))
	p = p[4:]
	subs := r.subs[:0]
	if subs == nil {
		subs = []SubEntry{}
	}
	for i := 0; i < n; i++ {
		var key, value []byte
		var ok bool
		if key, p, ok = cutBytes(p); !ok {
			return nil, r.corrupt("multi entry %x: truncated sub-entry %d of %d", r.key, i, n)
		}
		if value, p, ok = cutBytes(p); !ok {
			return nil, r.corrupt("multi entry %x: truncated sub-entry %d of %d", r.key, i, n)
		}
		if i > 0 && bytes.Compare(key, subs[i-1].Key) <= 0 {
			return nil, r.corrupt("multi entry %x: sub-key %x out of order", r.key, key)
		}
		subs = append(subs, SubEntry{key, value})
	}
	if len(p) != 0 {
		return nil, r.corrupt("multi entry %x: %d trailing bytes", r.key, len(p))
	}
	r.subs = subs
	return subs, nil
}

func cutBytes(p []byte) (b, rest []byte, ok bool) {
	if len(p) < 4 {
		return nil, nil, false
	}
	n := int(order.Uint32(p))
	p = p[4:]
	if n > len(p) {
		return nil, nil, false
	}
	return p[:n:n], p[n:], true
}
