// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bufio"
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshuffle/internal/defaultsize"
	"github.com/grailbio/bigshuffle/metrics"
)

const (
	// Magic is the magic number that begins and ends every segment
	// file ("hgkv").
	Magic = 0x68676b76
	// Version is the current segment format version.
	Version = 1

	headerSize  = 4 + 4 + 1 + 3
	trailerSize = 4 + 4 + 4

	tmpSuffix = ".tmp"
)

type indexEntry struct {
	key []byte
	off int64
}

// A Writer writes a single segment file. Entries must be appended
// in strictly increasing key order. The segment becomes visible at
// its path only once it is sealed.
type Writer struct {
	path, tmp string
	kind      Kind

	f   *os.File
	buf *bufio.Writer
	crc hash.Hash32
	enc *EntryWriter

	min, max []byte
	index    []indexEntry
	interval int

	closed bool
}

// Create creates a new segment writer for the provided path and
// entry kind. Create returns an errors.Exists error if a segment
// already exists at the path.
func Create(path string, kind Kind) (*Writer, error) {
	if !kind.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("hgkv.Create %s: invalid kind %v", path, kind))
	}
	if _, err := os.Stat(path); err == nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf("hgkv.Create: segment %s already exists", path))
	} else if !os.IsNotExist(err) {
		return nil, errors.E(err, fmt.Sprintf("hgkv.Create %s", path))
	}
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.E(errors.Exists, fmt.Sprintf("hgkv.Create: segment %s is being written", path))
		}
		return nil, errors.E(err, fmt.Sprintf("hgkv.Create %s", path))
	}
	w := &Writer{
		path:     path,
		tmp:      tmp,
		kind:     kind,
		f:        f,
		buf:      bufio.NewWriter(f),
		crc:      crc32.NewIEEE(),
		interval: defaultsize.IndexInterval,
	}
	var hd [headerSize]byte
	order.PutUint32(hd[0:], Magic)
	order.PutUint32(hd[4:], Version)
	hd[8] = byte(kind)
	if _, err := w.buf.Write(hd[:]); err != nil {
		w.Discard()
		return nil, err
	}
	w.enc = NewEntryWriter(io.MultiWriter(w.buf, w.crc))
	w.enc.onEntry = w.observe
	return w, nil
}

func (w *Writer) observe(key []byte, off int64) {
	n := w.enc.Count() - 1
	if n == 0 {
		w.min = clone(key)
	}
	w.max = append(w.max[:0], key...)
	if w.interval > 0 && n%int64(w.interval) == 0 {
		w.index = append(w.index, indexEntry{clone(key), headerSize + off})
	}
}

// Path returns the path of the segment being written.
func (w *Writer) Path() string { return w.path }

// Kind returns the kind of entries accepted by this writer.
func (w *Writer) Kind() Kind { return w.kind }

// Count returns the number of entries appended so far.
func (w *Writer) Count() int64 { return w.enc.Count() }

func (w *Writer) check(kind Kind) error {
	if w.closed {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("hgkv: segment %s is sealed", w.path))
	}
	if kind != w.kind {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("hgkv: segment %s stores %v entries, cannot append %v entry", w.path, w.kind, kind))
	}
	return nil
}

// Append appends a value entry to the segment.
func (w *Writer) Append(key, value []byte) error {
	if err := w.check(KindValue); err != nil {
		return err
	}
	return w.enc.WriteEntry(key, value)
}

// WriteMultiEntry begins a multi entry; see EntryWriter.WriteMultiEntry.
func (w *Writer) WriteMultiEntry(key []byte) (*SubEntryWriter, error) {
	if err := w.check(KindMulti); err != nil {
		return nil, err
	}
	return w.enc.WriteMultiEntry(key)
}

// AppendMulti appends a complete multi entry to the segment.
func (w *Writer) AppendMulti(key []byte, subs []SubEntry) error {
	if subs == nil {
		subs = []SubEntry{}
	}
	return w.Write(Entry{Key: key, Subs: subs})
}

// Write appends the provided entry, whose kind must match the
// writer's.
func (w *Writer) Write(e Entry) error {
	kind := KindValue
	if e.IsMulti() {
		kind = KindMulti
	}
	if err := w.check(kind); err != nil {
		return err
	}
	return w.enc.Write(e)
}

// Seal finalizes the segment: the footer and trailer are written,
// the file is synced, and the segment is moved into place. The
// writer may not be used after Seal.
func (w *Writer) Seal() error {
	if w.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("hgkv: segment %s already sealed", w.path))
	}
	if w.enc.open != nil {
		w.Discard()
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("hgkv: segment %s sealed with unfinished multi entry %x", w.path, w.enc.open.key))
	}
	if w.enc.err != nil {
		err := w.enc.err
		w.Discard()
		return err
	}
	footer := w.footer()
	var tr [trailerSize]byte
	order.PutUint32(tr[0:], uint32(len(footer)))
	order.PutUint32(tr[4:], crc32.ChecksumIEEE(footer))
	order.PutUint32(tr[8:], Magic)
	err := w.write(footer)
	if err == nil {
		err = w.write(tr[:])
	}
	if err == nil {
		err = w.buf.Flush()
	}
	if err == nil {
		err = w.f.Sync()
	}
	if err != nil {
		w.Discard()
		return errors.E(err, fmt.Sprintf("hgkv: seal %s", w.path))
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return errors.E(err, fmt.Sprintf("hgkv: seal %s", w.path))
	}
	// Link fails if the target exists, so that a sealed segment is
	// never replaced.
	if err := os.Link(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		if os.IsExist(err) {
			return errors.E(errors.Exists, fmt.Sprintf("hgkv: seal: segment %s already exists", w.path))
		}
		return errors.E(err, fmt.Sprintf("hgkv: seal %s", w.path))
	}
	if err := os.Remove(w.tmp); err != nil {
		return err
	}
	metrics.SegmentsWritten.Inc()
	metrics.EntriesWritten.Add(float64(w.enc.Count()))
	metrics.SegmentBytesWritten.Add(float64(headerSize + w.enc.Len() + int64(len(footer)) + trailerSize))
	return nil
}

func (w *Writer) write(p []byte) error {
	_, err := w.buf.Write(p)
	return err
}

func (w *Writer) footer() []byte {
	var (
		b  bytes.Buffer
		p8 [8]byte
		p4 [4]byte
	)
	putBytes := func(p []byte) {
		order.PutUint32(p4[:], uint32(len(p)))
		b.Write(p4[:])
		b.Write(p)
	}
	order.PutUint32(p4[:], w.crc.Sum32())
	b.Write(p4[:])
	order.PutUint64(p8[:], uint64(w.enc.Count()))
	b.Write(p8[:])
	order.PutUint64(p8[:], uint64(w.enc.Len()))
	b.Write(p8[:])
	putBytes(w.min)
	putBytes(w.max)
	order.PutUint32(p4[:], uint32(len(w.index)))
	b.Write(p4[:])
	for _, ix := range w.index {
		putBytes(ix.key)
		order.PutUint64(p8[:], uint64(ix.off))
		b.Write(p8[:])
	}
	return b.Bytes()
}

// Discard abandons the segment. Nothing is left at the segment's
// path. Discard is a no-op on a sealed writer.
func (w *Writer) Discard() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.tmp)
}

// A File is a sealed, read-only segment. Its metadata is read when
// the file is opened; entries are read lazily by scanners.
type File struct {
	path  string
	f     *os.File
	size  int64
	kind  Kind
	count int64

	min, max []byte

	dataLen int64
	dataCRC uint32
	index   []indexEntry
}

// Open opens the segment at the provided path. Open returns an
// errors.NotExist error if no segment exists at the path, and an
// errors.Integrity error if the segment fails validation.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("hgkv.Open: segment %s does not exist", path))
		}
		return nil, errors.E(err, fmt.Sprintf("hgkv.Open %s", path))
	}
	seg := &File{path: path, f: f}
	if err := seg.init(); err != nil {
		f.Close()
		return nil, err
	}
	return seg, nil
}

func (s *File) corrupt(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, fmt.Sprintf("hgkv: segment %s: ", s.path)+fmt.Sprintf(format, args...))
}

func (s *File) init() error {
	info, err := s.f.Stat()
	if err != nil {
		return err
	}
	s.size = info.Size()
	if s.size < headerSize+trailerSize {
		return s.corrupt("file too small (%d bytes)", s.size)
	}
	var hd [headerSize]byte
	if _, err := s.f.ReadAt(hd[:], 0); err != nil {
		return err
	}
	if magic := order.Uint32(hd[0:]); magic != Magic {
		return s.corrupt("bad header magic %x", magic)
	}
	if version := order.Uint32(hd[4:]); version != Version {
		return s.corrupt("unsupported version %d", version)
	}
	s.kind = Kind(hd[8])
	if !s.kind.Valid() {
		return s.corrupt("invalid kind %d", hd[8])
	}
	var tr [trailerSize]byte
	if _, err := s.f.ReadAt(tr[:], s.size-trailerSize); err != nil {
		return err
	}
	if magic := order.Uint32(tr[8:]); magic != Magic {
		return s.corrupt("bad trailer magic %x", magic)
	}
	footerLen := int64(order.Uint32(tr[0:]))
	if footerLen > s.size-headerSize-trailerSize {
		return s.corrupt("footer length %d exceeds file size %d", footerLen, s.size)
	}
	footer := make([]byte, footerLen)
	if _, err := s.f.ReadAt(footer, s.size-trailerSize-footerLen); err != nil {
		return err
	}
	if got, want := crc32.ChecksumIEEE(footer), order.Uint32(tr[4:]); got != want {
		return s.corrupt("footer checksum mismatch: computed %x, expected %x", got, want)
	}
	return s.parseFooter(footer, s.size-headerSize-trailerSize-footerLen)
}

func (s *File) parseFooter(p []byte, dataLen int64) error {
	if len(p) < 4+8+8 {
		return s.corrupt("footer too short")
	}
	s.dataCRC = order.Uint32(p)
	s.count = int64(order.Uint64(p[4:]))
	s.dataLen = int64(order.Uint64(p[12:]))
	p = p[20:]
	if s.dataLen != dataLen {
		return s.corrupt("data length %d, expected %d", s.dataLen, dataLen)
	}
	var ok bool
	if s.min, p, ok = cutBytes(p); !ok {
		return s.corrupt("truncated min key")
	}
	if s.max, p, ok = cutBytes(p); !ok {
		return s.corrupt("truncated max key")
	}
	if s.count == 0 {
		s.min, s.max = nil, nil
	}
	if len(p) < 4 {
		return s.corrupt("truncated index")
	}
	n := int(order.Uint32(p))
	p = p[4:]
	for i := 0; i < n; i++ {
		var key []byte
		if key, p, ok = cutBytes(p); !ok || len(p) < 8 {
			return s.corrupt("truncated index entry %d", i)
		}
		off := int64(order.Uint64(p))
		p = p[8:]
		if off < headerSize || off >= headerSize+s.dataLen {
			return s.corrupt("index entry %d: offset %d out of range", i, off)
		}
		s.index = append(s.index, indexEntry{key, off})
	}
	if len(p) != 0 {
		return s.corrupt("%d trailing footer bytes", len(p))
	}
	return nil
}

// Path returns the segment's path.
func (s *File) Path() string { return s.path }

// Kind returns the kind of entries stored in the segment.
func (s *File) Kind() Kind { return s.kind }

// Count returns the number of entries in the segment.
func (s *File) Count() int64 { return s.count }

// Min returns the smallest key in the segment, or nil if the
// segment is empty.
func (s *File) Min() []byte { return s.min }

// Max returns the largest key in the segment, or nil if the segment
// is empty.
func (s *File) Max() []byte { return s.max }

// Size returns the size of the segment file in bytes.
func (s *File) Size() int64 { return s.size }

// Close releases the segment's file descriptor. Scanners may not be
// used after the segment is closed.
func (s *File) Close() error { return s.f.Close() }

// Scanner returns a new scanner over all of the segment's entries.
// The data checksum and entry count are verified when the scan
// completes.
func (s *File) Scanner() *FileScanner {
	return s.scanner(headerSize, true)
}

// Seek returns a scanner that begins at the first entry whose key is
// greater than or equal to the provided key.
func (s *File) Seek(key []byte) *FileScanner {
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].key, key) > 0
	})
	off := int64(headerSize)
	if i > 0 {
		off = s.index[i-1].off
	}
	scan := s.scanner(off, off == headerSize)
	for scan.r.Scan() {
		if bytes.Compare(scan.r.Entry().Key, key) >= 0 {
			scan.pending = true
			scan.n++
			return scan
		}
		scan.n++
	}
	scan.finish()
	return scan
}

func (s *File) scanner(off int64, verify bool) *FileScanner {
	scan := &FileScanner{file: s, verify: verify}
	var r io.Reader = io.NewSectionReader(s.f, off, headerSize+s.dataLen-off)
	if verify {
		scan.crc = crc32.NewIEEE()
		r = io.TeeReader(r, scan.crc)
	}
	scan.r = NewEntryReader(r, s.kind)
	scan.r.name = s.path
	scan.r.base = off
	scan.r.remaining = headerSize + s.dataLen - off
	return scan
}

// FileScanner is a single-pass forward scanner over a segment.
type FileScanner struct {
	file    *File
	r       *EntryReader
	crc     hash.Hash32
	verify  bool
	pending bool
	done    bool
	n       int64
	err     error
}

// Scan scans the next entry in the segment.
func (s *FileScanner) Scan() bool {
	if s.err != nil || s.done {
		return false
	}
	if s.pending {
		s.pending = false
		return true
	}
	if s.r.Scan() {
		s.n++
		return true
	}
	s.finish()
	return false
}

func (s *FileScanner) finish() {
	s.done = true
	if s.err = s.r.Err(); s.err != nil {
		return
	}
	if !s.verify {
		return
	}
	if got, want := s.crc.Sum32(), s.file.dataCRC; got != want {
		s.err = s.file.corrupt("data checksum mismatch: computed %x, expected %x", got, want)
		return
	}
	if s.n != s.file.count {
		s.err = s.file.corrupt("scanned %d entries, expected %d", s.n, s.file.count)
	}
}

// Entry returns the last scanned entry.
func (s *FileScanner) Entry() Entry { return s.r.Entry() }

// Offset returns the file offset of the last scanned entry.
func (s *FileScanner) Offset() int64 { return s.r.Offset() }

// Err returns the scan error, if any.
func (s *FileScanner) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.r.Err()
}
