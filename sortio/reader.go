// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"
	"container/heap"
	"io"

	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/metrics"
)

// Reader merges, and optionally reduces, a set of sorted scanners.
// Reader implements hgkv.Scanner.
type Reader struct {
	scanners []hgkv.Scanner
	combiner combiner.EntryCombiner
	closers  []io.Closer

	heap    *cursorHeap
	advance []*cursor
	group   []*cursor
	entry   hgkv.Entry
	err     error
}

// Reduce returns a Reader that merges and reduces a set of sorted
// scanners. All entries that share a key are combined into a single
// entry; they are folded left to right in the order of the scanners
// in which they appear. Each scanner must itself produce strictly
// increasing keys.
func Reduce(scanners []hgkv.Scanner, comb combiner.EntryCombiner) *Reader {
	if comb == nil {
		comb = combiner.Entries{}
	}
	return &Reader{scanners: scanners, combiner: comb}
}

// ReduceDirs returns a Reader that reduces all of the segments in the
// provided directories. Segments are ordered first by directory and
// then by segment id.
func ReduceDirs(comb combiner.EntryCombiner, dirs ...*hgkv.Dir) *Reader {
	var scanners []hgkv.Scanner
	for _, dir := range dirs {
		for _, seg := range dir.Segments() {
			scanners = append(scanners, seg.Scanner())
		}
	}
	return Reduce(scanners, comb)
}

func (r *Reader) init() bool {
	r.heap = new(cursorHeap)
	*r.heap = make(cursorHeap, 0, len(r.scanners))
	for i, s := range r.scanners {
		c := &cursor{s, i}
		if !r.fill(c) {
			return false
		}
	}
	heap.Init(r.heap)
	return true
}

// fill advances the cursor and returns it to the heap unless it is
// exhausted. Fill returns false on error.
func (r *Reader) fill(c *cursor) bool {
	if c.Scan() {
		*r.heap = append(*r.heap, c)
		return true
	}
	if err := c.Err(); err != nil {
		r.err = err
		return false
	}
	return true
}

// Scan scans the next merged entry.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	if r.heap == nil {
		if !r.init() {
			return false
		}
	}
	for _, c := range r.advance {
		n := len(*r.heap)
		if !r.fill(c) {
			return false
		}
		if len(*r.heap) > n {
			heap.Fix(r.heap, n)
		}
	}
	r.advance = r.advance[:0]
	if r.heap.Len() == 0 {
		return false
	}
	if r.combiner == nil {
		c := heap.Pop(r.heap).(*cursor)
		r.entry = c.Entry()
		r.advance = append(r.advance, c)
		return true
	}
	// Gather all of the cursors that share the smallest key. Each
	// scanner has at most one entry for a given key, and cursors with
	// equal keys pop in index order.
	r.group = r.group[:0]
	for len(r.group) == 0 || r.heap.Len() > 0 &&
		bytes.Equal((*r.heap)[0].Entry().Key, r.group[0].Entry().Key) {
		r.group = append(r.group, heap.Pop(r.heap).(*cursor))
	}
	r.entry = r.group[0].Entry()
	for _, c := range r.group[1:] {
		var err error
		if r.entry, err = r.combiner.Combine(r.entry, c.Entry()); err != nil {
			r.err = err
			return false
		}
	}
	if n := len(r.group) - 1; n > 0 {
		metrics.EntriesCombined.Add(float64(n))
	}
	// Cursors are advanced on the next call to Scan so that the current
	// entry remains valid until then.
	r.advance = append(r.advance, r.group...)
	return true
}

// Entry returns the last scanned entry.
func (r *Reader) Entry() hgkv.Entry { return r.entry }

// Err returns the first error encountered by the reader or any of
// its scanners.
func (r *Reader) Err() error { return r.err }

// Close releases any resources held on behalf of the reader.
func (r *Reader) Close() error {
	var err error
	for _, c := range r.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	r.closers = nil
	return err
}
