// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sortio provides facilities for buffering and spilling
// entries in sorted order, and for merging and reducing sorted entry
// streams.
package sortio

import (
	"bytes"

	"github.com/grailbio/bigshuffle/hgkv"
)

// A cursor is a primed scanner, together with its position in the
// merge. Cursors with equal keys are ordered by index.
type cursor struct {
	hgkv.Scanner
	index int
}

// cursorHeap implements a heap of cursors, ordered by their current
// key and then by index.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	switch bytes.Compare(h[i].Entry().Key, h[j].Entry().Key) {
	case -1:
		return true
	case 1:
		return false
	}
	return h[i].index < h[j].index
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) {
	*h = append(*h, x.(*cursor))
}

func (h *cursorHeap) Pop() interface{} {
	n := len(*h)
	elem := (*h)[n-1]
	*h = (*h)[:n-1]
	return elem
}

// NewMergeReader returns a Reader that merges the provided sorted
// scanners into a single sorted stream. Entries are not combined:
// entries with equal keys are emitted in the order of the scanners
// that produced them.
func NewMergeReader(scanners []hgkv.Scanner) *Reader {
	return &Reader{scanners: scanners}
}
