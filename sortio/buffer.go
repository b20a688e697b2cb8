// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"

	"github.com/google/btree"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/metrics"
)

const btreeDegree = 32

type item struct{ hgkv.Entry }

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.Key, b.(item).Key) < 0
}

// A SortBuffer is an in-memory, sorted set of entries. Entries added
// with a key that is already present are combined with the existing
// entry.
type SortBuffer struct {
	tree     *btree.BTree
	combiner combiner.EntryCombiner
	size     int
}

// NewSortBuffer returns a new, empty SortBuffer that combines entries
// with the provided combiner. If comb is nil, later entries replace
// earlier ones.
func NewSortBuffer(comb combiner.EntryCombiner) *SortBuffer {
	if comb == nil {
		comb = combiner.Entries{}
	}
	return &SortBuffer{tree: btree.New(btreeDegree), combiner: comb}
}

// Add adds a copy of the provided entry to the buffer.
func (b *SortBuffer) Add(e hgkv.Entry) error {
	if old := b.tree.Get(item{e}); old != nil {
		prev := old.(item).Entry
		combined, err := b.combiner.Combine(prev, e)
		if err != nil {
			return err
		}
		b.size += combined.Size() - prev.Size()
		b.tree.ReplaceOrInsert(item{combined})
		metrics.EntriesCombined.Inc()
		return nil
	}
	e = e.Copy()
	b.size += e.Size()
	b.tree.ReplaceOrInsert(item{e})
	return nil
}

// Len returns the number of distinct keys in the buffer.
func (b *SortBuffer) Len() int { return b.tree.Len() }

// Size returns the encoded size of the buffered entries.
func (b *SortBuffer) Size() int { return b.size }

// Entries returns the buffered entries in key order. The entries are
// owned by the buffer.
func (b *SortBuffer) Entries() []hgkv.Entry {
	entries := make([]hgkv.Entry, 0, b.tree.Len())
	b.tree.Ascend(func(i btree.Item) bool {
		entries = append(entries, i.(item).Entry)
		return true
	})
	return entries
}

// Scanner returns a scanner over a snapshot of the buffer's entries.
func (b *SortBuffer) Scanner() hgkv.Scanner {
	return hgkv.SliceScanner(b.Entries())
}

// WriteTo appends the buffered entries, in order, to the provided
// segment writer.
func (b *SortBuffer) WriteTo(w *hgkv.Writer) error {
	var err error
	b.tree.Ascend(func(i btree.Item) bool {
		err = w.Write(i.(item).Entry)
		return err == nil
	})
	return err
}

// Reset empties the buffer.
func (b *SortBuffer) Reset() {
	b.tree.Clear(false)
	b.size = 0
}
