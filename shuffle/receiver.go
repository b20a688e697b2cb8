// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/metrics"
	"github.com/grailbio/bigshuffle/sortio"
	"github.com/grailbio/bigshuffle/transport"
)

// A Receiver is a transport.MessageHandler that collects the entries
// it receives into one combining spiller per partition, rooted at a
// base directory.
type Receiver struct {
	transport.LogHandler

	base     string
	kind     hgkv.Kind
	combiner combiner.EntryCombiner
	target   int

	mu       sync.Mutex
	cond     *ctxsync.Cond
	spillers map[int]*sortio.Spiller
	finished int
}

// NewReceiver returns a Receiver that spills entries of the provided
// kind below base, combining entries with the same key. Spill
// segments target spillTarget bytes; zero selects the default.
func NewReceiver(base string, kind hgkv.Kind, comb combiner.EntryCombiner, spillTarget int) *Receiver {
	r := &Receiver{
		base:     base,
		kind:     kind,
		combiner: comb,
		target:   spillTarget,
		spillers: make(map[int]*sortio.Spiller),
	}
	r.cond = ctxsync.NewCond(&r.mu)
	return r
}

// Handle implements transport.MessageHandler.
func (r *Receiver) Handle(id transport.ConnectionID, m transport.Message) error {
	switch m.Type {
	case transport.Start:
		log.Debug.Printf("shuffle: %s: session started", id)
	case transport.Data:
		return r.receive(m)
	case transport.Finish:
		r.mu.Lock()
		r.finished++
		r.cond.Broadcast()
		r.mu.Unlock()
		log.Debug.Printf("shuffle: %s: session finished", id)
	}
	return nil
}

func (r *Receiver) receive(m transport.Message) error {
	if m.Kind != r.kind {
		return errors.E(errors.Invalid, fmt.Sprintf("shuffle: received %v entries, expected %v", m.Kind, r.kind))
	}
	// The body is decoded in full before any entry is added, so that a
	// failed message leaves no partial state behind.
	entries, err := hgkv.ReadAll(hgkv.DecodeEntries(m.Body, m.Kind))
	if err != nil {
		return err
	}
	s, err := r.spiller(int(m.Partition))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	metrics.EntriesShuffled.WithLabelValues("received").Add(float64(len(entries)))
	return nil
}

func (r *Receiver) spiller(partition int) (*sortio.Spiller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.spillers[partition]; s != nil {
		return s, nil
	}
	s, err := sortio.NewSpiller(r.partitionPath(partition), r.kind, r.combiner, r.target)
	if err != nil {
		return nil, err
	}
	r.spillers[partition] = s
	return s, nil
}

func (r *Receiver) partitionPath(partition int) string {
	return filepath.Join(r.base, fmt.Sprintf("partition-%d", partition))
}

// Finished returns the number of sessions finished so far.
func (r *Receiver) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Wait blocks until n sessions have finished or the context is done.
func (r *Receiver) Wait(ctx context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.finished < n {
		if err := r.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Partitions returns the partitions for which data has been
// received, in increasing order.
func (r *Receiver) Partitions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	partitions := make([]int, 0, len(r.spillers))
	for p := range r.spillers {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)
	return partitions
}

// Scanner returns the combined, sorted entries received for the
// provided partition. The returned reader should be closed after use.
func (r *Receiver) Scanner(partition int) (*sortio.Reader, error) {
	r.mu.Lock()
	s := r.spillers[partition]
	r.mu.Unlock()
	if s == nil {
		return sortio.Reduce(nil, r.combiner), nil
	}
	return s.Scanner()
}

// Flush spills all buffered entries to disk.
func (r *Receiver) Flush() error {
	r.mu.Lock()
	spillers := make([]*sortio.Spiller, 0, len(r.spillers))
	for _, s := range r.spillers {
		spillers = append(spillers, s)
	}
	r.mu.Unlock()
	for _, s := range spillers {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}
