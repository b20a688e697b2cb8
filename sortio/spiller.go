// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/internal/defaultsize"
	"github.com/grailbio/bigshuffle/metrics"
)

// A Spiller buffers entries in memory, combining them as they are
// added, and spills the buffer to a new segment in its directory
// whenever the buffer exceeds its target size. A Spiller is safe
// for concurrent use.
type Spiller struct {
	kind     hgkv.Kind
	combiner combiner.EntryCombiner
	target   int

	mu      sync.Mutex
	dir     *hgkv.Dir
	buf     *SortBuffer
	spilled []string
}

// NewSpiller creates a new segment directory at path and returns a
// Spiller that writes entries of the provided kind into it. If target
// is zero, defaultsize.SpillBytes is used.
func NewSpiller(path string, kind hgkv.Kind, comb combiner.EntryCombiner, target int) (*Spiller, error) {
	if target <= 0 {
		target = defaultsize.SpillBytes
	}
	if comb == nil {
		comb = combiner.Entries{}
	}
	dir, err := hgkv.CreateDir(path)
	if err != nil {
		return nil, err
	}
	return &Spiller{
		kind:     kind,
		combiner: comb,
		target:   target,
		dir:      dir,
		buf:      NewSortBuffer(comb),
	}, nil
}

// Path returns the spiller's directory.
func (s *Spiller) Path() string { return s.dir.Path() }

// Add adds an entry to the spiller, spilling the buffer if it has
// reached the target size.
func (s *Spiller) Add(e hgkv.Entry) error {
	if e.IsMulti() != (s.kind == hgkv.KindMulti) {
		return errors.E(errors.Invalid, fmt.Sprintf("sortio: spiller %s: entry %x is not a %v entry", s.dir.Path(), e.Key, s.kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Add(e); err != nil {
		return err
	}
	if s.buf.Size() < s.target {
		return nil
	}
	return s.spill()
}

// Flush spills any buffered entries.
func (s *Spiller) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	return s.spill()
}

func (s *Spiller) spill() error {
	w, err := s.dir.CreateSegment(s.kind)
	if err != nil {
		return err
	}
	if err := s.buf.WriteTo(w); err != nil {
		w.Discard()
		return err
	}
	if err := w.Seal(); err != nil {
		return err
	}
	log.Debug.Printf("sortio: spilled %d entries (%s) to %s", s.buf.Len(), data.Size(s.buf.Size()), w.Path())
	metrics.Spills.Inc()
	metrics.SpillBytes.Add(float64(s.buf.Size()))
	s.spilled = append(s.spilled, w.Path())
	s.buf.Reset()
	return nil
}

// Spilled returns the number of segments spilled so far.
func (s *Spiller) Spilled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spilled)
}

// Scanner returns a Reader that reduces all spilled segments together
// with the entries that are still buffered. Spilled segments are
// ordered before the buffer, in spill order. The returned reader
// should be closed after use.
func (s *Spiller) Scanner() (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		scanners = make([]hgkv.Scanner, 0, len(s.spilled)+1)
		closers  = make([]io.Closer, 0, len(s.spilled))
	)
	for _, path := range s.spilled {
		f, err := hgkv.Open(path)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		closers = append(closers, f)
		scanners = append(scanners, f.Scanner())
	}
	if s.buf.Len() > 0 {
		scanners = append(scanners, hgkv.SliceScanner(copyEntries(s.buf.Entries())))
	}
	r := Reduce(scanners, s.combiner)
	r.closers = closers
	return r, nil
}

func copyEntries(entries []hgkv.Entry) []hgkv.Entry {
	c := make([]hgkv.Entry, len(entries))
	for i, e := range entries {
		c[i] = e.Copy()
	}
	return c
}
