// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bytes"
	"context"
	"fmt"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/internal/defaultsize"
	"github.com/grailbio/bigshuffle/metrics"
	"github.com/grailbio/bigshuffle/transport"
	"golang.org/x/sync/errgroup"
)

// defaultFinishParallelism bounds the number of sessions finished
// concurrently.
const defaultFinishParallelism = 16

// A Sender ships a sorted entry stream to the workers that own its
// partitions. Partition p is owned by Workers[p%len(Workers)];
// workers must be distinct. A transport connection carries one
// session at a time, so concurrent Sends must use distinct Managers.
type Sender struct {
	// Manager provides the clients used to reach workers.
	Manager *transport.ConnectionManager
	// Workers are the destination workers.
	Workers []transport.ConnectionID
	// Partitioner assigns entries to partitions.
	Partitioner Partitioner
	// Kind is the kind of the entries being sent.
	Kind hgkv.Kind
	// BatchSize is the target body size of DATA messages. If zero,
	// defaultsize.BatchBytes is used.
	BatchSize int
	// Parallelism bounds the number of sessions that are finished
	// concurrently. If zero, a default is used.
	Parallelism int
}

type batch struct {
	partition int
	client    *transport.Client
	buf       *bytes.Buffer
	w         *hgkv.EntryWriter
}

func (b *batch) reset() {
	b.buf = new(bytes.Buffer)
	b.w = hgkv.NewEntryWriter(b.buf)
}

// Send partitions the entries of the provided sorted scanner and
// ships them to their workers. Send returns after every worker has
// acknowledged all of its data. If Send fails, the connections to
// the workers are closed.
func (s *Sender) Send(ctx context.Context, scan hgkv.Scanner) (err error) {
	if len(s.Workers) == 0 {
		return errors.E(errors.Invalid, "shuffle: no workers")
	}
	if s.Partitioner == nil {
		return errors.E(errors.Invalid, "shuffle: no partitioner")
	}
	n := s.Partitioner.NumPartitions()
	if n <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("shuffle: invalid number of partitions %d", n))
	}
	seen := make(map[transport.ConnectionID]bool)
	for _, id := range s.Workers {
		if seen[id] {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle: duplicate worker %s", id))
		}
		seen[id] = true
	}
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = defaultsize.BatchBytes
	}
	clients := make([]*transport.Client, len(s.Workers))
	defer func() {
		if err == nil {
			return
		}
		for i, c := range clients {
			if c != nil {
				s.Manager.CloseClient(s.Workers[i])
			}
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.Workers {
		i := i
		g.Go(func() error {
			c, err := s.Manager.GetOrCreateClient(gctx, s.Workers[i])
			if err != nil {
				return err
			}
			clients[i] = c
			return c.StartSession(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		batches = make([]*batch, n)
		entries int64
		size    int64
	)
	for p := range batches {
		batches[p] = &batch{partition: p, client: clients[p%len(clients)]}
		batches[p].reset()
	}
	flush := func(b *batch) error {
		if b.w.Count() == 0 {
			return nil
		}
		size += b.w.Len()
		err := b.client.SendData(ctx, b.partition, s.Kind, b.buf.Bytes())
		b.reset()
		return err
	}
	for scan.Scan() {
		e := scan.Entry()
		if e.IsMulti() != (s.Kind == hgkv.KindMulti) {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle: entry %x is not a %v entry", e.Key, s.Kind))
		}
		p := s.Partitioner.Partition(e.Key)
		if p < 0 || p >= n {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle: partition %d out of range [0, %d)", p, n))
		}
		b := batches[p]
		esize := e.Size()
		if limit := b.client.MaxBodySize(); esize > limit {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle: entry %x of %d bytes exceeds the maximum message body of %d bytes", e.Key, esize, limit))
		} else if int(b.w.Len())+esize > limit {
			if err := flush(b); err != nil {
				return err
			}
		}
		if err := b.w.Write(e); err != nil {
			return err
		}
		entries++
		if b.buf.Len() >= batchSize {
			if err := flush(b); err != nil {
				return err
			}
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	for _, b := range batches {
		if err := flush(b); err != nil {
			return err
		}
	}
	metrics.EntriesShuffled.WithLabelValues("sent").Add(float64(entries))

	parallelism := s.Parallelism
	if parallelism <= 0 {
		parallelism = defaultFinishParallelism
	}
	lim := limiter.New()
	lim.Release(parallelism)
	g, gctx = errgroup.WithContext(ctx)
	for i := range clients {
		c := clients[i]
		g.Go(func() error {
			if err := lim.Acquire(gctx, 1); err != nil {
				return err
			}
			defer lim.Release(1)
			return c.FinishSession(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("shuffle: sent %d entries (%s) in %d partitions to %d workers",
		entries, data.Size(size), n, len(clients))
	return nil
}
