// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command shufflebench runs an in-process shuffle between a set of
// local workers over the network transport and reports its
// throughput. The transport is configured by the bigshuffle profile;
// see package shuffleconfig.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/shuffle"
	"github.com/grailbio/bigshuffle/shuffleconfig"
	"github.com/grailbio/bigshuffle/transport"
)

var (
	nworker    = flag.Int("workers", 4, "number of workers")
	nsender    = flag.Int("senders", 4, "number of concurrent senders")
	npartition = flag.Int("partitions", 16, "number of partitions")
	nentry     = flag.Int("entries", 1000000, "entries sent by each sender")
	keyspace   = flag.Int64("keys", 100000, "number of distinct keys")
	spill      = flag.Int("spill", 0, "receiver spill target in bytes; 0 for the default")
)

func main() {
	conf := shuffleconfig.Parse()
	conf.ServerPort = 0
	dir, err := ioutil.TempDir("", "shufflebench")
	must.Nil(err)
	defer os.RemoveAll(dir)

	comb := combiner.Entries{Value: combiner.LongSum}
	var (
		receivers = make([]*shuffle.Receiver, *nworker)
		workers   = make([]transport.ConnectionID, *nworker)
		managers  = make([]*transport.ConnectionManager, *nworker)
	)
	for i := range receivers {
		receivers[i] = shuffle.NewReceiver(filepath.Join(dir, fmt.Sprint(i)), hgkv.KindValue, comb, *spill)
		managers[i] = new(transport.ConnectionManager)
		port, err := managers[i].StartServer(conf, receivers[i])
		must.Nil(err)
		workers[i], err = transport.ParseConnectionIDIndex(conf.ServerHost, port, i)
		must.Nil(err)
	}
	ctx := context.Background()
	start := time.Now()
	// Each sender owns its connections, since a connection carries one
	// session at a time.
	err = traverse.Each(*nsender, func(i int) error {
		client := new(transport.ConnectionManager)
		if err := client.InitClientManager(conf, transport.LogHandler{}); err != nil {
			return err
		}
		defer client.Shutdown()
		s := &shuffle.Sender{
			Manager:     client,
			Workers:     workers,
			Partitioner: shuffle.HashPartitioner(*npartition),
			Kind:        hgkv.KindValue,
		}
		return s.Send(ctx, hgkv.SliceScanner(generate(int64(i))))
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range receivers {
		must.Nil(r.Wait(ctx, *nsender))
	}
	elapsed := time.Since(start)

	var (
		entries int64
		sum     int64
	)
	for _, r := range receivers {
		for _, p := range r.Partitions() {
			s, err := r.Scanner(p)
			must.Nil(err)
			for s.Scan() {
				v, err := hgkv.ValueLong(s.Entry().Value)
				must.Nil(err)
				entries++
				sum += v
			}
			must.Nil(s.Err())
			must.Nil(s.Close())
		}
	}
	for _, m := range managers {
		m.Shutdown()
	}
	total := int64(*nsender) * int64(*nentry)
	if sum != total {
		log.Fatalf("combined count %d, expected %d", sum, total)
	}
	size := data.Size(total * int64(8+8+8))
	fmt.Printf("shuffled %d entries (%s) into %d keys in %s (%s/s)\n",
		total, size, entries, elapsed, data.Size(float64(size)/elapsed.Seconds()))
}

// generate returns a sorted run of distinct keys, each counting the
// number of times it was drawn.
func generate(seed int64) []hgkv.Entry {
	var (
		r      = rand.New(rand.NewSource(seed))
		counts = make(map[int64]int64)
	)
	for i := 0; i < *nentry; i++ {
		counts[r.Int63n(*keyspace)]++
	}
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	entries := make([]hgkv.Entry, len(keys))
	for i, k := range keys {
		entries[i] = hgkv.Entry{Key: hgkv.LongID(k), Value: hgkv.LongValue(counts[k])}
	}
	return entries
}
