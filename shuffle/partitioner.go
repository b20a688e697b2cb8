// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle moves sorted entries between workers: a Sender
// partitions a sorted stream and ships each partition to its owning
// worker; a Receiver collects the partitions it owns into combining
// spillers.
package shuffle

import (
	"bytes"
	"sort"

	"github.com/spaolacci/murmur3"
)

// A Partitioner assigns keys to partitions.
type Partitioner interface {
	// NumPartitions returns the number of partitions.
	NumPartitions() int
	// Partition returns the partition of the provided key.
	Partition(key []byte) int
}

// hashSeed decorrelates shuffle partitioning from hashing performed
// by other layers.
const hashSeed = 0x6867

// HashPartitioner partitions keys by their murmur3 hash into the
// given number of partitions, which must be positive.
type HashPartitioner int

// NumPartitions implements Partitioner.
func (n HashPartitioner) NumPartitions() int { return int(n) }

// Partition implements Partitioner.
func (n HashPartitioner) Partition(key []byte) int {
	return int(murmur3.Sum32WithSeed(key, hashSeed) % uint32(n))
}

// RangePartitioner partitions keys by range. Partition i holds the
// keys in [Bounds[i-1], Bounds[i]); the last partition holds all keys
// greater than or equal to the last bound. Bounds must be sorted.
type RangePartitioner struct {
	Bounds [][]byte
}

// NumPartitions implements Partitioner.
func (r RangePartitioner) NumPartitions() int { return len(r.Bounds) + 1 }

// Partition implements Partitioner.
func (r RangePartitioner) Partition(key []byte) int {
	return sort.Search(len(r.Bounds), func(i int) bool {
		return bytes.Compare(key, r.Bounds[i]) < 0
	})
}
