// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package defaultsize holds the default sizes used by the segment
// store and the shuffle, configured by flag.
package defaultsize

import "flag"

var (
	// IndexInterval is the number of entries between two sparse index
	// entries in a segment footer.
	IndexInterval int
	// SpillBytes is the default number of buffered entry bytes at
	// which a spiller writes a new segment.
	SpillBytes int
	// BatchBytes is the default size of a shuffle DATA message body.
	BatchBytes int
)

func init() {
	flag.IntVar(&IndexInterval, "bigshuffle-internal-index-interval", 128,
		"Number of entries between sparse index entries in segment files.")
	flag.IntVar(&SpillBytes, "bigshuffle-internal-spill-bytes", 64<<20,
		"Default number of buffered bytes at which entries are spilled to a segment.")
	flag.IntVar(&BatchBytes, "bigshuffle-internal-batch-bytes", 256<<10,
		"Default size of shuffle data messages.")
}
