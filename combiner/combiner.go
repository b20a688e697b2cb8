// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package combiner defines the associative functions used to fold
// together entries that share a key, both while merging sorted runs
// and while buffering entries in memory.
package combiner

import (
	"math"

	"github.com/grailbio/bigshuffle/hgkv"
)

// A Combiner folds two values for the same key into one. Combiners
// must be associative; v1 is the value that arrived first. Combine
// must not retain or mutate its arguments.
type Combiner interface {
	Combine(v1, v2 []byte) ([]byte, error)
}

// Func adapts an ordinary function to a Combiner.
type Func func(v1, v2 []byte) ([]byte, error)

// Combine implements Combiner.
func (f Func) Combine(v1, v2 []byte) ([]byte, error) { return f(v1, v2) }

var (
	// IntSum adds int32 values.
	IntSum Combiner = Func(intSum)
	// LongSum adds int64 values.
	LongSum Combiner = longOp(func(a, b int64) int64 { return a + b })
	// LongMin keeps the smaller of two int64 values.
	LongMin Combiner = longOp(func(a, b int64) int64 {
		if b < a {
			return b
		}
		return a
	})
	// LongMax keeps the larger of two int64 values.
	LongMax Combiner = longOp(func(a, b int64) int64 {
		if b > a {
			return b
		}
		return a
	})
	// DoubleSum adds float64 values.
	DoubleSum Combiner = doubleOp(func(a, b float64) float64 { return a + b })
	// DoubleMin keeps the smaller of two float64 values.
	DoubleMin Combiner = doubleOp(math.Min)
	// DoubleMax keeps the larger of two float64 values.
	DoubleMax Combiner = doubleOp(math.Max)

	// Overwrite keeps the value that arrived last. It is only
	// deterministic when the arrival order of values is.
	Overwrite Combiner = Func(func(v1, v2 []byte) ([]byte, error) { return v2, nil })

	// Concat appends the second value to the first.
	Concat Combiner = Func(func(v1, v2 []byte) ([]byte, error) {
		p := make([]byte, 0, len(v1)+len(v2))
		return append(append(p, v1...), v2...), nil
	})
)

func intSum(v1, v2 []byte) ([]byte, error) {
	a, err := hgkv.ValueInt(v1)
	if err != nil {
		return nil, err
	}
	b, err := hgkv.ValueInt(v2)
	if err != nil {
		return nil, err
	}
	return hgkv.IntValue(a + b), nil
}

func longOp(op func(a, b int64) int64) Combiner {
	return Func(func(v1, v2 []byte) ([]byte, error) {
		a, err := hgkv.ValueLong(v1)
		if err != nil {
			return nil, err
		}
		b, err := hgkv.ValueLong(v2)
		if err != nil {
			return nil, err
		}
		return hgkv.LongValue(op(a, b)), nil
	})
}

func doubleOp(op func(a, b float64) float64) Combiner {
	return Func(func(v1, v2 []byte) ([]byte, error) {
		a, err := hgkv.ValueDouble(v1)
		if err != nil {
			return nil, err
		}
		b, err := hgkv.ValueDouble(v2)
		if err != nil {
			return nil, err
		}
		return hgkv.DoubleValue(op(a, b)), nil
	})
}
