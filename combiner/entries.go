// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combiner

import (
	"bytes"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshuffle/hgkv"
)

// An EntryCombiner folds two entries with the same key into one.
type EntryCombiner interface {
	Combine(a, b hgkv.Entry) (hgkv.Entry, error)
}

// Entries combines whole entries. Value entries are combined with
// Value; multi entries are merged by sub-key, and sub-entries that
// share a sub-key are combined with Sub. A nil combiner behaves as
// Overwrite.
type Entries struct {
	Value, Sub Combiner
}

// Combine folds b into a, which must share a key. The result does not
// alias either argument.
func (c Entries) Combine(a, b hgkv.Entry) (hgkv.Entry, error) {
	if !bytes.Equal(a.Key, b.Key) {
		return hgkv.Entry{}, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("combiner: cannot combine entries with different keys %x and %x", a.Key, b.Key))
	}
	if a.IsMulti() != b.IsMulti() {
		return hgkv.Entry{}, errors.E(errors.Invalid,
			fmt.Sprintf("combiner: key %x: cannot combine value and multi entries", a.Key))
	}
	if !a.IsMulti() {
		value, err := combine(c.Value, a.Value, b.Value)
		if err != nil {
			return hgkv.Entry{}, errors.E(fmt.Sprintf("combiner: key %x", a.Key), err)
		}
		return hgkv.Entry{Key: clone(a.Key), Value: value}, nil
	}
	subs := make([]hgkv.SubEntry, 0, len(a.Subs)+len(b.Subs))
	i, j := 0, 0
	for i < len(a.Subs) || j < len(b.Subs) {
		var x int
		switch {
		case i == len(a.Subs):
			x = 1
		case j == len(b.Subs):
			x = -1
		default:
			x = bytes.Compare(a.Subs[i].Key, b.Subs[j].Key)
		}
		switch {
		case x < 0:
			subs = append(subs, copySub(a.Subs[i]))
			i++
		case x > 0:
			subs = append(subs, copySub(b.Subs[j]))
			j++
		default:
			value, err := combine(c.Sub, a.Subs[i].Value, b.Subs[j].Value)
			if err != nil {
				return hgkv.Entry{}, errors.E(fmt.Sprintf("combiner: key %x: sub-key %x", a.Key, a.Subs[i].Key), err)
			}
			subs = append(subs, hgkv.SubEntry{Key: clone(a.Subs[i].Key), Value: value})
			i++
			j++
		}
	}
	return hgkv.Entry{Key: clone(a.Key), Subs: subs}, nil
}

func combine(c Combiner, v1, v2 []byte) ([]byte, error) {
	if c == nil {
		return clone(v2), nil
	}
	v, err := c.Combine(v1, v2)
	if err != nil {
		return nil, err
	}
	// Combiners may return one of their arguments.
	return clone(v), nil
}

func copySub(s hgkv.SubEntry) hgkv.SubEntry {
	return hgkv.SubEntry{Key: clone(s.Key), Value: clone(s.Value)}
}

func clone(p []byte) []byte {
	c := make([]byte, len(p))
	copy(c, p)
	return c
}
