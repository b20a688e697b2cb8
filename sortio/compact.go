// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
)

// Compact reduces all of the segments in src into a single segment
// in a new directory at dstPath, and returns the new directory. The
// source directory is left unmodified.
func Compact(src *hgkv.Dir, dstPath string, comb combiner.EntryCombiner) (*hgkv.Dir, error) {
	segments := src.Segments()
	kind := hgkv.KindValue
	if len(segments) > 0 {
		kind = segments[0].Kind()
	}
	dst, err := hgkv.CreateDir(dstPath)
	if err != nil {
		return nil, err
	}
	w, err := dst.CreateSegment(kind)
	if err != nil {
		return nil, err
	}
	r := ReduceDirs(comb, src)
	for r.Scan() {
		if err := w.Write(r.Entry()); err != nil {
			w.Discard()
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		w.Discard()
		return nil, err
	}
	if err := w.Seal(); err != nil {
		return nil, err
	}
	out, err := hgkv.OpenDir(dstPath)
	if err != nil {
		return nil, err
	}
	var before int64
	for _, seg := range segments {
		before += seg.Size()
	}
	log.Printf("sortio: compacted %d segments (%s) of %s into %s (%d entries)",
		len(segments), data.Size(before), src.Path(), dstPath, out.Count())
	return out, nil
}
