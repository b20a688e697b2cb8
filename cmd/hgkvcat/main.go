// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command hgkvcat prints the contents of hgkv segment files and
// segment directories.
//
// Usage:
//
//	hgkvcat [-info] [-seek key] [-n limit] [-merge] path...
//
// Each path may be a segment file or a segment directory. Keys and
// values are printed in hex. With -merge, the entries of all provided
// paths are merged into a single sorted stream; entries with equal
// keys are combined, later paths overwriting earlier ones.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/bigshuffle/sortio"
)

var (
	info  = flag.Bool("info", false, "print segment metadata only")
	seek  = flag.String("seek", "", "start at the first key at or after this hex-encoded key")
	limit = flag.Int("n", 0, "print at most n entries per path; 0 for no limit")
	merge = flag.Bool("merge", false, "merge all paths into a single stream")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hgkvcat [flags] path...\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	key, err := hex.DecodeString(*seek)
	if err != nil {
		log.Fatalf("bad -seek key %q: %v", *seek, err)
	}
	w := bufio.NewWriter(os.Stdout)
	defer func() {
		must.Nil(w.Flush())
	}()

	var segments []*hgkv.File
	for _, path := range flag.Args() {
		segs, err := open(path)
		if err != nil {
			log.Fatal(err)
		}
		segments = append(segments, segs...)
	}
	defer func() {
		for _, seg := range segments {
			must.Nil(seg.Close())
		}
	}()
	if *info {
		for _, seg := range segments {
			fmt.Fprintf(w, "%s\tkind=%v\tcount=%d\tsize=%d\tmin=%x\tmax=%x\n",
				seg.Path(), seg.Kind(), seg.Count(), seg.Size(), seg.Min(), seg.Max())
		}
		return
	}
	if *merge {
		scanners := make([]hgkv.Scanner, len(segments))
		for i, seg := range segments {
			scanners[i] = scanner(seg, key)
		}
		r := sortio.Reduce(scanners, nil)
		must.Nil(dump(w, r))
		must.Nil(r.Close())
		return
	}
	for _, seg := range segments {
		if len(segments) > 1 {
			fmt.Fprintf(w, "# %s\n", seg.Path())
		}
		if err := dump(w, scanner(seg, key)); err != nil {
			log.Fatal(err)
		}
	}
}

func open(path string) ([]*hgkv.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		seg, err := hgkv.Open(path)
		if err != nil {
			return nil, err
		}
		return []*hgkv.File{seg}, nil
	}
	dir, err := hgkv.OpenDir(path)
	if err != nil {
		return nil, err
	}
	return dir.Segments(), nil
}

func scanner(seg *hgkv.File, key []byte) hgkv.Scanner {
	if len(key) == 0 {
		return seg.Scanner()
	}
	return seg.Seek(key)
}

func dump(w *bufio.Writer, s hgkv.Scanner) error {
	for n := 0; (*limit == 0 || n < *limit) && s.Scan(); n++ {
		if _, err := fmt.Fprintln(w, s.Entry()); err != nil {
			return err
		}
	}
	return s.Err()
}
