// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshuffle/combiner"
	"github.com/grailbio/bigshuffle/hgkv"
	"github.com/grailbio/testutil"
)

func kv(key, value string) hgkv.Entry {
	return hgkv.Entry{Key: []byte(key), Value: []byte(value)}
}

func scan(t *testing.T, s hgkv.Scanner) []hgkv.Entry {
	t.Helper()
	entries, err := hgkv.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func checkEntries(t *testing.T, got, want []hgkv.Entry) {
	t.Helper()
	if g, w := len(got), len(want); g != w {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			t.Errorf("entry %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReduce(t *testing.T) {
	r := Reduce([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("1", "A"), kv("3", "B")}),
		hgkv.SliceScanner([]hgkv.Entry{kv("1", "C"), kv("2", "D")}),
	}, combiner.Entries{Value: combiner.Concat})
	checkEntries(t, scan(t, r), []hgkv.Entry{kv("1", "AC"), kv("2", "D"), kv("3", "B")})
}

func TestReduceArrivalOrder(t *testing.T) {
	r := Reduce([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("k", "x"), kv("z", "1")}),
		hgkv.SliceScanner(nil),
		hgkv.SliceScanner([]hgkv.Entry{kv("a", "0"), kv("k", "y")}),
		hgkv.SliceScanner([]hgkv.Entry{kv("k", "z")}),
	}, combiner.Entries{Value: combiner.Concat})
	checkEntries(t, scan(t, r), []hgkv.Entry{kv("a", "0"), kv("k", "xyz"), kv("z", "1")})

	r = Reduce([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("k", "first")}),
		hgkv.SliceScanner([]hgkv.Entry{kv("k", "last")}),
	}, nil)
	checkEntries(t, scan(t, r), []hgkv.Entry{kv("k", "last")})
}

func TestReduceEmpty(t *testing.T) {
	r := Reduce(nil, nil)
	if r.Scan() {
		t.Error("scanned entry from empty reduction")
	}
	if err := r.Err(); err != nil {
		t.Error(err)
	}
}

type errScanner struct {
	hgkv.Scanner
	err error
}

func (e *errScanner) Err() error { return e.err }

func TestReduceError(t *testing.T) {
	bad := &errScanner{hgkv.SliceScanner([]hgkv.Entry{kv("b", "1")}), errors.E(errors.Integrity, "bad")}
	r := Reduce([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("a", "1"), kv("c", "2"), kv("d", "3")}),
		bad,
	}, nil)
	var n int
	for r.Scan() {
		n++
	}
	if got, want := n, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Integrity, r.Err()) {
		t.Errorf("expected integrity error, got %v", r.Err())
	}
	if r.Scan() {
		t.Error("scan after error")
	}

	r = Reduce([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("a", "1")}),
		hgkv.SliceScanner([]hgkv.Entry{kv("a", "12345")}),
	}, combiner.Entries{Value: combiner.LongSum})
	if r.Scan() {
		t.Error("scanned malformed entry")
	}
	if !errors.Is(errors.Invalid, r.Err()) {
		t.Errorf("expected invalid error, got %v", r.Err())
	}
}

func TestMergeReader(t *testing.T) {
	r := NewMergeReader([]hgkv.Scanner{
		hgkv.SliceScanner([]hgkv.Entry{kv("1", "A"), kv("3", "B")}),
		hgkv.SliceScanner([]hgkv.Entry{kv("1", "C"), kv("2", "D")}),
	})
	checkEntries(t, scan(t, r), []hgkv.Entry{kv("1", "A"), kv("1", "C"), kv("2", "D"), kv("3", "B")})
}

func TestReduceRandom(t *testing.T) {
	const (
		N = 5000
		M = 13
	)
	fz := fuzz.NewWithSeed(31415)
	fz.NilChance(0)
	sums := make(map[string]int64)
	runs := make([]map[string]int64, M)
	for i := range runs {
		runs[i] = make(map[string]int64)
	}
	for i := 0; i < N; i++ {
		var key []byte
		fz.Fuzz(&key)
		// Keep the key space small so that runs overlap.
		if len(key) > 2 {
			key = key[:2]
		}
		v := int64(rand.Intn(100))
		runs[rand.Intn(M)][string(key)] += v
		sums[string(key)] += v
	}
	scanners := make([]hgkv.Scanner, M)
	for i, run := range runs {
		scanners[i] = hgkv.SliceScanner(sortedLongs(run))
	}
	got := scan(t, Reduce(scanners, combiner.Entries{Value: combiner.LongSum}))
	checkEntries(t, got, sortedLongs(sums))
}

func sortedLongs(m map[string]int64) []hgkv.Entry {
	entries := make([]hgkv.Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, hgkv.Entry{Key: []byte(k), Value: hgkv.LongValue(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return entries
}

func TestReduceDirs(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var dirs []*hgkv.Dir
	for i, run := range [][]hgkv.Entry{
		{kv("a", "0"), kv("b", "1")},
		{kv("b", "2")},
		{kv("a", "3"), kv("c", "4")},
		{kv("b", "5")},
	} {
		path := filepath.Join(tmp, fmt.Sprint("dir", i/2))
		if i%2 == 0 {
			if _, err := hgkv.CreateDir(path); err != nil {
				t.Fatal(err)
			}
		}
		w, err := hgkv.Create(filepath.Join(path, hgkv.SegmentName(i%2+1)), hgkv.KindValue)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range run {
			if err := w.Write(e); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Seal(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		d, err := hgkv.OpenDir(filepath.Join(tmp, fmt.Sprint("dir", i)))
		if err != nil {
			t.Fatal(err)
		}
		defer d.Close()
		dirs = append(dirs, d)
	}
	r := ReduceDirs(combiner.Entries{Value: combiner.Concat}, dirs...)
	checkEntries(t, scan(t, r), []hgkv.Entry{kv("a", "03"), kv("b", "125"), kv("c", "4")})

	out, err := Compact(dirs[0], filepath.Join(tmp, "compacted"), combiner.Entries{Value: combiner.Concat})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if got, want := len(out.Segments()), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	checkEntries(t, scan(t, out.Segments()[0].Scanner()), []hgkv.Entry{kv("a", "0"), kv("b", "12")})
	if _, err := Compact(dirs[0], filepath.Join(tmp, "compacted"), nil); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
}
