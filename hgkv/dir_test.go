// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func longEntries(ids ...int64) []Entry {
	entries := make([]Entry, len(ids))
	for i, id := range ids {
		entries[i] = Entry{Key: LongID(id), Value: LongValue(id)}
	}
	return entries
}

func TestDir(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmp, "dir")
	d, err := CreateDir(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.NextSegmentPath(), filepath.Join(path, "hgkv_1.hgkv"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Segment ids sort numerically, not lexically.
	for _, seg := range []struct {
		id      int
		entries []Entry
	}{
		{10, longEntries(11)},
		{2, longEntries(6, 7, 8, 10)},
		{1, longEntries(1, 3, 5)},
		{7, nil},
	} {
		writeSegment(t, filepath.Join(path, SegmentName(seg.id)), KindValue, seg.entries).Close()
	}
	for _, name := range []string{"notes.txt", "hgkv_3.hgkv.tmp", "hgkv_x.hgkv"} {
		if err := ioutil.WriteFile(filepath.Join(path, name), []byte("junk"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	d, err = OpenDir(path)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	var names []string
	for _, seg := range d.Segments() {
		names = append(names, filepath.Base(seg.Path()))
	}
	if got, want := names, []string{"hgkv_1.hgkv", "hgkv_2.hgkv", "hgkv_7.hgkv", "hgkv_10.hgkv"}; !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Count(), int64(8); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Min(), LongID(1); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	if got, want := d.Max(), LongID(11); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	if got, want := d.NextSegmentPath(), filepath.Join(path, "hgkv_11.hgkv"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	w, err := d.CreateSegment(KindValue)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w.Path(), filepath.Join(path, "hgkv_12.hgkv"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	w.Discard()
	// The opened directory is a snapshot.
	if got, want := len(d.Segments()), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDirErrors(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	if _, err := CreateDir(tmp); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if _, err := OpenDir(filepath.Join(tmp, "missing")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	file := filepath.Join(tmp, "file")
	if err := ioutil.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDir(file); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	// A directory without segments is treated as missing.
	if _, err := OpenDir(tmp); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if _, err := CreateDir(filepath.Join(tmp, "empty")); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDir(filepath.Join(tmp, "empty")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	// Corrupt segments fail the open.
	bad := filepath.Join(tmp, "bad")
	if _, err := CreateDir(bad); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(bad, SegmentName(1)), []byte("not a segment, not at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDir(bad); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestNextSegmentPathConcurrent(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	d, err := CreateDir(filepath.Join(tmp, "d"))
	if err != nil {
		t.Fatal(err)
	}
	const N = 100
	paths := make(chan string, N)
	for i := 0; i < N; i++ {
		go func() { paths <- d.NextSegmentPath() }()
	}
	seen := make(map[string]bool)
	for i := 0; i < N; i++ {
		p := <-paths
		if seen[p] {
			t.Errorf("duplicate path %s", p)
		}
		seen[p] = true
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
