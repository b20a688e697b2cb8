// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshuffle/internal/defaultsize"
	"github.com/grailbio/testutil"
)

func writeSegment(t *testing.T, path string, kind Kind, entries []Entry) *File {
	t.Helper()
	w, err := Create(path, kind)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Seal(); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSegment(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	save := defaultsize.IndexInterval
	defaultsize.IndexInterval = 7
	defer func() { defaultsize.IndexInterval = save }()

	fz := fuzz.NewWithSeed(123)
	for _, kind := range []Kind{KindValue, KindMulti} {
		entries := makeEntries(fz, 1000, kind)
		f := writeSegment(t, filepath.Join(dir, "segment."+kind.String()), kind, entries)
		if got, want := f.Kind(), kind; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := f.Count(), int64(len(entries)); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := f.Min(), entries[0].Key; !bytes.Equal(got, want) {
			t.Errorf("got %x, want %x", got, want)
		}
		if got, want := f.Max(), entries[len(entries)-1].Key; !bytes.Equal(got, want) {
			t.Errorf("got %x, want %x", got, want)
		}
		if got, want := len(f.index), (len(entries)+6)/7; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		got, err := ReadAll(f.Scanner())
		if err != nil {
			t.Fatal(err)
		}
		checkEntries(t, got, entries)

		// Scanners are independent.
		got, err = ReadAll(f.Scanner())
		if err != nil {
			t.Fatal(err)
		}
		checkEntries(t, got, entries)

		for _, i := range rand.Perm(len(entries))[:100] {
			s := f.Seek(entries[i].Key)
			if !s.Scan() {
				t.Fatalf("seek %d: no entry: %v", i, s.Err())
			}
			if got, want := s.Entry(), entries[i]; !got.Equal(want) {
				t.Errorf("seek %d: got %v, want %v", i, got, want)
			}
			rest, err := ReadAll(s)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := len(rest), len(entries)-i-1; got != want {
				t.Errorf("seek %d: got %v, want %v", i, got, want)
			}
		}
		bigKey := append(append([]byte{}, f.Max()...), 0)
		if s := f.Seek(bigKey); s.Scan() {
			t.Error("scanned past the largest key")
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSegmentEmpty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := writeSegment(t, filepath.Join(dir, "empty"), KindValue, nil)
	defer f.Close()
	if f.Min() != nil || f.Max() != nil {
		t.Errorf("got min %x, max %x, want nil", f.Min(), f.Max())
	}
	if got, want := f.Count(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	s := f.Scanner()
	if s.Scan() {
		t.Error("scanned entry from empty segment")
	}
	if err := s.Err(); err != nil {
		t.Error(err)
	}
}

func TestSegmentExists(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "seg")
	writeSegment(t, path, KindValue, nil).Close()
	if _, err := Create(path, KindValue); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if _, err := Open(filepath.Join(dir, "missing")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestSegmentUnsealed(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "seg")
	w, err := Create(path, KindValue)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if err := w.Append([]byte("a"), []byte("2")); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := w.AppendMulti([]byte("b"), nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error for kind mismatch, got %v", err)
	}
	w.Discard()
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(infos), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSegmentSealUnfinished(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "seg")
	w, err := Create(path, KindMulti)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := w.WriteMultiEntry([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.WriteSubEntry([]byte("x"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Seal(); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("segment exists after failed seal: %v", err)
	}
}

func TestSegmentCorrupt(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fz := fuzz.NewWithSeed(99)
	entries := makeEntries(fz, 100, KindValue)
	path := filepath.Join(dir, "seg")
	writeSegment(t, path, KindValue, entries).Close()
	orig, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	corrupt := func(name string, off int) string {
		p := append([]byte{}, orig...)
		p[off] ^= 0xff
		path := filepath.Join(dir, name)
		if err := ioutil.WriteFile(path, p, 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	for _, c := range []struct {
		name string
		off  int
	}{
		{"header-magic", 0},
		{"version", 7},
		{"trailer-magic", len(orig) - 1},
		{"footer", len(orig) - trailerSize - 1},
		{"footer-crc", len(orig) - 5},
	} {
		if _, err := Open(corrupt(c.name, c.off)); !errors.Is(errors.Integrity, err) {
			t.Errorf("%s: expected integrity error, got %v", c.name, err)
		}
	}

	// Data corruption is detected while scanning.
	f, err := Open(corrupt("data", headerSize+len(orig)/4))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := ReadAll(f.Scanner()); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}

	if err := ioutil.WriteFile(filepath.Join(dir, "short"), orig[:10], 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Join(dir, "short")); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}
