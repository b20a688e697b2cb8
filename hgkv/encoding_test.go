// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"runtime"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func encode(t *testing.T, entries []Entry) []byte {
	t.Helper()
	var b bytes.Buffer
	w := NewEntryWriter(&b)
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := w.Count(), int64(len(entries)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Len(), int64(b.Len()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	return b.Bytes()
}

func TestEncodingLayout(t *testing.T) {
	p := encode(t, []Entry{{Key: []byte("a"), Value: []byte("bc")}})
	want := []byte{0, 0, 0, 1, 'a', 0, 0, 0, 2, 'b', 'c'}
	if !bytes.Equal(p, want) {
		t.Errorf("got %x, want %x", p, want)
	}

	var b bytes.Buffer
	w := NewEntryWriter(&b)
	sub, err := w.WriteMultiEntry([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.WriteSubEntry([]byte("x"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := sub.WriteSubEntry([]byte("y"), nil); err != nil {
		t.Fatal(err)
	}
	if got, want := sub.Count(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := sub.Finish(); err != nil {
		t.Fatal(err)
	}
	want = []byte{
		0, 0, 0, 1, 'k',
		0, 0, 0, 23, // subCount plus two sub-entries
		0, 0, 0, 2,
		0, 0, 0, 1, 'x', 0, 0, 0, 1, '1',
		0, 0, 0, 1, 'y', 0, 0, 0, 0,
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("got %x, want %x", b.Bytes(), want)
	}
}

func TestEncodingRoundTrip(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for _, kind := range []Kind{KindValue, KindMulti} {
		entries := makeEntries(fz, 500, kind)
		p := encode(t, entries)
		got, err := ReadAll(DecodeEntries(p, kind))
		if err != nil {
			t.Fatal(err)
		}
		checkEntries(t, got, entries)

		// Streams of unknown length end cleanly at an entry boundary.
		got, err = ReadAll(NewEntryReader(bytes.NewReader(p), kind))
		if err != nil {
			t.Fatal(err)
		}
		checkEntries(t, got, entries)
	}
}

func TestEncodingEmpty(t *testing.T) {
	r := DecodeEntries(nil, KindValue)
	if r.Scan() {
		t.Error("scanned entry from empty stream")
	}
	if err := r.Err(); err != nil {
		t.Error(err)
	}
}

func TestEncodingOffsets(t *testing.T) {
	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("bb"), Value: []byte("22")},
		{Key: []byte("c"), Value: nil},
	}
	var (
		b    bytes.Buffer
		offs []int64
	)
	w := NewEntryWriter(&b)
	w.onEntry = func(key []byte, off int64) { offs = append(offs, off) }
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}
	r := DecodeEntries(b.Bytes(), KindValue)
	for i := 0; r.Scan(); i++ {
		if got, want := r.Offset(), offs[i]; got != want {
			t.Errorf("entry %d: got %v, want %v", i, got, want)
		}
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestEncodingOrder(t *testing.T) {
	var b bytes.Buffer
	w := NewEntryWriter(&b)
	if err := w.WriteEntry([]byte("b"), nil); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"a", "b"} {
		err := w.WriteEntry([]byte(key), nil)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("key %s: expected invalid error, got %v", key, err)
		}
	}
	if got, want := string(w.LastKey()), "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	sub, err := w.WriteMultiEntry([]byte("c"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry([]byte("d"), nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error for unfinished multi entry, got %v", err)
	}
	if err := sub.WriteSubEntry([]byte("y"), nil); err != nil {
		t.Fatal(err)
	}
	if err := sub.WriteSubEntry([]byte("x"), nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error for sub-key order, got %v", err)
	}
	if err := sub.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Finish(); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error for double finish, got %v", err)
	}
	if err := w.WriteEntry([]byte("d"), nil); err != nil {
		t.Fatal(err)
	}
}

func TestEncodingTruncated(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	for _, kind := range []Kind{KindValue, KindMulti} {
		entries := makeEntries(fz, 20, kind)
		p := encode(t, entries)
		for _, n := range []int{1, 3, len(p) - 1} {
			_, err := ReadAll(DecodeEntries(p[:len(p)-n], kind))
			if !errors.Is(errors.Integrity, err) {
				t.Errorf("%v: truncated by %d: expected integrity error, got %v", kind, n, err)
			}
			_, err = ReadAll(NewEntryReader(bytes.NewReader(p[:len(p)-n]), kind))
			if !errors.Is(errors.Integrity, err) {
				t.Errorf("%v: stream truncated by %d: expected integrity error, got %v", kind, n, err)
			}
		}
	}
}

func TestEncodingLengthOverflow(t *testing.T) {
	p := []byte{0, 0, 0, 1, 'a', 0xff, 0xff, 0xff, 0xff, 'x'}
	r := DecodeEntries(p, KindValue)
	if r.Scan() {
		t.Fatal("scanned corrupt entry")
	}
	if !errors.Is(errors.Integrity, r.Err()) {
		t.Errorf("expected integrity error, got %v", r.Err())
	}
}

func TestEntryReaderStreamLengthOverflow(t *testing.T) {
	p := []byte{0, 0, 0, 1, 'a', 0xff, 0xff, 0xff, 0xf0, 'x', 'y', 'z'}
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	r := NewEntryReader(bytes.NewReader(p), KindValue)
	if r.Scan() {
		t.Fatal("scanned corrupt entry")
	}
	runtime.ReadMemStats(&after)
	if !errors.Is(errors.Integrity, r.Err()) {
		t.Errorf("expected integrity error, got %v", r.Err())
	}
	if got, max := after.TotalAlloc-before.TotalAlloc, uint64(16<<20); got > max {
		t.Errorf("allocated %d bytes decoding a truncated entry, want at most %d", got, max)
	}
}

func TestEntryReaderStreamLargeValue(t *testing.T) {
	value := bytes.Repeat([]byte("0123456789"), 350000)
	p := encode(t, []Entry{{Key: []byte("k"), Value: value}, {Key: []byte("l"), Value: []byte("v")}})
	got, err := ReadAll(NewEntryReader(bytes.NewReader(p), KindValue))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !bytes.Equal(got[0].Value, value) || string(got[1].Value) != "v" {
		t.Errorf("bad round trip of large value")
	}
}

func TestDecodeOutOfOrder(t *testing.T) {
	a := encode(t, []Entry{{Key: []byte("b"), Value: []byte("1")}})
	b := encode(t, []Entry{{Key: []byte("a"), Value: []byte("2")}})
	_, err := ReadAll(DecodeEntries(append(a, b...), KindValue))
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}
