// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"math"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

// makeEntries returns n fuzzed entries of the given kind with
// distinct keys, in key order.
func makeEntries(fz *fuzz.Fuzzer, n int, kind Kind) []Entry {
	fz.NilChance(0)
	seen := make(map[string]bool)
	entries := make([]Entry, 0, n)
	for len(entries) < n {
		var e Entry
		fz.Fuzz(&e.Key)
		if seen[string(e.Key)] {
			continue
		}
		seen[string(e.Key)] = true
		switch kind {
		case KindValue:
			fz.Fuzz(&e.Value)
		case KindMulti:
			subs := make(map[string][]byte)
			fz.Fuzz(&subs)
			e.Subs = []SubEntry{}
			for k, v := range subs {
				e.Subs = append(e.Subs, SubEntry{[]byte(k), v})
			}
			sort.Slice(e.Subs, func(i, j int) bool {
				return bytes.Compare(e.Subs[i].Key, e.Subs[j].Key) < 0
			})
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return entries
}

func checkEntries(t *testing.T, got, want []Entry) {
	t.Helper()
	if g, w := len(got), len(want); g != w {
		t.Fatalf("got %v entries, want %v", g, w)
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			t.Errorf("entry %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLongIDOrder(t *testing.T) {
	ids := []int64{math.MinInt64, -1 << 40, -2, -1, 0, 1, 2, 255, 256, 1 << 40, math.MaxInt64}
	for i := 1; i < len(ids); i++ {
		if bytes.Compare(LongID(ids[i-1]), LongID(ids[i])) >= 0 {
			t.Errorf("LongID(%d) >= LongID(%d)", ids[i-1], ids[i])
		}
	}
	for _, id := range ids {
		got, err := IDToLong(LongID(id))
		if err != nil {
			t.Fatal(err)
		}
		if got != id {
			t.Errorf("got %v, want %v", got, id)
		}
	}
	if _, err := IDToLong([]byte{1, 2, 3}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestValues(t *testing.T) {
	if v, err := ValueInt(IntValue(-7)); err != nil || v != -7 {
		t.Errorf("got %v, %v, want -7", v, err)
	}
	if v, err := ValueLong(LongValue(1 << 50)); err != nil || v != 1<<50 {
		t.Errorf("got %v, %v, want %v", v, err, int64(1<<50))
	}
	if v, err := ValueDouble(DoubleValue(2.5)); err != nil || v != 2.5 {
		t.Errorf("got %v, %v, want 2.5", v, err)
	}
	if _, err := ValueInt(LongValue(1)); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := ValueLong(IntValue(1)); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := ValueDouble(nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestEntryEqual(t *testing.T) {
	var (
		v = Entry{Key: []byte("k"), Value: []byte("v")}
		m = Entry{Key: []byte("k"), Subs: []SubEntry{}}
	)
	if !v.Equal(v.Copy()) {
		t.Error("copy not equal")
	}
	if v.Equal(m) || m.Equal(v) {
		t.Error("value entry equal to multi entry")
	}
	if got, want := m.Copy().IsMulti(), true; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
