// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hgkv

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
)

var segmentName = regexp.MustCompile(`^hgkv_([0-9]+)\.hgkv$`)

// SegmentName returns the file name of the segment with the provided
// id.
func SegmentName(id int) string {
	return fmt.Sprintf("hgkv_%d.hgkv", id)
}

// A Dir is a directory of segments which together form one logical,
// possibly overlapping, key space. A Dir opened with OpenDir exposes
// the segments that existed when it was opened; segments created
// through NextSegmentPath are not added to it.
type Dir struct {
	path     string
	segments []*File
	count    int64
	min, max []byte

	mu     sync.Mutex
	nextID int
}

// CreateDir creates a new, empty segment directory at the provided
// path. CreateDir returns an errors.Exists error if the path already
// exists.
func CreateDir(path string) (*Dir, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf("hgkv.CreateDir: %s already exists", path))
	} else if !os.IsNotExist(err) {
		return nil, errors.E(err, fmt.Sprintf("hgkv.CreateDir %s", path))
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.E(err, fmt.Sprintf("hgkv.CreateDir %s", path))
	}
	return &Dir{path: path, nextID: 1}, nil
}

// OpenDir opens the segment directory at the provided path. Only
// files matching the segment naming pattern are considered; OpenDir
// returns an errors.NotExist error if there are none.
func OpenDir(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("hgkv.OpenDir: %s does not exist", path))
		}
		return nil, errors.E(err, fmt.Sprintf("hgkv.OpenDir %s", path))
	}
	if !info.IsDir() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("hgkv.OpenDir: %s is not a directory", path))
	}
	infos, err := ioutil.ReadDir(path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("hgkv.OpenDir %s", path))
	}
	var (
		ids   []int
		names []string
	)
	for _, info := range infos {
		m := segmentName.FindStringSubmatch(info.Name())
		if m == nil || info.IsDir() {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("hgkv.OpenDir: bad segment id in %s", info.Name()), err)
		}
		ids = append(ids, id)
		names = append(names, info.Name())
	}
	if len(ids) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("hgkv.OpenDir: no segments in %s", path))
	}
	segments := make([]*File, len(ids))
	err = traverse.Each(len(ids), func(i int) error {
		var err error
		segments[i], err = Open(filepath.Join(path, names[i]))
		return err
	})
	if err != nil {
		for _, seg := range segments {
			if seg != nil {
				seg.Close()
			}
		}
		return nil, err
	}
	sort.Sort(byID{ids, segments})
	d := &Dir{path: path, segments: segments, nextID: ids[len(ids)-1] + 1}
	for _, seg := range segments {
		d.count += seg.Count()
		if min := seg.Min(); min != nil && (d.min == nil || bytes.Compare(min, d.min) < 0) {
			d.min = min
		}
		if max := seg.Max(); max != nil && (d.max == nil || bytes.Compare(max, d.max) > 0) {
			d.max = max
		}
	}
	return d, nil
}

type byID struct {
	ids      []int
	segments []*File
}

func (b byID) Len() int           { return len(b.ids) }
func (b byID) Less(i, j int) bool { return b.ids[i] < b.ids[j] }
func (b byID) Swap(i, j int) {
	b.ids[i], b.ids[j] = b.ids[j], b.ids[i]
	b.segments[i], b.segments[j] = b.segments[j], b.segments[i]
}

// Path returns the directory's path.
func (d *Dir) Path() string { return d.path }

// Segments returns the directory's segments in id order.
func (d *Dir) Segments() []*File {
	segments := make([]*File, len(d.segments))
	copy(segments, d.segments)
	return segments
}

// Count returns the total number of entries across all segments.
func (d *Dir) Count() int64 { return d.count }

// Min returns the smallest key across all segments, or nil if every
// segment is empty.
func (d *Dir) Min() []byte { return d.min }

// Max returns the largest key across all segments, or nil if every
// segment is empty.
func (d *Dir) Max() []byte { return d.max }

// NextSegmentPath returns the path for a new segment in this
// directory. Each call returns a distinct path.
func (d *Dir) NextSegmentPath() string {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.mu.Unlock()
	return filepath.Join(d.path, SegmentName(id))
}

// CreateSegment creates a writer for the next segment in the
// directory.
func (d *Dir) CreateSegment(kind Kind) (*Writer, error) {
	return Create(d.NextSegmentPath(), kind)
}

// Close closes all of the directory's opened segments.
func (d *Dir) Close() error {
	var err error
	for _, seg := range d.segments {
		if e := seg.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
