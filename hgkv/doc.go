// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package hgkv implements the sorted key-value segment files used to
	spill and exchange shuffle data between supersteps. A segment is an
	immutable, sorted run of entries, produced by a single Writer that
	appends keys in strictly increasing (lexicographic) order and then
	seals the file. Segments are grouped into directories (Dir), which
	together form one logical key space.

	Entries come in two kinds. A value entry carries a single value;
	a multi entry carries an ordered sequence of sub-entries (for
	example a vertex and its outgoing edges). All integers are
	big-endian:

		valueEntry :=
			keyLen:      uint32
			key:         uint8[keyLen]
			valueLen:    uint32
			value:       uint8[valueLen]
		multiEntry :=
			keyLen:      uint32
			key:         uint8[keyLen]
			totalSubLen: uint32           // bytes following this field
			subCount:    uint32
			subEntry*
		subEntry :=
			subKeyLen:   uint32
			subKey:      uint8[subKeyLen]
			subValueLen: uint32
			subValue:    uint8[subValueLen]

	Since totalSubLen and subCount are not known until all sub-entries
	have been written, multi entries are built in two phases: the
	sub-entries are buffered and the prefix is filled in when the entry
	is finished.

	A segment file is a fixed header, followed by the entries of the
	segment, followed by a footer and a trailer:

		segment := header entry* footer trailer
		header :=
			magic:     uint32           // "hgkv"
			version:   uint32
			kind:      uint8            // 0: value entries, 1: multi entries
			reserved:  uint8[3]
		footer :=
			crc32:     uint32           // IEEE crc32 of the entry data
			count:     uint64
			dataLen:   uint64
			minLen:    uint32
			min:       uint8[minLen]
			maxLen:    uint32
			max:       uint8[maxLen]
			nindex:    uint32
			indexEntry*
		indexEntry :=
			keyLen:    uint32
			key:       uint8[keyLen]
			offset:    uint64           // offset of the entry in the file
		trailer :=
			footerLen: uint32
			footerCRC: uint32           // IEEE crc32 of the footer
			magic:     uint32

	The footer is only written when the segment is sealed; until then
	the segment lives in a temporary file that does not match the
	segment naming pattern, so that readers never observe partially
	written segments.

	The footer's sparse index records the position of every n-th entry,
	so that a reader can seek close to a key without scanning the full
	segment.
*/
package hgkv
