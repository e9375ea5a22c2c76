// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package runfile writes and reads sorted runs: the temporary files an
// external sort spills to disk between the split and merge phases.
//
// A run file is a stream of CBOR frames, one per entry, optionally wrapped
// in zstd. The writer computes an xxhash64 digest over the entries; the
// reader recomputes it and checks it, along with the entry count, when the
// run is exhausted.
package runfile

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrCorruptRun is returned when a run's contents do not match its descriptor.
	ErrCorruptRun = errors.New("run file is corrupt")
	// ErrOutOfOrder is returned when entries are appended to a run out of sort order.
	ErrOutOfOrder = errors.New("entry appended out of order")
)

// Entry is one record together with its sort key. Keyed is false for
// records the key extractor could not parse; those order ahead of every
// keyed entry.
type Entry struct {
	Keyed  bool
	Key    int64
	Record []byte
}

// Compare orders unkeyed entries first, then keyed entries by key.
// Entries that compare equal keep whatever order the caller gives them.
func Compare(a, b Entry) int {
	if a.Keyed != b.Keyed {
		if !a.Keyed {
			return -1
		}
		return 1
	}
	if !a.Keyed {
		return 0
	}
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	return 0
}

// Size is the number of bytes an entry is charged against a memory budget.
func (e Entry) Size() int64 {
	return int64(len(e.Record)) + entryOverhead
}

// entryOverhead approximates the slice header, key and flag held per entry.
const entryOverhead = 48

// Run describes a closed run file.
type Run struct {
	// Index is the order in which the run was cut from the source.
	Index int
	// Path is the filesystem path of the run file.
	Path string
	// Entries is the number of entries written.
	Entries int64
	// Bytes is the size of the file on disk.
	Bytes int64
	// Checksum is the xxhash64 digest of the entries.
	Checksum uint64
	// Compressed is true when the frames are zstd compressed.
	Compressed bool
}

type frame struct {
	_      struct{} `cbor:",toarray"`
	Keyed  bool
	Key    int64
	Record []byte
}

func hashEntry(d *xxhash.Digest, e Entry) {
	var hdr [17]byte
	if e.Keyed {
		hdr[0] = 1
	}
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(e.Key))
	binary.LittleEndian.PutUint64(hdr[9:17], uint64(len(e.Record)))
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(e.Record)
}
