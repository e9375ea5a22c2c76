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

package runfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	cbor2 "github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/cardinalhq/tracesort/internal/cbor"
)

const ioBufferSize = 256 * 1024

// Spiller creates, opens and removes run files inside a single directory.
type Spiller struct {
	dir      string
	config   *cbor.Config
	compress bool
}

// NewSpiller returns a Spiller that keeps its runs in dir.
func NewSpiller(dir string, compress bool) (*Spiller, error) {
	config, err := cbor.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR config: %w", err)
	}
	return &Spiller{
		dir:      dir,
		config:   config,
		compress: compress,
	}, nil
}

// Dir returns the directory runs are written to.
func (s *Spiller) Dir() string { return s.dir }

// PathFor returns the file name used for the run with the given index.
func (s *Spiller) PathFor(index int) string {
	name := fmt.Sprintf("run-%06d.cbor", index)
	if s.compress {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

// WriteRun writes already sorted entries to a new run file. On error the
// partial file is removed.
func (s *Spiller) WriteRun(index int, entries []Entry) (*Run, error) {
	w, err := s.Create(index)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			_ = w.Abort()
			return nil, err
		}
	}
	run, err := w.Close()
	if err != nil {
		_ = w.Abort()
		return nil, err
	}
	return run, nil
}

// Create opens a new run file for writing.
func (s *Spiller) Create(index int) (*Writer, error) {
	path := s.PathFor(index)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create run file: %w", err)
	}

	w := &Writer{
		file:   file,
		buf:    bufio.NewWriterSize(file, ioBufferSize),
		digest: xxhash.New(),
		run: Run{
			Index:      index,
			Path:       path,
			Compressed: s.compress,
		},
	}
	var sink io.Writer = w.buf
	if s.compress {
		zw, err := zstd.NewWriter(w.buf,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w.zw = zw
		sink = zw
	}
	w.enc = s.config.NewEncoder(sink)
	return w, nil
}

// Open opens a closed run for reading.
func (s *Spiller) Open(run *Run) (*Reader, error) {
	file, err := os.Open(run.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file %s: %w", run.Path, err)
	}

	r := &Reader{
		file:   file,
		run:    run,
		digest: xxhash.New(),
	}
	var src io.Reader = bufio.NewReaderSize(file, ioBufferSize)
	if run.Compressed {
		zr, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		r.zr = zr
		src = zr
	}
	r.dec = s.config.NewDecoder(src)
	return r, nil
}

// Remove deletes a run file. A file that is already gone is not an error.
func (s *Spiller) Remove(run *Run) error {
	if run == nil || run.Path == "" {
		return nil
	}
	if err := os.Remove(run.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run file %s: %w", run.Path, err)
	}
	return nil
}

// Writer appends entries to a run file. Entries must arrive in Compare order.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	zw      *zstd.Encoder
	enc     *cbor2.Encoder
	digest  *xxhash.Digest
	run     Run
	last    Entry
	closed  bool
	aborted bool
}

// Append writes one entry.
func (w *Writer) Append(e Entry) error {
	if w.closed {
		return errors.New("run writer is closed")
	}
	if w.run.Entries > 0 && Compare(w.last, e) > 0 {
		return fmt.Errorf("%w: run %d entry %d", ErrOutOfOrder, w.run.Index, w.run.Entries)
	}
	if err := w.enc.Encode(frame{Keyed: e.Keyed, Key: e.Key, Record: e.Record}); err != nil {
		return fmt.Errorf("failed to encode run entry: %w", err)
	}
	hashEntry(w.digest, e)
	w.last = Entry{Keyed: e.Keyed, Key: e.Key}
	w.run.Entries++
	return nil
}

// Close flushes the run and returns its descriptor.
func (w *Writer) Close() (*Run, error) {
	if w.closed {
		return nil, errors.New("run writer is closed")
	}
	w.closed = true

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			_ = w.file.Close()
			return nil, fmt.Errorf("failed to finish zstd stream: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to flush run file: %w", err)
	}
	info, err := w.file.Stat()
	if err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to stat run file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close run file: %w", err)
	}

	w.run.Bytes = info.Size()
	w.run.Checksum = w.digest.Sum64()
	run := w.run
	return &run, nil
}

// Abort closes the writer if needed and removes the file.
func (w *Writer) Abort() error {
	if w.aborted {
		return nil
	}
	w.aborted = true
	if !w.closed {
		w.closed = true
		if w.zw != nil {
			_ = w.zw.Close()
		}
		_ = w.file.Close()
	}
	if err := os.Remove(w.run.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reader returns a run's entries in the order they were written.
type Reader struct {
	file   *os.File
	zr     *zstd.Decoder
	dec    *cbor2.Decoder
	run    *Run
	digest *xxhash.Digest
	read   int64
	done   bool
	closed bool
}

// Next returns the next entry, or io.EOF once the run is exhausted and
// verified. A count or checksum mismatch returns ErrCorruptRun.
func (r *Reader) Next() (Entry, error) {
	if r.closed {
		return Entry{}, errors.New("run reader is closed")
	}
	if r.done {
		return Entry{}, io.EOF
	}

	var f frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
			return Entry{}, r.verify()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, fmt.Errorf("%w: run %d truncated after %d entries", ErrCorruptRun, r.run.Index, r.read)
		}
		return Entry{}, fmt.Errorf("failed to decode run %d entry %d: %w", r.run.Index, r.read, err)
	}

	e := Entry{Keyed: f.Keyed, Key: f.Key, Record: f.Record}
	hashEntry(r.digest, e)
	r.read++
	return e, nil
}

func (r *Reader) verify() error {
	if r.read != r.run.Entries {
		return fmt.Errorf("%w: run %d has %d entries, expected %d", ErrCorruptRun, r.run.Index, r.read, r.run.Entries)
	}
	if sum := r.digest.Sum64(); sum != r.run.Checksum {
		return fmt.Errorf("%w: run %d checksum %016x, expected %016x", ErrCorruptRun, r.run.Index, sum, r.run.Checksum)
	}
	return io.EOF
}

// EntriesRead returns how many entries have been returned so far.
func (r *Reader) EntriesRead() int64 { return r.read }

// Close releases the file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.zr != nil {
		r.zr.Close()
	}
	return r.file.Close()
}
