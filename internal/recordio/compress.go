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

package recordio

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies a stream codec chosen from a file extension.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// splitCompression returns the path without its compression suffix and the
// codec that suffix names.
func splitCompression(path string) (string, Compression) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		return path[:len(path)-len(".gz")], CompressionGzip
	case strings.HasSuffix(lower, ".zst"):
		return path[:len(path)-len(".zst")], CompressionZstd
	default:
		return path, CompressionNone
	}
}

// CompressionFor returns the codec implied by the file name.
func CompressionFor(path string) Compression {
	_, c := splitCompression(path)
	return c
}

// Source is an open trace file. BytesRead counts raw bytes taken from the
// file, before decompression, so it can be compared with Size for progress.
type Source struct {
	file    *os.File
	counter *countingReader
	reader  io.Reader
	closers []func() error
	size    int64
}

// OpenSource opens path for reading, decompressing .gz and .zst files.
func OpenSource(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("source %s is a directory", path)
	}

	s := &Source{
		file:    file,
		counter: &countingReader{r: file},
		size:    info.Size(),
	}
	s.reader = s.counter

	switch CompressionFor(path) {
	case CompressionGzip:
		gz, err := gzip.NewReader(s.counter)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		s.reader = gz
		s.closers = append(s.closers, gz.Close)
	case CompressionZstd:
		zr, err := zstd.NewReader(s.counter)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		s.reader = zr
		s.closers = append(s.closers, func() error { zr.Close(); return nil })
	}
	return s, nil
}

func (s *Source) Read(p []byte) (int, error) { return s.reader.Read(p) }

// Size is the size of the file on disk.
func (s *Source) Size() int64 { return s.size }

// BytesRead is the number of raw file bytes consumed so far. Safe to call
// from other goroutines.
func (s *Source) BytesRead() int64 { return s.counter.n.Load() }

// Close closes decompressors and the file.
func (s *Source) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// NewCompressor wraps w with the codec implied by path. The returned
// closer must be closed before w to flush the compressed stream; for
// uncompressed paths it is a no-op.
func NewCompressor(path string, w io.Writer) (io.WriteCloser, error) {
	switch CompressionFor(path) {
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
