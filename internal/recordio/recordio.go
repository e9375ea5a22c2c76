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

// Package recordio splits trace files into records and writes records back
// out in the same framing.
//
// Two framings are supported:
//
//   - FormatLines: one record per line. Blank lines are skipped and counted
//     by Reader.Skipped. The line terminator is not part of the record;
//     writers end every record with '\n'.
//   - FormatJSON: a JSON trace whose events live in an array, either a bare
//     array ("[{...},{...}]") or an object holding one ("{"traceEvents":[...]}").
//     Everything up to and including the first '[' outside a string is the
//     preamble, each brace-balanced object in the array is a record, and
//     everything from the closing ']' on is the trailer. Separators between
//     records are rewritten as ",\n".
//
// Sources and outputs ending in .gz or .zst are transparently (de)compressed.
package recordio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMaxRecordBytes caps the size of a single record.
const DefaultMaxRecordBytes = 64 * 1024 * 1024

var (
	// ErrMalformed is returned when a JSON trace cannot be split into records.
	ErrMalformed = errors.New("malformed trace")
	// ErrRecordTooLarge is returned when a record exceeds the size cap.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// Format selects how a trace is split into records.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatLines Format = "lines"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name. The empty string means FormatAuto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatLines, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown record format %q (want auto, lines or json)", s)
	}
}

// Resolve turns FormatAuto into a concrete format based on the file name:
// ".json" (after any compression suffix) means FormatJSON, anything else
// FormatLines.
func (f Format) Resolve(path string) Format {
	if f != FormatAuto && f != "" {
		return f
	}
	base, _ := splitCompression(path)
	if strings.EqualFold(filepath.Ext(base), ".json") {
		return FormatJSON
	}
	return FormatLines
}

// Envelope holds the bytes around the records of a framed trace.
type Envelope struct {
	Preamble []byte
	Trailer  []byte
}

// Reader returns records one at a time.
type Reader interface {
	// Next returns the next record, or io.EOF when the source is exhausted.
	// The returned slice is owned by the caller.
	Next() ([]byte, error)
	// Envelope returns the preamble and trailer. It is complete only after
	// Next has returned io.EOF.
	Envelope() Envelope
	// Skipped returns how many blank lines Next has passed over so far.
	Skipped() int64
}

// Writer writes records in a framing.
type Writer interface {
	Write(record []byte) error
	// Close writes any trailer and flushes. It does not close the
	// underlying io.Writer.
	Close() error
}
