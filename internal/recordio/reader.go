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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const readBufferSize = 256 * 1024

// NewReader returns a Reader for the given concrete format. maxRecord <= 0
// means DefaultMaxRecordBytes.
func NewReader(format Format, r io.Reader, maxRecord int) (Reader, error) {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordBytes
	}
	br := bufio.NewReaderSize(r, readBufferSize)
	switch format {
	case FormatLines:
		return &lineReader{br: br, maxRecord: maxRecord}, nil
	case FormatJSON:
		return &jsonReader{br: br, maxRecord: maxRecord}, nil
	default:
		return nil, fmt.Errorf("unsupported record format %q", format)
	}
}

type lineReader struct {
	br        *bufio.Reader
	maxRecord int
	line      int64
	skipped   int64
}

func (r *lineReader) Next() ([]byte, error) {
	for {
		rec, err := r.readLine()
		if err != nil {
			return nil, err
		}
		r.line++
		if len(bytes.TrimSpace(rec)) == 0 {
			r.skipped++
			continue
		}
		return rec, nil
	}
}

// readLine returns one line without its '\n'. A final line without a
// terminator is still returned.
func (r *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		if len(line)+len(frag) > r.maxRecord+1 {
			return nil, fmt.Errorf("%w: line %d", ErrRecordTooLarge, r.line+1)
		}
		line = append(line, frag...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		default:
			return nil, fmt.Errorf("failed reading line %d: %w", r.line+1, err)
		}
	}
}

func (r *lineReader) Envelope() Envelope { return Envelope{} }

func (r *lineReader) Skipped() int64 { return r.skipped }

type jsonState int

const (
	jsonPreamble jsonState = iota
	jsonArray
	jsonDone
)

type jsonReader struct {
	br        *bufio.Reader
	maxRecord int
	state     jsonState
	env       Envelope
	offset    int64
}

func (r *jsonReader) Envelope() Envelope { return r.env }

// Skipped is always zero: separators between events are not records.
func (r *jsonReader) Skipped() int64 { return 0 }

func (r *jsonReader) readByte() (byte, error) {
	c, err := r.br.ReadByte()
	if err == nil {
		r.offset++
	}
	return c, err
}

func (r *jsonReader) Next() ([]byte, error) {
	if r.state == jsonPreamble {
		if err := r.readPreamble(); err != nil {
			return nil, err
		}
	}
	for r.state == jsonArray {
		c, err := r.readByte()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: unterminated event array", ErrMalformed)
		}
		if err != nil {
			return nil, err
		}
		switch {
		case c == ',' || isJSONSpace(c):
			continue
		case c == ']':
			rest, err := io.ReadAll(r.br)
			if err != nil {
				return nil, err
			}
			r.env.Trailer = append([]byte{']'}, rest...)
			r.state = jsonDone
		case c == '{':
			return r.readObject()
		default:
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrMalformed, c, r.offset-1)
		}
	}
	return nil, io.EOF
}

// readPreamble consumes bytes up to and including the first '[' that is not
// inside a string. With no such byte the whole input is preamble.
func (r *jsonReader) readPreamble() error {
	var pre []byte
	inString, escaped := false, false
	for {
		c, err := r.readByte()
		if errors.Is(err, io.EOF) {
			r.env.Preamble = pre
			r.state = jsonDone
			return nil
		}
		if err != nil {
			return err
		}
		pre = append(pre, c)
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '[':
			r.env.Preamble = pre
			r.state = jsonArray
			return nil
		}
	}
}

// readObject reads one brace-balanced object whose '{' was just consumed.
func (r *jsonReader) readObject() ([]byte, error) {
	start := r.offset - 1
	obj := []byte{'{'}
	depth := 1
	inString, escaped := false, false
	for depth > 0 {
		c, err := r.readByte()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: unterminated object at offset %d", ErrMalformed, start)
		}
		if err != nil {
			return nil, err
		}
		if len(obj) >= r.maxRecord {
			return nil, fmt.Errorf("%w: object at offset %d", ErrRecordTooLarge, start)
		}
		obj = append(obj, c)
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
		}
	}
	return obj, nil
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
