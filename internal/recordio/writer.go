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
	"fmt"
	"io"
)

const writeBufferSize = 256 * 1024

// NewWriter returns a Writer for the given concrete format. For FormatJSON
// the envelope's preamble is written before the first record and its
// trailer by Close.
func NewWriter(format Format, w io.Writer, env Envelope) (Writer, error) {
	bw := bufio.NewWriterSize(w, writeBufferSize)
	switch format {
	case FormatLines:
		return &lineWriter{w: bw}, nil
	case FormatJSON:
		return &jsonWriter{w: bw, env: env}, nil
	default:
		return nil, fmt.Errorf("unsupported record format %q", format)
	}
}

type lineWriter struct {
	w *bufio.Writer
}

func (lw *lineWriter) Write(record []byte) error {
	if _, err := lw.w.Write(record); err != nil {
		return err
	}
	return lw.w.WriteByte('\n')
}

func (lw *lineWriter) Close() error {
	return lw.w.Flush()
}

type jsonWriter struct {
	w       *bufio.Writer
	env     Envelope
	started bool
	count   int64
}

func (jw *jsonWriter) begin() error {
	if jw.started {
		return nil
	}
	jw.started = true
	_, err := jw.w.Write(jw.env.Preamble)
	return err
}

func (jw *jsonWriter) Write(record []byte) error {
	if err := jw.begin(); err != nil {
		return err
	}
	sep := ",\n"
	if jw.count == 0 {
		sep = "\n"
	}
	if _, err := jw.w.WriteString(sep); err != nil {
		return err
	}
	if _, err := jw.w.Write(record); err != nil {
		return err
	}
	jw.count++
	return nil
}

func (jw *jsonWriter) Close() error {
	if err := jw.begin(); err != nil {
		return err
	}
	if len(jw.env.Trailer) > 0 {
		if _, err := jw.w.WriteString("\n"); err != nil {
			return err
		}
		if _, err := jw.w.Write(jw.env.Trailer); err != nil {
			return err
		}
	}
	return jw.w.Flush()
}
