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
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, r Reader) []string {
	t.Helper()
	var out []string
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(rec))
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatAuto, f)

	f, err = ParseFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestFormat_Resolve(t *testing.T) {
	tests := []struct {
		format Format
		path   string
		want   Format
	}{
		{FormatAuto, "trace.json", FormatJSON},
		{FormatAuto, "trace.JSON.gz", FormatJSON},
		{FormatAuto, "trace.json.zst", FormatJSON},
		{FormatAuto, "trace.log", FormatLines},
		{FormatAuto, "trace", FormatLines},
		{"", "trace.json", FormatJSON},
		{FormatLines, "trace.json", FormatLines},
		{FormatJSON, "trace.txt", FormatJSON},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.format.Resolve(tt.path), "%s %s", tt.format, tt.path)
	}
}

func TestLineReader(t *testing.T) {
	input := "# header\n{\"ts\":3}\n\n   \n{\"ts\":1}\r\nlast"
	r, err := NewReader(FormatLines, strings.NewReader(input), 0)
	require.NoError(t, err)

	got := readRecords(t, r)
	assert.Equal(t, []string{"# header", `{"ts":3}`, "{\"ts\":1}\r", "last"}, got)
	assert.Equal(t, Envelope{}, r.Envelope())
	assert.Equal(t, int64(2), r.Skipped())
}

func TestLineReader_LongLines(t *testing.T) {
	long := strings.Repeat("x", readBufferSize*2+17)
	r, err := NewReader(FormatLines, strings.NewReader(long+"\nshort\n"), 0)
	require.NoError(t, err)

	got := readRecords(t, r)
	require.Len(t, got, 2)
	assert.Equal(t, long, got[0])
	assert.Equal(t, "short", got[1])
}

func TestLineReader_TooLarge(t *testing.T) {
	r, err := NewReader(FormatLines, strings.NewReader("ok\n0123456789\n"), 5)
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(rec))

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestLineReader_Empty(t *testing.T) {
	r, err := NewReader(FormatLines, strings.NewReader(""), 0)
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestJSONReader_BareArray(t *testing.T) {
	input := `[{"ts":2,"name":"b"}, {"ts":1,"name":"a"}]`
	r, err := NewReader(FormatJSON, strings.NewReader(input), 0)
	require.NoError(t, err)

	got := readRecords(t, r)
	assert.Equal(t, []string{`{"ts":2,"name":"b"}`, `{"ts":1,"name":"a"}`}, got)
	assert.Equal(t, "[", string(r.Envelope().Preamble))
	assert.Equal(t, "]", string(r.Envelope().Trailer))
}

func TestJSONReader_WrappedArray(t *testing.T) {
	input := "{\"meta\":\"a [tricky] string\",\"traceEvents\":[\n" +
		"{\"ts\":5,\"args\":{\"s\":\"}{\\\"\"}},\n" +
		"{\"ts\":4}\n" +
		"],\"displayTimeUnit\":\"ns\"}\n"
	r, err := NewReader(FormatJSON, strings.NewReader(input), 0)
	require.NoError(t, err)

	got := readRecords(t, r)
	assert.Equal(t, []string{`{"ts":5,"args":{"s":"}{\""}}`, `{"ts":4}`}, got)
	assert.Equal(t, `{"meta":"a [tricky] string","traceEvents":[`, string(r.Envelope().Preamble))
	assert.Equal(t, "],\"displayTimeUnit\":\"ns\"}\n", string(r.Envelope().Trailer))
}

func TestJSONReader_NoArray(t *testing.T) {
	r, err := NewReader(FormatJSON, strings.NewReader(`{"nothing":"here"}`), 0)
	require.NoError(t, err)

	assert.Empty(t, readRecords(t, r))
	assert.Equal(t, `{"nothing":"here"}`, string(r.Envelope().Preamble))
	assert.Empty(t, r.Envelope().Trailer)
}

func TestJSONReader_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bare value in array", `[1,2]`},
		{"unterminated array", `[{"ts":1}`},
		{"unterminated object", `[{"ts":1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(FormatJSON, strings.NewReader(tt.input), 0)
			require.NoError(t, err)
			var lastErr error
			for {
				_, err := r.Next()
				if err != nil {
					lastErr = err
					break
				}
			}
			assert.ErrorIs(t, lastErr, ErrMalformed)
		})
	}
}

func TestJSONReader_TooLarge(t *testing.T) {
	r, err := NewReader(FormatJSON, strings.NewReader(`[{"ts":1,"pad":"xxxxxxxxxxxx"}]`), 8)
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(FormatLines, &buf, Envelope{})
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("a")))
	require.NoError(t, w.Write([]byte("")))
	require.NoError(t, w.Write([]byte("b")))
	require.NoError(t, w.Close())
	assert.Equal(t, "a\n\nb\n", buf.String())
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{Preamble: []byte(`{"traceEvents":[`), Trailer: []byte(`]}`)}
	w, err := NewWriter(FormatJSON, &buf, env)
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte(`{"ts":1}`)))
	require.NoError(t, w.Write([]byte(`{"ts":2}`)))
	require.NoError(t, w.Close())
	assert.Equal(t, "{\"traceEvents\":[\n{\"ts\":1},\n{\"ts\":2}\n]}", buf.String())
}

func TestJSONWriter_NoRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(FormatJSON, &buf, Envelope{Preamble: []byte("["), Trailer: []byte("]")})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "[\n]", buf.String())
}

func TestJSONRoundTripIsStable(t *testing.T) {
	input := `{"traceEvents":[{"ts":1}, {"ts":2},{"ts":3}],"x":1}`

	rewrite := func(in string) string {
		r, err := NewReader(FormatJSON, strings.NewReader(in), 0)
		require.NoError(t, err)
		recs := readRecords(t, r)
		var buf bytes.Buffer
		w, err := NewWriter(FormatJSON, &buf, r.Envelope())
		require.NoError(t, err)
		for _, rec := range recs {
			require.NoError(t, w.Write([]byte(rec)))
		}
		require.NoError(t, w.Close())
		return buf.String()
	}

	once := rewrite(input)
	assert.Equal(t, once, rewrite(once))
}

func TestOpenSource_Plain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
	assert.Equal(t, int64(8), src.Size())
	assert.Equal(t, int64(8), src.BytesRead())
}

func TestOpenSource_Compressed(t *testing.T) {
	payload := strings.Repeat("{\"ts\":1}\n", 1000)
	dir := t.TempDir()

	gzPath := filepath.Join(dir, "trace.log.gz")
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(gzPath, gzBuf.Bytes(), 0o644))

	zstPath := filepath.Join(dir, "trace.log.zst")
	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(zstPath, zw.EncodeAll([]byte(payload), nil), 0o644))
	require.NoError(t, zw.Close())

	for _, path := range []string{gzPath, zstPath} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			src, err := OpenSource(path)
			require.NoError(t, err)
			data, err := io.ReadAll(src)
			require.NoError(t, err)
			assert.Equal(t, payload, string(data))
			assert.Positive(t, src.BytesRead())
			assert.LessOrEqual(t, src.BytesRead(), src.Size())
			require.NoError(t, src.Close())
		})
	}
}

func TestOpenSource_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenSource(filepath.Join(dir, "missing.log"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = OpenSource(dir)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o644))
	_, err = OpenSource(bad)
	assert.Error(t, err)
}

func TestNewCompressor(t *testing.T) {
	for _, name := range []string{"out.log", "out.log.gz", "out.log.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			f, err := os.Create(path)
			require.NoError(t, err)
			cw, err := NewCompressor(path, f)
			require.NoError(t, err)
			_, err = cw.Write([]byte("hello\n"))
			require.NoError(t, err)
			require.NoError(t, cw.Close())
			require.NoError(t, f.Close())

			src, err := OpenSource(path)
			require.NoError(t, err)
			data, err := io.ReadAll(src)
			require.NoError(t, err)
			require.NoError(t, src.Close())
			assert.Equal(t, "hello\n", string(data))
		})
	}
}

func TestCompressionFor(t *testing.T) {
	assert.Equal(t, CompressionGzip, CompressionFor("a.json.GZ"))
	assert.Equal(t, CompressionZstd, CompressionFor("a.zst"))
	assert.Equal(t, CompressionNone, CompressionFor("a.json"))
	assert.Equal(t, "zstd", CompressionZstd.String())
}
