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

package sortkey

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New("", 1)
	require.ErrorIs(t, err, ErrEmptyMarker)

	_, err = New(`"ts":`, 0)
	require.ErrorIs(t, err, ErrInvalidScale)

	_, err = New(`"ts":`, -5)
	require.ErrorIs(t, err, ErrInvalidScale)

	e, err := New(`"ts":`, 1000)
	require.NoError(t, err)
	assert.Equal(t, `"ts":`, e.Marker())
	assert.Equal(t, int64(1000), e.Scale())
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		marker string
		scale  int64
		record string
		want   int64
		ok     bool
	}{
		{"json field", `"timestamp":`, 1, `{"name":"a","timestamp":30,"pid":1}`, 30, true},
		{"json field with space", `"timestamp":`, 1, `{"timestamp": 42}`, 42, true},
		{"marker without separator", `"ts"`, 1, `{"ts":17}`, 17, true},
		{"equals separator", `ts`, 1, `event ts=99 cpu=2`, 99, true},
		{"scaled", `"ts":`, 1000, `{"ts":1234}`, 1234000, true},
		{"fraction scaled exactly", `"ts":`, 1000, `{"ts":1234.567}`, 1234567, true},
		{"fraction truncated", `"ts":`, 1000, `{"ts":1.23456}`, 1234, true},
		{"fraction scale one", `"ts":`, 1, `{"ts":5.9}`, 5, true},
		{"negative", `"ts":`, 10, `{"ts":-3}`, -30, true},
		{"explicit plus", `"ts":`, 1, `{"ts":+8}`, 8, true},
		{"quoted number", `"ts":`, 1, `{"ts":"77"}`, 77, true},
		{"end of record", `ts=`, 1, `ts=123`, 123, true},
		{"first occurrence wins", `"ts":`, 1, `{"ts":1,"args":{"ts":2}}`, 1, true},
		{"missing marker", `"ts":`, 1, `# header line`, 0, false},
		{"no digits", `"ts":`, 1, `{"ts":null}`, 0, false},
		{"letters after digits", `"ts":`, 1, `{"ts":12ab}`, 0, false},
		{"exponent rejected", `"ts":`, 1, `{"ts":1e9}`, 0, false},
		{"unterminated quote", `"ts":`, 1, `{"ts":"12`, 0, false},
		{"double separator", `ts`, 1, `ts::5`, 0, false},
		{"empty record", `ts`, 1, ``, 0, false},
		{"marker at end", `ts=`, 1, `x ts=`, 0, false},
		{"overflow digits", `ts=`, 1, `ts=99999999999999999999`, 0, false},
		{"overflow after scale", `ts=`, 1000, `ts=9223372036854776`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.marker, tt.scale)
			require.NoError(t, err)
			got, ok := e.Extract([]byte(tt.record))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtract_MaxValue(t *testing.T) {
	e, err := New("ts=", 1)
	require.NoError(t, err)

	got, ok := e.Extract([]byte("ts=9223372036854775807"))
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), got)
}

func TestExtract_LongFractionIgnoresExtraDigits(t *testing.T) {
	e, err := New("ts=", 1_000_000_000)
	require.NoError(t, err)

	got, ok := e.Extract([]byte("ts=1.1234567891234567891234 end"))
	require.True(t, ok)
	assert.Equal(t, int64(1_123_456_789), got)
}

func BenchmarkExtract(b *testing.B) {
	e, err := New(`"ts":`, 1000)
	require.NoError(b, err)
	rec := []byte(`{"name":"sched_switch","cat":"kernel","ph":"X","pid":12,"tid":34,"ts":1700000000123.456,"dur":12.5,"args":{"prev":"a","next":"b"}}`)
	b.ReportAllocs()
	for b.Loop() {
		if _, ok := e.Extract(rec); !ok {
			b.Fatal("extract failed")
		}
	}
}
