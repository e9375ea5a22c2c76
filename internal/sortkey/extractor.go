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

// Package sortkey extracts numeric timestamp keys from raw trace records
// without parsing the record structure.
package sortkey

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var (
	ErrEmptyMarker  = errors.New("marker must not be empty")
	ErrInvalidScale = errors.New("scale must be at least 1")
)

// maxFracDigits is the number of fractional digits kept before truncation.
// 10^18 still fits in a uint64.
const maxFracDigits = 18

var pow10 = func() [maxFracDigits + 1]uint64 {
	var p [maxFracDigits + 1]uint64
	p[0] = 1
	for i := 1; i <= maxFracDigits; i++ {
		p[i] = p[i-1] * 10
	}
	return p
}()

// Extractor finds a marker in a record and parses the number that follows it.
// An Extractor is immutable and safe for concurrent use.
type Extractor struct {
	marker []byte
	scale  int64
}

// New returns an Extractor for the given marker and scale. The parsed value
// is multiplied by scale, e.g. 1000 to turn microseconds into nanoseconds.
func New(marker string, scale int64) (*Extractor, error) {
	if marker == "" {
		return nil, ErrEmptyMarker
	}
	if scale < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScale, scale)
	}
	return &Extractor{marker: []byte(marker), scale: scale}, nil
}

// Marker returns the configured marker.
func (e *Extractor) Marker() string { return string(e.marker) }

// Scale returns the configured scale factor.
func (e *Extractor) Scale() int64 { return e.scale }

// Extract returns the scaled key that follows the first occurrence of the
// marker in record. The second return value is false when the marker is
// absent or the text after it is not a number.
//
// After the marker, horizontal whitespace, at most one ':' or '=' separator
// and at most one opening double quote are skipped. The number is an
// optional sign, decimal digits, and an optional fraction. Fraction digits
// finer than the scale are truncated toward zero.
func (e *Extractor) Extract(record []byte) (int64, bool) {
	i := bytes.Index(record, e.marker)
	if i < 0 {
		return 0, false
	}
	p := skipBlanks(record, i+len(e.marker))
	if p < len(record) && (record[p] == ':' || record[p] == '=') {
		p = skipBlanks(record, p+1)
	}

	quoted := false
	if p < len(record) && record[p] == '"' {
		quoted = true
		p++
	}

	neg := false
	if p < len(record) && (record[p] == '-' || record[p] == '+') {
		neg = record[p] == '-'
		p++
	}

	var whole int64
	start := p
	for p < len(record) && isDigit(record[p]) {
		d := int64(record[p] - '0')
		if whole > (math.MaxInt64-d)/10 {
			return 0, false
		}
		whole = whole*10 + d
		p++
	}
	if p == start {
		return 0, false
	}

	var frac uint64
	nfrac := 0
	if p < len(record) && record[p] == '.' {
		p++
		for p < len(record) && isDigit(record[p]) {
			if nfrac < maxFracDigits {
				frac = frac*10 + uint64(record[p]-'0')
				nfrac++
			}
			p++
		}
	}

	if quoted {
		if p >= len(record) || record[p] != '"' {
			return 0, false
		}
	} else if p < len(record) && isIdentByte(record[p]) {
		return 0, false
	}

	if whole > math.MaxInt64/e.scale {
		return 0, false
	}
	key := whole * e.scale
	if nfrac > 0 && frac > 0 {
		hi, lo := bits.Mul64(frac, uint64(e.scale))
		q, _ := bits.Div64(hi, lo, pow10[nfrac])
		if q > math.MaxInt64-uint64(key) {
			return 0, false
		}
		key += int64(q)
	}
	if neg {
		key = -key
	}
	return key, true
}

func skipBlanks(b []byte, p int) int {
	for p < len(b) && (b[p] == ' ' || b[p] == '\t') {
		p++
	}
	return p
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
