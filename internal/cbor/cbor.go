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

// Package cbor holds the CBOR encoding settings shared by everything that
// spills data to scratch files.
package cbor

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Config struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

func NewConfig() (*Config, error) {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortNone,            // Frames are arrays, nothing to sort
		ShortestFloat: cbor.ShortestFloatNone,   // Don't convert float types
		BigIntConvert: cbor.BigIntConvertNone,   // Don't convert large integers
		NilContainers: cbor.NilContainerAsEmpty, // Empty records round-trip as empty, not nil
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		IntDec:           cbor.IntDecConvertSigned, // Keys come back as int64
		UTF8:             cbor.UTF8DecodeInvalid,   // Records are raw bytes, never validated
		MaxArrayElements: 16,                       // Frames are short fixed arrays
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &Config{
		encMode: encMode,
		decMode: decMode,
	}, nil
}

func (c *Config) NewEncoder(w io.Writer) *cbor.Encoder {
	return c.encMode.NewEncoder(w)
}

func (c *Config) NewDecoder(r io.Reader) *cbor.Decoder {
	return c.decMode.NewDecoder(r)
}

func (c *Config) Marshal(v any) ([]byte, error) {
	return c.encMode.Marshal(v)
}

func (c *Config) Unmarshal(data []byte, v any) error {
	return c.decMode.Unmarshal(data, v)
}
