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

package sortjob

import (
	"fmt"
	"runtime"

	"github.com/cardinalhq/tracesort/internal/recordio"
	"github.com/cardinalhq/tracesort/internal/sortkey"
)

// PassthroughPolicy decides what happens to records with no usable sort key.
type PassthroughPolicy string

const (
	// PassthroughHoist keeps unkeyed records, in source order, ahead of
	// every keyed record in the output.
	PassthroughHoist PassthroughPolicy = "hoist"
	// PassthroughDrop discards unkeyed records.
	PassthroughDrop PassthroughPolicy = "drop"
)

// Config holds the tunables of a sort job. Zero values are replaced by the
// defaults in DefaultConfig when a job is created.
type Config struct {
	// Marker is the text that precedes the timestamp in each record,
	// e.g. `"ts":`.
	Marker string `mapstructure:"marker"`
	// Scale multiplies every parsed timestamp, e.g. 1000 for microsecond
	// traces to get nanoseconds.
	Scale int64 `mapstructure:"scale"`
	// Format is "auto", "lines" or "json".
	Format string `mapstructure:"format"`

	// BatchRecords and BatchBytes cap an in-memory batch. A batch is
	// spilled when either is reached.
	BatchRecords int   `mapstructure:"batch_records"`
	BatchBytes   int64 `mapstructure:"batch_bytes"`
	// Workers is the number of batches sorted and spilled concurrently.
	// Peak memory is roughly (Workers+1) batches.
	Workers int `mapstructure:"workers"`

	// TempDir is where the per-job scratch directory is created. Empty
	// means os.TempDir().
	TempDir string `mapstructure:"temp_dir"`
	// CompressRuns zstd-compresses run files.
	CompressRuns bool `mapstructure:"compress_runs"`
	// CheckScratchSpace verifies free space for runs and output up front.
	CheckScratchSpace bool `mapstructure:"check_scratch_space"`
	// ScratchHeadroom multiplies the source size for the space check.
	ScratchHeadroom float64 `mapstructure:"scratch_headroom"`

	// MergeCheckInterval is how many records are merged between
	// cancellation checks and progress updates.
	MergeCheckInterval int `mapstructure:"merge_check_interval"`
	// Passthrough is "hoist" or "drop".
	Passthrough PassthroughPolicy `mapstructure:"passthrough"`
	// Overwrite allows replacing an existing destination.
	Overwrite bool `mapstructure:"overwrite"`
	// MaxRecordBytes caps a single record.
	MaxRecordBytes int `mapstructure:"max_record_bytes"`
}

// DefaultConfig returns the configuration used by Sort.
func DefaultConfig() Config {
	return Config{
		Scale:              1,
		Format:             string(recordio.FormatAuto),
		BatchRecords:       1_000_000,
		BatchBytes:         256 * 1024 * 1024,
		Workers:            min(runtime.GOMAXPROCS(0), 4),
		CheckScratchSpace:  true,
		ScratchHeadroom:    1.25,
		MergeCheckInterval: 10_000,
		Passthrough:        PassthroughHoist,
		MaxRecordBytes:     recordio.DefaultMaxRecordBytes,
	}
}

// withDefaults fills zero-valued tunables from DefaultConfig. Marker,
// Scale, booleans and TempDir are left alone.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.BatchRecords == 0 {
		c.BatchRecords = def.BatchRecords
	}
	if c.BatchBytes == 0 {
		c.BatchBytes = def.BatchBytes
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.ScratchHeadroom == 0 {
		c.ScratchHeadroom = def.ScratchHeadroom
	}
	if c.MergeCheckInterval == 0 {
		c.MergeCheckInterval = def.MergeCheckInterval
	}
	if c.Passthrough == "" {
		c.Passthrough = def.Passthrough
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = def.MaxRecordBytes
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := sortkey.New(c.Marker, c.Scale); err != nil {
		return err
	}
	if _, err := recordio.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.BatchRecords < 1 {
		return fmt.Errorf("batch_records must be positive, got %d", c.BatchRecords)
	}
	if c.BatchBytes < 1 {
		return fmt.Errorf("batch_bytes must be positive, got %d", c.BatchBytes)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MergeCheckInterval < 1 {
		return fmt.Errorf("merge_check_interval must be positive, got %d", c.MergeCheckInterval)
	}
	if c.ScratchHeadroom < 1 {
		return fmt.Errorf("scratch_headroom must be at least 1, got %g", c.ScratchHeadroom)
	}
	if c.MaxRecordBytes < 1 {
		return fmt.Errorf("max_record_bytes must be positive, got %d", c.MaxRecordBytes)
	}
	switch c.Passthrough {
	case PassthroughHoist, PassthroughDrop:
	default:
		return fmt.Errorf("passthrough must be %q or %q, got %q", PassthroughHoist, PassthroughDrop, c.Passthrough)
	}
	return nil
}
