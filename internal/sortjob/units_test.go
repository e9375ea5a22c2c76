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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tracesort/internal/sortkey"
)

func TestError_Classification(t *testing.T) {
	cancelled := newError(KindCancelled, "merge runs", "", context.Canceled)
	assert.ErrorIs(t, cancelled, ErrCancelled)
	assert.ErrorIs(t, cancelled, context.Canceled)
	assert.Equal(t, "tracesort: merge runs: context canceled", cancelled.Error())

	wrapped := fmt.Errorf("outer: %w", newError(KindRunWrite, "write run", "/tmp/run-000001.cbor", os.ErrPermission))
	assert.Equal(t, KindRunWrite, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, os.ErrPermission)
	assert.NotErrorIs(t, wrapped, ErrCancelled)
	assert.Contains(t, wrapped.Error(), "write run /tmp/run-000001.cbor")

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, "metadata-hook", KindMetadataHook.String())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(1), cfg.Scale)
	assert.Equal(t, PassthroughHoist, cfg.Passthrough)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.ErrorIs(t, cfg.Validate(), sortkey.ErrEmptyMarker)

	cfg.Marker = "ts="
	assert.NoError(t, cfg.Validate())

	filled := Config{Marker: "ts=", Scale: 1000}.withDefaults()
	assert.Equal(t, int64(1000), filled.Scale)
	assert.Equal(t, DefaultConfig().BatchRecords, filled.BatchRecords)
	assert.Equal(t, DefaultConfig().MergeCheckInterval, filled.MergeCheckInterval)
	assert.False(t, filled.CheckScratchSpace)
	assert.NoError(t, filled.Validate())
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Marker: "ts=", Scale: 1}.withDefaults()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scale", func(c *Config) { c.Scale = 0 }},
		{"batch records", func(c *Config) { c.BatchRecords = -1 }},
		{"batch bytes", func(c *Config) { c.BatchBytes = -1 }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"merge interval", func(c *Config) { c.MergeCheckInterval = -5 }},
		{"headroom", func(c *Config) { c.ScratchHeadroom = 0.5 }},
		{"max record", func(c *Config) { c.MaxRecordBytes = -1 }},
		{"format", func(c *Config) { c.Format = "csv" }},
		{"passthrough", func(c *Config) { c.Passthrough = "sink" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestState(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "merge", PhaseMerge.String())
}

func TestCounters_PercentNeverDecreases(t *testing.T) {
	var c counters
	c.sourceBytes.Store(1000)
	c.phase.Store(int32(PhaseBuild))

	c.bytesRead.Store(500)
	assert.InDelta(t, 30.0, c.snapshot(StateRunning).Percent, 1e-9)

	c.bytesRead.Store(100)
	assert.InDelta(t, 30.0, c.snapshot(StateRunning).Percent, 1e-9)

	c.phase.Store(int32(PhaseMerge))
	c.recordsSpilled.Store(10)
	c.recordsMerged.Store(5)
	assert.InDelta(t, 80.0, c.snapshot(StateRunning).Percent, 1e-9)

	c.phase.Store(int32(PhaseCommit))
	assert.InDelta(t, 100.0, c.snapshot(StateRunning).Percent, 1e-9)
	assert.InDelta(t, 100.0, c.snapshot(StateCompleted).Percent, 1e-9)
}

func TestChainHooks(t *testing.T) {
	var order []string
	rec := func(name string, err error) MetadataHook {
		return HookFunc(func(context.Context, Trace, string) error {
			order = append(order, name)
			return err
		})
	}
	boom := errors.New("boom")

	err := ChainHooks(rec("a", nil), nil, rec("b", boom), rec("c", nil)).ProcessMetadata(context.Background(), Trace{}, "")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, order)

	assert.NoError(t, ChainHooks().ProcessMetadata(context.Background(), Trace{}, ""))
	assert.IsType(t, NopHook{}, ChainHooks(nil))
}

func TestScratch_RemoveLiveFiles(t *testing.T) {
	parent := t.TempDir()
	sc, err := newScratch(parent, "01TEST")
	require.NoError(t, err)
	assert.Equal(t, parent, filepath.Dir(sc.dir))
	assert.Contains(t, filepath.Base(sc.dir), "tracesort-01TEST-")

	for i := range 3 {
		p := filepath.Join(sc.dir, fmt.Sprintf("run-%06d.cbor", i))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		sc.track(p)
	}
	sc.release(filepath.Join(sc.dir, "run-000001.cbor"))
	assert.Equal(t, 2, sc.Live())

	require.NoError(t, sc.remove())
	assert.NoDirExists(t, sc.dir)
	assert.Equal(t, 0, sc.Live())
	require.NoError(t, sc.remove())
}
