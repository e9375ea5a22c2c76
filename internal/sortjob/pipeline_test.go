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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/tracesort/internal/recordio"
	"github.com/cardinalhq/tracesort/internal/runfile"
	"github.com/cardinalhq/tracesort/internal/sortkey"
)

func writeSource(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func newTestJobContext(t *testing.T, cfg Config) *jobContext {
	t.Helper()
	cfg = cfg.withDefaults()
	require.NoError(t, cfg.Validate())

	extractor, err := sortkey.New(cfg.Marker, cfg.Scale)
	require.NoError(t, err)
	sc, err := newScratch(t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.remove() })
	spiller, err := runfile.NewSpiller(sc.dir, cfg.CompressRuns)
	require.NoError(t, err)

	return &jobContext{
		ctx:         context.Background(),
		logger:      slog.Default(),
		cfg:         cfg,
		source:      "test",
		destination: filepath.Join(t.TempDir(), "out.log"),
		working:     filepath.Join(t.TempDir(), ".out.log.tmp"),
		format:      recordio.FormatLines,
		extractor:   extractor,
		spiller:     spiller,
		scratch:     sc,
		counters:    &counters{},
		notify:      func() {},
	}
}

func buildFrom(t *testing.T, jc *jobContext, path string) []*runfile.Run {
	t.Helper()
	src, err := recordio.OpenSource(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	r, err := recordio.NewReader(recordio.FormatLines, src, 0)
	require.NoError(t, err)
	runs, err := jc.build(src, r)
	require.NoError(t, err)
	return runs
}

func runKeys(t *testing.T, jc *jobContext, run *runfile.Run) []int64 {
	t.Helper()
	r, err := jc.spiller.Open(run)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	var keys []int64
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return keys
		}
		require.NoError(t, err)
		keys = append(keys, e.Key)
	}
}

func scenarioLines() []string {
	keys := []int{30, 10, 20, 10, 5}
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf(`{"timestamp":%d,"i":%d}`, k, i)
	}
	return lines
}

func TestBuild_BatchesBecomeSortedRuns(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			jc := newTestJobContext(t, Config{Marker: `"timestamp":`, Scale: 1, BatchRecords: 2, Workers: workers})
			path := writeSource(t, "trace.log", scenarioLines()...)

			runs := buildFrom(t, jc, path)
			require.Len(t, runs, 3)
			for i, run := range runs {
				assert.Equal(t, i, run.Index)
			}
			assert.Equal(t, []int64{10, 30}, runKeys(t, jc, runs[0]))
			assert.Equal(t, []int64{10, 20}, runKeys(t, jc, runs[1]))
			assert.Equal(t, []int64{5}, runKeys(t, jc, runs[2]))
			assert.Equal(t, 3, jc.scratch.Live())
			assert.Equal(t, int64(5), jc.counters.recordsSpilled.Load())
		})
	}
}

func TestBuild_ByteBudget(t *testing.T) {
	var lines []string
	for i := range 20 {
		lines = append(lines, fmt.Sprintf("ts=%d %s", i, strings.Repeat("x", 100)))
	}
	path := writeSource(t, "trace.log", lines...)

	// Each entry is charged its length plus overhead, so three entries
	// exceed 400 bytes and every run holds at most three.
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1, BatchBytes: 400, Workers: 2})
	runs := buildFrom(t, jc, path)
	require.Len(t, runs, 7)
	var total int64
	for _, run := range runs {
		assert.LessOrEqual(t, run.Entries, int64(3))
		total += run.Entries
	}
	assert.Equal(t, int64(20), total)
}

func TestBuild_EmptySource(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1})
	path := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	assert.Empty(t, buildFrom(t, jc, path))
	assert.Equal(t, 0, jc.scratch.Live())
}

func TestBuild_UnkeyedFirstInRun(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1})
	path := writeSource(t, "trace.log", "ts=3", "no key", "ts=1", "also none")

	runs := buildFrom(t, jc, path)
	require.Len(t, runs, 1)
	r, err := jc.spiller.Open(runs[0])
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var got []string
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(e.Record))
	}
	assert.Equal(t, []string{"no key", "also none", "ts=1", "ts=3"}, got)
	assert.Equal(t, int64(2), jc.counters.passthrough.Load())
}

func TestBuild_CancelledContext(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1, BatchRecords: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jc.ctx = ctx
	path := writeSource(t, "trace.log", "ts=1", "ts=2", "ts=3")

	src, err := recordio.OpenSource(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	r, err := recordio.NewReader(recordio.FormatLines, src, 0)
	require.NoError(t, err)

	_, err = jc.build(src, r)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge_ScenarioOrderAndStability(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: `"timestamp":`, Scale: 1, BatchRecords: 2, Workers: 1})
	runs := buildFrom(t, jc, writeSource(t, "trace.log", scenarioLines()...))

	var buf strings.Builder
	w, err := recordio.NewWriter(recordio.FormatLines, &buf, recordio.Envelope{})
	require.NoError(t, err)
	res, err := jc.merge(runs, w)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, strings.Join([]string{
		`{"timestamp":5,"i":4}`,
		`{"timestamp":10,"i":1}`,
		`{"timestamp":10,"i":3}`,
		`{"timestamp":20,"i":2}`,
		`{"timestamp":30,"i":0}`,
	}, "\n")+"\n", buf.String())
	assert.Equal(t, int64(5), res.records)
	assert.Equal(t, int64(5), res.firstKey)
	assert.Equal(t, int64(30), res.lastKey)

	for _, run := range runs {
		assert.NoFileExists(t, run.Path)
	}
	assert.Equal(t, 0, jc.scratch.Live())
}

func TestMerge_DetectsCorruptRun(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1, BatchRecords: 2})
	runs := buildFrom(t, jc, writeSource(t, "trace.log", "ts=4", "ts=3", "ts=2", "ts=1"))
	require.Len(t, runs, 2)
	runs[1].Checksum++

	w, err := recordio.NewWriter(recordio.FormatLines, io.Discard, recordio.Envelope{})
	require.NoError(t, err)
	_, err = jc.merge(runs, w)
	require.Error(t, err)
	assert.Equal(t, KindRunRead, KindOf(err))
	assert.ErrorIs(t, err, runfile.ErrCorruptRun)
}

func TestMerge_MissingRun(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1, BatchRecords: 1})
	runs := buildFrom(t, jc, writeSource(t, "trace.log", "ts=2", "ts=1"))
	require.NoError(t, os.Remove(runs[0].Path))

	w, err := recordio.NewWriter(recordio.FormatLines, io.Discard, recordio.Envelope{})
	require.NoError(t, err)
	_, err = jc.merge(runs, w)
	assert.Equal(t, KindRunRead, KindOf(err))
}

func TestMerge_ChecksCancellation(t *testing.T) {
	jc := newTestJobContext(t, Config{Marker: "ts=", Scale: 1, BatchRecords: 2, MergeCheckInterval: 1})
	runs := buildFrom(t, jc, writeSource(t, "trace.log", "ts=4", "ts=3", "ts=2", "ts=1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jc.ctx = ctx
	w, err := recordio.NewWriter(recordio.FormatLines, io.Discard, recordio.Envelope{})
	require.NoError(t, err)
	res, err := jc.merge(runs, w)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, int64(1), res.records)
}
