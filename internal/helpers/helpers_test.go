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

package helpers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBoolEnv(t *testing.T) {
	const name = "TRACESORT_TEST_BOOL"
	tests := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{" enabled ", false, true},
		{"0", true, false},
		{"Off", true, false},
		{"", true, true},
		{"", false, false},
		{"whatever", false, true},
	}
	for _, tt := range tests {
		t.Setenv(name, tt.value)
		assert.Equal(t, tt.want, GetBoolEnv(name, tt.defaultValue), "value %q", tt.value)
	}
}

func TestAnyBoolEnv(t *testing.T) {
	t.Setenv("TRACESORT_TEST_A", "")
	t.Setenv("TRACESORT_TEST_B", "1")
	assert.True(t, AnyBoolEnv("TRACESORT_TEST_A", "TRACESORT_TEST_B"))
	assert.False(t, AnyBoolEnv("TRACESORT_TEST_A"))
	assert.False(t, AnyBoolEnv())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{0, "0s"},
		{50 * time.Second, "50s"},
		{time.Minute, "1m"},
		{90 * time.Second, "1m30s"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h30m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.duration), "FormatDuration(%v)", tt.duration)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", FormatBytes(512))
	assert.Equal(t, "1.5KiB", FormatBytes(1536))
	assert.Equal(t, "64.0MiB", FormatBytes(64<<20))
	assert.Equal(t, "3.0GiB", FormatBytes(3<<30))
}

func TestDiskUsage(t *testing.T) {
	usage, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, usage.TotalBytes)
	assert.LessOrEqual(t, usage.FreeBytes, usage.TotalBytes)

	_, err = DiskUsage(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestEnsureFreeSpace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureFreeSpace(dir, 1, 1))

	err := EnsureFreeSpace(dir, 1<<62, 1.5)
	var spaceErr *InsufficientSpaceError
	require.True(t, errors.As(err, &spaceErr))
	assert.Equal(t, dir, spaceErr.Path)
	assert.Contains(t, err.Error(), "insufficient space")
}

func TestCleanStaleScratch(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, ScratchPrefix+"old")
	fresh := filepath.Join(dir, ScratchPrefix+"fresh")
	other := filepath.Join(dir, "unrelated")
	for _, d := range []string{old, fresh, other} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(old, "run-000000.cbor"), []byte("x"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	removed, err := CleanStaleScratch(dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
}

func TestCleanStaleOutputs(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".trace.log.tracesort-01J.tmp")
	keep := filepath.Join(dir, "trace.log")
	for _, p := range []string{stale, keep} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))
	require.NoError(t, os.Chtimes(keep, past, past))

	removed, err := CleanStaleOutputs(dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)
	assert.FileExists(t, keep)
}

func TestIsWorkingOutput(t *testing.T) {
	assert.True(t, IsWorkingOutput(".out.log.tracesort-01HZX.tmp"))
	assert.False(t, IsWorkingOutput("out.log.tmp"))
	assert.False(t, IsWorkingOutput(".out.log"))
}
