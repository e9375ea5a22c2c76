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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ScratchPrefix starts the name of every per-job scratch directory.
const ScratchPrefix = "tracesort-"

// WorkingSuffix ends the name of every in-progress output file.
const WorkingSuffix = ".tmp"

// CleanStaleScratch removes scratch directories under dir, left behind by
// sort jobs that were killed, whose modification time is older than
// olderThan. It returns the removed paths. Errors on individual entries
// are logged and skipped.
func CleanStaleScratch(dir string, olderThan time.Duration) ([]string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ScratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Info("Failed to stat scratch dir (ignoring)", slog.String("name", entry.Name()), slog.Any("error", err))
			}
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Info("Failed to remove scratch dir (ignoring)", slog.String("path", path), slog.Any("error", err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// IsWorkingOutput reports whether name looks like an in-progress output
// file: ".<base>.tracesort-<id>.tmp".
func IsWorkingOutput(name string) bool {
	return strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, WorkingSuffix) &&
		strings.Contains(name, "."+ScratchPrefix)
}

// CleanStaleOutputs removes working output files in dir older than olderThan.
func CleanStaleOutputs(dir string, olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsWorkingOutput(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Info("Failed to remove working output (ignoring)", slog.String("path", path), slog.Any("error", err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}
