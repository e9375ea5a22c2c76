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
	"fmt"

	"golang.org/x/sys/unix"
)

// FSUsage holds the on-disk usage stats for a given filesystem.
type FSUsage struct {
	// Bytes
	TotalBytes uint64 // total capacity (in bytes)
	FreeBytes  uint64 // bytes available to non-root users
	UsedBytes  uint64 // bytes currently in use  (TotalBytes - FreeBytes)

	// Inodes
	TotalInodes uint64
	FreeInodes  uint64
}

// DiskUsage returns FSUsage for the filesystem that contains path.
func DiskUsage(path string) (FSUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSUsage{}, err
	}

	totalBytes := st.Blocks * uint64(st.Bsize)
	freeBytes := st.Bavail * uint64(st.Bsize)

	return FSUsage{
		TotalBytes:  totalBytes,
		FreeBytes:   freeBytes,
		UsedBytes:   totalBytes - freeBytes,
		TotalInodes: st.Files,
		FreeInodes:  st.Ffree,
	}, nil
}

// InsufficientSpaceError reports a filesystem that cannot hold a planned write.
type InsufficientSpaceError struct {
	Path      string
	Needed    uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on %s: need %s, have %s",
		e.Path, FormatBytes(int64(e.Needed)), FormatBytes(int64(e.Available)))
}

// EnsureFreeSpace checks that the filesystem holding path has at least
// needed bytes available, scaled by headroom (1.0 means exactly needed).
func EnsureFreeSpace(path string, needed uint64, headroom float64) error {
	usage, err := DiskUsage(path)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem for %s: %w", path, err)
	}
	if headroom < 1 {
		headroom = 1
	}
	want := uint64(float64(needed) * headroom)
	if usage.FreeBytes < want {
		return &InsufficientSpaceError{Path: path, Needed: want, Available: usage.FreeBytes}
	}
	return nil
}
