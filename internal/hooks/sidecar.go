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

package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/cardinalhq/tracesort/internal/logctx"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

// SidecarConfig lists companion files to copy next to the sorted output.
// Patterns are doublestar globs relative to the source's directory; the
// token {stem} expands to the source file name without compression and
// format extensions, so "{stem}.meta" matches "trace.meta" for
// "trace.json.gz".
type SidecarConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

func (c SidecarConfig) Enabled() bool { return len(c.Patterns) > 0 }

// SidecarHook copies sidecar files into the destination directory,
// keeping their paths relative to the source directory.
type SidecarHook struct {
	patterns []string
}

func NewSidecarHook(cfg SidecarConfig) *SidecarHook {
	return &SidecarHook{patterns: cfg.Patterns}
}

// Stem returns a file's base name without ".gz"/".zst" and its format
// extension.
func Stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".gz", ".zst"} {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (h *SidecarHook) ProcessMetadata(ctx context.Context, trace sortjob.Trace, destDir string) error {
	srcDir := filepath.Dir(trace.Source)
	if filepath.Clean(srcDir) == filepath.Clean(destDir) {
		return nil
	}

	matches, err := h.match(srcDir, trace)
	if err != nil {
		return err
	}

	var copied []string
	for _, rel := range matches {
		dst := filepath.Join(destDir, rel)
		if err := copyFile(filepath.Join(srcDir, rel), dst); err != nil {
			for _, p := range copied {
				_ = os.Remove(p)
			}
			return fmt.Errorf("failed to copy sidecar %s: %w", rel, err)
		}
		copied = append(copied, dst)
	}
	if len(copied) > 0 {
		logctx.FromContext(ctx).Info("Copied sidecar files", slog.Int("count", len(copied)), slog.String("destDir", destDir))
	}
	return nil
}

// match returns the regular files matched by any pattern, relative to
// srcDir, excluding the source and destination themselves.
func (h *SidecarHook) match(srcDir string, trace sortjob.Trace) ([]string, error) {
	stem := Stem(trace.Source)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range h.patterns {
		pattern = strings.ReplaceAll(pattern, "{stem}", stem)
		paths, err := doublestar.Glob(filepath.Join(srcDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad sidecar pattern %q: %w", pattern, err)
		}
		for _, p := range paths {
			if p == trace.Source || p == trace.Destination || seen[p] {
				continue
			}
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(srcDir, p)
			if err != nil {
				continue
			}
			seen[p] = true
			out = append(out, rel)
		}
	}
	return out, nil
}

// copyFile writes src to a temporary name beside dst and renames it.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}
