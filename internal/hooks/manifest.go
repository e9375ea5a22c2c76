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
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/tracesort/internal/idgen"
	"github.com/cardinalhq/tracesort/internal/logctx"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

const defaultManifestSuffix = ".manifest.yaml"

// ManifestConfig controls the YAML manifest written beside each output.
type ManifestConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Suffix is appended to the output file name.
	Suffix string `mapstructure:"suffix"`
}

func DefaultManifestConfig() ManifestConfig {
	return ManifestConfig{Suffix: defaultManifestSuffix}
}

// Manifest describes one sorted output.
type Manifest struct {
	JobID    string    `yaml:"job_id"`
	Instance string    `yaml:"instance"`
	Source   string    `yaml:"source"`
	Output   string    `yaml:"output"`
	Format   string    `yaml:"format"`
	Marker   string    `yaml:"marker"`
	Scale    int64     `yaml:"scale"`
	SortedAt time.Time `yaml:"sorted_at"`
	Duration string    `yaml:"duration"`
	Records  Records   `yaml:"records"`
	Runs     int64     `yaml:"runs"`
	Bytes    int64     `yaml:"bytes"`
	Checksum string    `yaml:"xxhash64"`
	KeyRange *KeyRange `yaml:"key_range,omitempty"`
}

type Records struct {
	In          int64 `yaml:"in"`
	Out         int64 `yaml:"out"`
	Passthrough int64 `yaml:"passthrough"`
	Dropped     int64 `yaml:"dropped"`
}

type KeyRange struct {
	First int64 `yaml:"first"`
	Last  int64 `yaml:"last"`
}

// ManifestPath returns where the manifest for output is written.
func ManifestPath(output, suffix string) string {
	if suffix == "" {
		suffix = defaultManifestSuffix
	}
	return output + suffix
}

// ManifestHook writes a Manifest next to the output.
type ManifestHook struct {
	suffix string
	now    func() time.Time
}

func NewManifestHook(cfg ManifestConfig) *ManifestHook {
	suffix := cfg.Suffix
	if suffix == "" {
		suffix = defaultManifestSuffix
	}
	return &ManifestHook{suffix: suffix, now: time.Now}
}

func (h *ManifestHook) ProcessMetadata(ctx context.Context, trace sortjob.Trace, destDir string) error {
	sum, err := fileChecksum(trace.Destination)
	if err != nil {
		return fmt.Errorf("failed to checksum output: %w", err)
	}

	s := trace.Stats
	m := Manifest{
		JobID:    trace.JobID,
		Instance: idgen.InstanceID(),
		Source:   trace.Source,
		Output:   filepath.Base(trace.Destination),
		Format:   string(trace.Format),
		Marker:   trace.Marker,
		Scale:    trace.Scale,
		SortedAt: h.now().UTC().Truncate(time.Second),
		Duration: s.Duration.Round(time.Millisecond).String(),
		Records: Records{
			In:          s.RecordsIn,
			Out:         s.RecordsOut,
			Passthrough: s.Passthrough,
			Dropped:     s.Dropped,
		},
		Runs:     s.Runs,
		Bytes:    s.OutputBytes,
		Checksum: strconv.FormatUint(sum, 16),
	}
	if s.Keyed > 0 {
		m.KeyRange = &KeyRange{First: s.FirstKey, Last: s.LastKey}
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := ManifestPath(filepath.Join(destDir, filepath.Base(trace.Destination)), h.suffix)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	logctx.FromContext(ctx).Debug("Wrote manifest", slog.String("path", path))
	return nil
}

// ReadManifest loads a manifest written by ManifestHook.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return &m, nil
}

func fileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	d := xxhash.New()
	if _, err := io.Copy(d, f); err != nil {
		return 0, err
	}
	return d.Sum64(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}
