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

package cloudstorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileClient_UploadDelete(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(t.TempDir(), "sorted.log")
	require.NoError(t, os.WriteFile(src, []byte("ts=1\n"), 0o644))

	cfg := Config{Provider: ProviderFile, Bucket: "traces", BaseDir: base}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	key := cfg.Key("2025/sorted.log")
	require.NoError(t, client.UploadObject(ctx, "traces", key, src))

	stored := filepath.Join(base, "traces", "2025", "sorted.log")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "ts=1\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(stored))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, client.DeleteObject(ctx, "traces", key))
	assert.NoFileExists(t, stored)
	require.NoError(t, client.DeleteObject(ctx, "traces", key))
}

func TestFileClient_UploadMissingSource(t *testing.T) {
	client := NewFileClient(t.TempDir())
	err := client.UploadObject(context.Background(), "b", "k", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"s3", Config{Provider: ProviderS3, Bucket: "b"}, false},
		{"s3 without bucket", Config{Provider: ProviderS3}, true},
		{"azure without account", Config{Provider: ProviderAzure, Bucket: "c"}, true},
		{"azure", Config{Provider: ProviderAzure, Bucket: "c", StorageAccount: "acct"}, false},
		{"file without base", Config{Provider: ProviderFile, Bucket: "b"}, true},
		{"gcs", Config{Provider: ProviderGCS, Bucket: "b", ServiceAccount: "sorter@proj.iam.gserviceaccount.com"}, false},
		{"gcs without bucket", Config{Provider: ProviderGCS}, true},
		{"unknown", Config{Provider: "ftp", Bucket: "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.False(t, Config{}.Enabled())
}

func TestConfig_Key(t *testing.T) {
	assert.Equal(t, "out.log", Config{}.Key("out.log"))
	assert.Equal(t, "traces/2025/out.log", Config{Prefix: "/traces/2025/"}.Key("out.log"))
}

func TestNewClient_Disabled(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}
