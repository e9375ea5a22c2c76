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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FileClient stores objects on the local filesystem, one directory per
// bucket. It serves shared-filesystem deployments and tests.
type FileClient struct {
	base string
}

// NewFileClient returns a client rooted at base.
func NewFileClient(base string) *FileClient {
	return &FileClient{base: base}
}

// Path returns where bucket/key is stored.
func (c *FileClient) Path(bucket, key string) string {
	return filepath.Join(c.base, bucket, filepath.FromSlash(key))
}

// UploadObject copies a local file into the bucket/key location. The copy
// is written beside the target and renamed so readers never see a partial
// object.
func (c *FileClient) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	dst := c.Path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(sourceFilename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", ProviderFile)))
		return fmt.Errorf("failed to store %s/%s: %w", bucket, key, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", ProviderFile)))
	uploadBytes.Add(ctx, n, metric.WithAttributes(attribute.String("provider", ProviderFile)))
	return nil
}

// DeleteObject removes the file at bucket/key if it exists.
func (c *FileClient) DeleteObject(_ context.Context, bucket, key string) error {
	if err := os.Remove(c.Path(bucket, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
