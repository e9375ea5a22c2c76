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
	"os"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
)

// gcsClient uploads to Google Cloud Storage using Application Default
// Credentials, optionally impersonating a service account.
type gcsClient struct {
	client *storage.Client
}

func newGCSClient(ctx context.Context, cfg Config) (*gcsClient, error) {
	var opts []option.ClientOption
	if cfg.ServiceAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: cfg.ServiceAccount,
			Scopes:          []string{storage.ScopeReadWrite},
		})
		if err != nil {
			return nil, fmt.Errorf("creating impersonated token source: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCP storage client: %w", err)
	}
	return &gcsClient{client: client}, nil
}

// UploadObject uploads a file to GCS.
func (c *gcsClient) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	ctx, span := tracer.Start(ctx, "cloudstorage.gcsUploadObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	file, err := os.Open(sourceFilename)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", sourceFilename, err)
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	writer := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	writer.Metadata = map[string]string{
		"writer": "tracesort",
	}
	if _, err := io.Copy(writer, file); err != nil {
		_ = writer.Close()
		span.RecordError(err)
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", ProviderGCS)))
		return fmt.Errorf("failed to upload object %s/%s: %w", bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		span.RecordError(err)
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", ProviderGCS)))
		return fmt.Errorf("failed to close writer for %s/%s: %w", bucket, key, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", ProviderGCS)))
	uploadBytes.Add(ctx, stat.Size(), metric.WithAttributes(attribute.String("provider", ProviderGCS)))
	return nil
}

// DeleteObject deletes an object from GCS.
func (c *gcsClient) DeleteObject(ctx context.Context, bucket, key string) error {
	ctx, span := tracer.Start(ctx, "cloudstorage.gcsDeleteObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	if err := c.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *gcsClient) Close() error {
	return c.client.Close()
}
