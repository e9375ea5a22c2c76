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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cardinalhq/tracesort/internal/cloudstorage"
	"github.com/cardinalhq/tracesort/internal/logctx"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

// PublishHook uploads the sorted output, and its manifest if one was
// written, to object storage.
type PublishHook struct {
	client         cloudstorage.Client
	cfg            cloudstorage.Config
	manifestSuffix string
}

// NewPublishHook returns a hook uploading through client. manifestSuffix
// is empty when manifests are disabled.
func NewPublishHook(client cloudstorage.Client, cfg cloudstorage.Config, manifestSuffix string) *PublishHook {
	return &PublishHook{client: client, cfg: cfg, manifestSuffix: manifestSuffix}
}

// ObjectKey is the key the output of trace is published under.
func (h *PublishHook) ObjectKey(trace sortjob.Trace) string {
	return h.cfg.Key(filepath.Base(trace.Destination))
}

// ObjectURI names the published output, e.g. "s3://bucket/prefix/out.log".
func (h *PublishHook) ObjectURI(trace sortjob.Trace) string {
	return fmt.Sprintf("%s://%s/%s", h.cfg.Provider, h.cfg.Bucket, h.ObjectKey(trace))
}

func (h *PublishHook) ProcessMetadata(ctx context.Context, trace sortjob.Trace, destDir string) error {
	logger := logctx.FromContext(ctx)
	output := filepath.Join(destDir, filepath.Base(trace.Destination))
	key := h.ObjectKey(trace)
	if err := h.client.UploadObject(ctx, h.cfg.Bucket, key, output); err != nil {
		return fmt.Errorf("failed to publish output: %w", err)
	}

	if h.manifestSuffix != "" {
		manifest := ManifestPath(output, h.manifestSuffix)
		_, err := os.Stat(manifest)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return h.rollback(ctx, key, fmt.Errorf("failed to stat manifest: %w", err))
		default:
			if err := h.client.UploadObject(ctx, h.cfg.Bucket, ManifestPath(key, h.manifestSuffix), manifest); err != nil {
				return h.rollback(ctx, key, fmt.Errorf("failed to publish manifest: %w", err))
			}
		}
	}

	logger.Info("Published sorted trace",
		slog.String("bucket", h.cfg.Bucket),
		slog.String("key", key))
	return nil
}

// rollback deletes an uploaded output so a failed publish leaves no
// object without its manifest.
func (h *PublishHook) rollback(ctx context.Context, key string, cause error) error {
	if err := h.client.DeleteObject(ctx, h.cfg.Bucket, key); err != nil {
		logctx.FromContext(ctx).Warn("Failed to remove partially published output",
			slog.String("key", key), slog.Any("error", err))
	}
	return cause
}
