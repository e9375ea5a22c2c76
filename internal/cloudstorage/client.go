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

// Package cloudstorage uploads sorted traces to object storage.
package cloudstorage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Client provides a unified interface for object storage operations across providers.
type Client interface {
	// UploadObject uploads a local file to bucket/key.
	UploadObject(ctx context.Context, bucket, key, sourceFilename string) error

	// DeleteObject deletes bucket/key. A missing object is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Provider names.
const (
	ProviderS3    = "s3"
	ProviderAzure = "azure"
	ProviderGCS   = "gcs"
	ProviderFile  = "file"
)

// Config selects and configures a provider. An empty Provider disables
// publishing.
type Config struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`

	// S3
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Azure. Endpoint, if set, overrides the account's default blob URL.
	StorageAccount string `mapstructure:"storage_account"`

	// GCS. ServiceAccount, if set, is impersonated.
	ServiceAccount string `mapstructure:"service_account"`

	// File. Buckets become directories under BaseDir.
	BaseDir string `mapstructure:"base_dir"`
}

func DefaultConfig() Config {
	return Config{}
}

// Enabled reports whether a provider is configured.
func (c Config) Enabled() bool { return c.Provider != "" }

// Validate checks that the settings the provider needs are present.
func (c Config) Validate() error {
	switch c.Provider {
	case "":
		return nil
	case ProviderS3:
	case ProviderAzure:
		if c.StorageAccount == "" && c.Endpoint == "" {
			return fmt.Errorf("azure publishing needs storage_account or endpoint")
		}
	case ProviderGCS:
	case ProviderFile:
		if c.BaseDir == "" {
			return fmt.Errorf("file publishing needs base_dir")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Provider)
	}
	if c.Bucket == "" {
		return fmt.Errorf("%s publishing needs a bucket", c.Provider)
	}
	return nil
}

// Key joins the configured prefix and name into an object key.
func (c Config) Key(name string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// NewClient builds the client for cfg.Provider.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderS3:
		return newS3Client(ctx, cfg)
	case ProviderAzure:
		return newAzureClient(cfg)
	case ProviderGCS:
		return newGCSClient(ctx, cfg)
	case ProviderFile:
		return NewFileClient(cfg.BaseDir), nil
	default:
		return nil, fmt.Errorf("no storage provider configured")
	}
}
