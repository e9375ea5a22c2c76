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

// Package hooks provides the MetadataHook implementations run after a
// trace has been sorted: sidecar copying, manifests, object storage
// publishing and Kafka notifications.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cardinalhq/tracesort/internal/cloudstorage"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

// Config enables and configures each hook.
type Config struct {
	Sidecars SidecarConfig
	Manifest ManifestConfig
	Publish  cloudstorage.Config
	Notify   NotifyConfig
}

// Set is the chained hook built from a Config plus anything it must release.
type Set struct {
	sortjob.MetadataHook
	closers []func() error
}

// Close releases network clients held by the hooks.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build wires the enabled hooks in the order sidecars, manifest, publish,
// notify, so a notification is sent only once everything else is in place.
func Build(ctx context.Context, cfg Config) (*Set, error) {
	set := &Set{}
	var chain []sortjob.MetadataHook

	if cfg.Sidecars.Enabled() {
		chain = append(chain, NewSidecarHook(cfg.Sidecars))
	}

	manifestSuffix := ""
	if cfg.Manifest.Enabled {
		hook := NewManifestHook(cfg.Manifest)
		manifestSuffix = hook.suffix
		chain = append(chain, hook)
	}

	var object func(sortjob.Trace) string
	if cfg.Publish.Enabled() {
		client, err := cloudstorage.NewClient(ctx, cfg.Publish)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		if c, ok := client.(io.Closer); ok {
			set.closers = append(set.closers, c.Close)
		}
		publish := NewPublishHook(client, cfg.Publish, manifestSuffix)
		object = publish.ObjectURI
		chain = append(chain, publish)
	}

	if cfg.Notify.Enabled() {
		notify := NewNotifyHook(NewKafkaWriter(cfg.Notify), object)
		set.closers = append(set.closers, notify.Close)
		chain = append(chain, notify)
	}

	set.MetadataHook = sortjob.ChainHooks(chain...)
	return set, nil
}
