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

package sortjob

import (
	"context"

	"github.com/cardinalhq/tracesort/internal/recordio"
)

// Trace describes a committed output to a MetadataHook.
type Trace struct {
	JobID       string
	Source      string
	Destination string
	Marker      string
	Scale       int64
	Format      recordio.Format
	Stats       Stats
}

// MetadataHook post-processes a sorted trace. ProcessMetadata is called
// exactly once per successful sort, after the output has been renamed into
// place. destDir is the directory holding the output. A returned error
// fails the job but leaves the output in place.
type MetadataHook interface {
	ProcessMetadata(ctx context.Context, trace Trace, destDir string) error
}

// NopHook does nothing.
type NopHook struct{}

func (NopHook) ProcessMetadata(context.Context, Trace, string) error { return nil }

// HookFunc adapts a function to MetadataHook.
type HookFunc func(ctx context.Context, trace Trace, destDir string) error

func (f HookFunc) ProcessMetadata(ctx context.Context, trace Trace, destDir string) error {
	return f(ctx, trace, destDir)
}

type chain []MetadataHook

func (c chain) ProcessMetadata(ctx context.Context, trace Trace, destDir string) error {
	for _, h := range c {
		if err := h.ProcessMetadata(ctx, trace, destDir); err != nil {
			return err
		}
	}
	return nil
}

// ChainHooks runs hooks in order, stopping at the first error. Nil hooks
// are skipped.
func ChainHooks(hooks ...MetadataHook) MetadataHook {
	c := make(chain, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			c = append(c, h)
		}
	}
	if len(c) == 0 {
		return NopHook{}
	}
	if len(c) == 1 {
		return c[0]
	}
	return c
}
