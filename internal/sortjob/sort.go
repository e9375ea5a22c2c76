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

import "context"

// Sort sorts source into destination using DefaultConfig with the given
// marker and scale. It blocks until the job reaches a terminal state.
func Sort(ctx context.Context, source, destination, marker string, scale int64, opts ...Option) error {
	cfg := DefaultConfig()
	cfg.Marker = marker
	cfg.Scale = scale
	job, err := NewJob(source, destination, cfg, opts...)
	if err != nil {
		return err
	}
	return job.Run(ctx)
}
