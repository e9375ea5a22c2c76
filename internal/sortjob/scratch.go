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
	"errors"
	"io/fs"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/tracesort/internal/helpers"
)

// scratch is a job's private scratch directory and the set of files in it
// that are still live.
type scratch struct {
	dir  string
	live mapset.Set[string]
	once sync.Once
	err  error
}

func newScratch(parent, jobID string) (*scratch, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir, err := os.MkdirTemp(parent, helpers.ScratchPrefix+jobID+"-*")
	if err != nil {
		return nil, err
	}
	return &scratch{dir: dir, live: mapset.NewSet[string]()}, nil
}

func (s *scratch) track(path string)   { s.live.Add(path) }
func (s *scratch) release(path string) { s.live.Remove(path) }

// Live returns the number of tracked files.
func (s *scratch) Live() int { return s.live.Cardinality() }

// remove deletes every live file and then the directory itself. It runs
// once; later calls return the first result.
func (s *scratch) remove() error {
	s.once.Do(func() {
		var result *multierror.Error
		for _, path := range s.live.ToSlice() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				result = multierror.Append(result, err)
			}
			s.live.Remove(path)
		}
		if err := os.RemoveAll(s.dir); err != nil {
			result = multierror.Append(result, err)
		}
		s.err = result.ErrorOrNil()
	})
	return s.err
}
