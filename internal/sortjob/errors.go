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
	"fmt"
)

var (
	// ErrCancelled matches every error returned by a job that ended in
	// StateCancelled.
	ErrCancelled = errors.New("sort job cancelled")
	// ErrAlreadyStarted is returned by Run on a job that has already run.
	ErrAlreadyStarted = errors.New("sort job already started")
)

// Kind classifies a job failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is an invalid configuration or an unusable destination or
	// scratch location, detected before any records are read.
	KindConfig
	// KindSourceRead covers opening, reading, decompressing or framing the source.
	KindSourceRead
	// KindRunWrite covers creating and writing run files.
	KindRunWrite
	// KindRunRead covers reading run files back during the merge, including
	// integrity check failures.
	KindRunRead
	// KindOutputWrite covers the working output file and its final rename.
	KindOutputWrite
	// KindMetadataHook means the output was committed but the hook failed.
	KindMetadataHook
	// KindCancelled means the job's context was cancelled or timed out.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSourceRead:
		return "source-read"
	case KindRunWrite:
		return "run-write"
	case KindRunRead:
		return "run-read"
	case KindOutputWrite:
		return "output-write"
	case KindMetadataHook:
		return "metadata-hook"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the terminal error of a sort job.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "open source" or "write run".
	Op string
	// Path is the file involved, if any.
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := "tracesort: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCancelled) true for cancellation errors
// regardless of whether the cause was Cancel, a cancelled context or a
// deadline.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func configError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: "configure", Err: fmt.Errorf(format, args...)}
}
