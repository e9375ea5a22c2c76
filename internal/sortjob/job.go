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

// Package sortjob sorts text traces by a timestamp embedded in each record.
//
// A Job reads the source in memory-bounded batches, sorts each batch by the
// extracted key and spills it to a run file in a private scratch
// directory, then k-way merges the runs into a working file next to the
// destination and renames it into place. Records without a usable key are
// handled by the configured PassthroughPolicy. The sort is stable: records
// with equal keys keep their source order.
package sortjob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/tracesort/internal/helpers"
	"github.com/cardinalhq/tracesort/internal/idgen"
	"github.com/cardinalhq/tracesort/internal/logctx"
	"github.com/cardinalhq/tracesort/internal/recordio"
	"github.com/cardinalhq/tracesort/internal/runfile"
	"github.com/cardinalhq/tracesort/internal/sortkey"
)

// Option configures a Job.
type Option func(*Job)

// WithMetadataHook sets the hook run after the output is committed.
func WithMetadataHook(h MetadataHook) Option {
	return func(j *Job) {
		if h != nil {
			j.hook = h
		}
	}
}

// WithProgressFunc registers a callback invoked at batch and merge
// boundaries and on every state change. Calls are serialized but may come
// from any goroutine; the callback must not block for long.
func WithProgressFunc(fn func(Progress)) Option {
	return func(j *Job) { j.progressFn = fn }
}

// WithLogger sets the logger. The default is the logger in the context
// passed to Run.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) { j.logger = logger }
}

// Job is a single sort of one source into one destination. A Job runs at
// most once.
type Job struct {
	id          string
	source      string
	destination string
	cfg         Config
	format      recordio.Format
	extractor   *sortkey.Extractor
	hook        MetadataHook
	progressFn  func(Progress)
	logger      *slog.Logger

	state    atomic.Int32
	counters counters

	keyed    atomic.Int64
	firstKey atomic.Int64
	lastKey  atomic.Int64

	startedAt atomic.Int64
	duration  atomic.Int64

	cancelMu        sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool

	progressMu sync.Mutex
}

// NewJob validates cfg and returns a pending job. Zero-valued tunables in
// cfg take their DefaultConfig values; Marker and Scale must be set.
func NewJob(source, destination string, cfg Config, opts ...Option) (*Job, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindConfig, "configure", "", err)
	}
	if source == "" || destination == "" {
		return nil, configError("source and destination must both be set")
	}
	src, err := filepath.Abs(source)
	if err != nil {
		return nil, newError(KindConfig, "resolve source", source, err)
	}
	dst, err := filepath.Abs(destination)
	if err != nil {
		return nil, newError(KindConfig, "resolve destination", destination, err)
	}
	if src == dst {
		return nil, configError("destination %s is the source; traces are never sorted in place", dst)
	}
	extractor, err := sortkey.New(cfg.Marker, cfg.Scale)
	if err != nil {
		return nil, newError(KindConfig, "configure", "", err)
	}
	format, _ := recordio.ParseFormat(cfg.Format)

	j := &Job{
		id:          idgen.NewJobID(),
		source:      src,
		destination: dst,
		cfg:         cfg,
		format:      format.Resolve(src),
		extractor:   extractor,
		hook:        NopHook{},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// ID returns the job's ULID.
func (j *Job) ID() string { return j.id }

// Source returns the absolute source path.
func (j *Job) Source() string { return j.source }

// Destination returns the absolute destination path.
func (j *Job) Destination() string { return j.destination }

// Format returns the record framing used for the source and output.
func (j *Job) Format() recordio.Format { return j.format }

// State returns the current lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// Progress returns a snapshot of the job's progress. Percent never
// decreases between calls.
func (j *Job) Progress() Progress { return j.counters.snapshot(j.State()) }

// Stats returns the job's counters. Duration is the elapsed time so far
// while running and the total once terminal.
func (j *Job) Stats() Stats {
	c := &j.counters
	s := Stats{
		RecordsIn:   c.recordsRead.Load(),
		RecordsOut:  c.recordsMerged.Load(),
		Passthrough: c.passthrough.Load(),
		Dropped:     c.dropped.Load(),
		Runs:        c.runsWritten.Load(),
		RunBytes:    c.runBytes.Load(),
		SourceBytes: c.sourceBytes.Load(),
		OutputBytes: c.outputBytes.Load(),
		Keyed:       j.keyed.Load(),
		FirstKey:    j.firstKey.Load(),
		LastKey:     j.lastKey.Load(),
	}
	if d := j.duration.Load(); d > 0 {
		s.Duration = time.Duration(d)
	} else if start := j.startedAt.Load(); start > 0 {
		s.Duration = time.Since(time.Unix(0, start))
	}
	return s
}

// Cancel asks the job to stop. A running job stops at its next check
// point and ends Cancelled; a pending job is cancelled as soon as it runs.
// Cancel after a terminal state does nothing.
func (j *Job) Cancel() {
	j.cancelMu.Lock()
	defer j.cancelMu.Unlock()
	j.cancelRequested = true
	if j.cancel != nil {
		j.cancel()
	}
}

// Run executes the job in the calling goroutine and returns its terminal
// error, nil on success. A second call returns ErrAlreadyStarted.
func (j *Job) Run(ctx context.Context) error {
	if !j.state.CompareAndSwap(int32(StatePending), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.cancelMu.Lock()
	j.cancel = cancel
	if j.cancelRequested {
		cancel()
	}
	j.cancelMu.Unlock()

	if j.logger != nil {
		ctx = logctx.WithLogger(ctx, j.logger)
	}
	ctx, logger := logctx.WithJob(ctx, j.id, j.source, j.destination)

	start := time.Now()
	j.startedAt.Store(start.UnixNano())
	logger.Info("Starting sort job",
		slog.String("format", string(j.format)),
		slog.String("marker", j.cfg.Marker),
		slog.Int64("scale", j.cfg.Scale))
	j.notify()

	err := j.execute(ctx, logger)
	return j.finish(ctx, logger, start, err)
}

func (j *Job) finish(ctx context.Context, logger *slog.Logger, start time.Time, err error) error {
	elapsed := time.Since(start)
	j.duration.Store(int64(max(elapsed, 1)))

	state := StateCompleted
	switch {
	case err == nil:
	case KindOf(err) == KindCancelled:
		state = StateCancelled
	default:
		state = StateFailed
	}
	j.state.Store(int32(state))
	j.counters.phase.Store(int32(PhaseDone))

	mctx := context.WithoutCancel(ctx)
	c := &j.counters
	recordsInCounter.Add(mctx, c.recordsRead.Load())
	recordsPassthroughCounter.Add(mctx, c.passthrough.Load())
	recordsDroppedCounter.Add(mctx, c.dropped.Load())
	outcome := otelmetric.WithAttributes(attribute.String("outcome", state.String()))
	jobsCounter.Add(mctx, 1, outcome)
	jobDuration.Record(mctx, elapsed.Seconds(), outcome)

	attrs := []any{
		slog.String("state", state.String()),
		slog.Duration("duration", elapsed),
		slog.Int64("records", c.recordsRead.Load()),
		slog.Int64("passthrough", c.passthrough.Load()),
		slog.Int64("runs", c.runsWritten.Load()),
	}
	switch state {
	case StateCompleted:
		logger.Info("Sort job completed", attrs...)
	case StateCancelled:
		logger.Info("Sort job cancelled", attrs...)
	default:
		attrs = append(attrs, slog.String("kind", KindOf(err).String()), slog.Any("error", err))
		logger.Error("Sort job failed", attrs...)
	}
	j.notify()
	return err
}

func (j *Job) notify() {
	if j.progressFn == nil {
		return
	}
	j.progressMu.Lock()
	defer j.progressMu.Unlock()
	j.progressFn(j.Progress())
}

// workingPath is the name the output is written under until it is renamed
// into place.
func (j *Job) workingPath() string {
	dir, base := filepath.Split(j.destination)
	return filepath.Join(dir, "."+base+"."+helpers.ScratchPrefix+j.id+helpers.WorkingSuffix)
}

func (j *Job) execute(ctx context.Context, logger *slog.Logger) error {
	if err := j.checkDestination(); err != nil {
		return err
	}

	src, err := recordio.OpenSource(j.source)
	if err != nil {
		return newError(KindSourceRead, "open source", j.source, err)
	}
	defer func() { _ = src.Close() }()
	j.counters.sourceBytes.Store(src.Size())

	if j.cfg.CheckScratchSpace {
		if err := j.checkSpace(src.Size()); err != nil {
			return err
		}
	}

	reader, err := recordio.NewReader(j.format, src, j.cfg.MaxRecordBytes)
	if err != nil {
		return newError(KindConfig, "configure", j.source, err)
	}

	sc, err := newScratch(j.cfg.TempDir, j.id)
	if err != nil {
		return newError(KindRunWrite, "create scratch dir", j.cfg.TempDir, err)
	}
	defer j.removeScratch(sc, logger)

	spiller, err := runfile.NewSpiller(sc.dir, j.cfg.CompressRuns)
	if err != nil {
		return newError(KindRunWrite, "create spiller", sc.dir, err)
	}

	jc := &jobContext{
		ctx:         ctx,
		logger:      logger,
		cfg:         j.cfg,
		source:      j.source,
		destination: j.destination,
		working:     j.workingPath(),
		format:      j.format,
		extractor:   j.extractor,
		spiller:     spiller,
		scratch:     sc,
		counters:    &j.counters,
		notify:      j.notify,
	}
	if err := jc.checkCancelled("start"); err != nil {
		return err
	}

	j.counters.phase.Store(int32(PhaseBuild))
	j.notify()
	runs, err := jc.build(src, reader)
	if err != nil {
		return err
	}
	logger.Info("Built sorted runs",
		slog.Int("runs", len(runs)),
		slog.Int64("records", j.counters.recordsRead.Load()),
		slog.Int64("passthrough", j.counters.passthrough.Load()))

	j.counters.phase.Store(int32(PhaseMerge))
	j.notify()
	res, err := jc.writeOutput(runs, reader.Envelope())
	if err != nil {
		return err
	}
	j.keyed.Store(res.keyed)
	j.firstKey.Store(res.firstKey)
	j.lastKey.Store(res.lastKey)
	j.removeScratch(sc, logger)

	j.counters.phase.Store(int32(PhaseHook))
	j.notify()
	return j.runHook(ctx)
}

func (j *Job) runHook(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tracesort.hook",
		trace.WithAttributes(attribute.String("destination", j.destination)))
	defer span.End()

	t := Trace{
		JobID:       j.id,
		Source:      j.source,
		Destination: j.destination,
		Marker:      j.cfg.Marker,
		Scale:       j.cfg.Scale,
		Format:      j.format,
		Stats:       j.Stats(),
	}
	if err := j.hook.ProcessMetadata(ctx, t, filepath.Dir(j.destination)); err != nil {
		span.RecordError(err)
		return newError(KindMetadataHook, "process metadata", j.destination, err)
	}
	return nil
}

// checkDestination requires an existing directory to write into and, unless
// Overwrite is set, no existing destination file.
func (j *Job) checkDestination() error {
	dir := filepath.Dir(j.destination)
	info, err := os.Stat(dir)
	if err != nil {
		return newError(KindConfig, "check destination dir", dir, err)
	}
	if !info.IsDir() {
		return newError(KindConfig, "check destination dir", dir, errors.New("not a directory"))
	}

	info, err = os.Stat(j.destination)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return newError(KindConfig, "check destination", j.destination, err)
	case info.IsDir():
		return newError(KindConfig, "check destination", j.destination, errors.New("is a directory"))
	case !j.cfg.Overwrite:
		return newError(KindConfig, "check destination", j.destination, fs.ErrExist)
	}
	return nil
}

// checkSpace verifies that the scratch and destination filesystems can each
// hold a copy of the source. Compressed sources are checked against their
// compressed size.
func (j *Job) checkSpace(sourceSize int64) error {
	scratchDir := j.cfg.TempDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	need := uint64(max(sourceSize, 0))
	if err := helpers.EnsureFreeSpace(scratchDir, need, j.cfg.ScratchHeadroom); err != nil {
		return newError(KindConfig, "check scratch space", scratchDir, err)
	}
	destDir := filepath.Dir(j.destination)
	if err := helpers.EnsureFreeSpace(destDir, need, j.cfg.ScratchHeadroom); err != nil {
		return newError(KindConfig, "check output space", destDir, err)
	}
	return nil
}

func (j *Job) removeScratch(sc *scratch, logger *slog.Logger) {
	if err := sc.remove(); err != nil {
		logger.Warn("Failed to clean up scratch", slog.String("dir", sc.dir), slog.Any("error", err))
	}
}

// jobContext carries one run of a job through the pipeline.
type jobContext struct {
	ctx         context.Context
	logger      *slog.Logger
	cfg         Config
	source      string
	destination string
	working     string
	format      recordio.Format
	extractor   *sortkey.Extractor
	spiller     *runfile.Spiller
	scratch     *scratch
	counters    *counters
	notify      func()
}

func (jc *jobContext) checkCancelled(op string) error {
	if err := jc.ctx.Err(); err != nil {
		return newError(KindCancelled, op, "", err)
	}
	return nil
}

// writeOutput merges runs into the working file, syncs it and renames it
// to the destination. The working file is removed on any failure.
func (jc *jobContext) writeOutput(runs []*runfile.Run, env recordio.Envelope) (mergeResult, error) {
	var res mergeResult
	f, err := os.OpenFile(jc.working, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return res, newError(KindOutputWrite, "create output", jc.working, err)
	}
	closed, committed := false, false
	defer func() {
		if !closed {
			_ = f.Close()
		}
		if !committed {
			if err := os.Remove(jc.working); err != nil && !errors.Is(err, fs.ErrNotExist) {
				jc.logger.Warn("Failed to remove working output", slog.String("path", jc.working), slog.Any("error", err))
			}
		}
	}()

	cw, err := recordio.NewCompressor(jc.destination, f)
	if err != nil {
		return res, newError(KindOutputWrite, "create output", jc.working, err)
	}
	w, err := recordio.NewWriter(jc.format, cw, env)
	if err != nil {
		return res, newError(KindOutputWrite, "create output", jc.working, err)
	}

	res, err = jc.merge(runs, w)
	if err != nil {
		return res, err
	}
	if err := jc.checkCancelled("merge runs"); err != nil {
		return res, err
	}

	jc.counters.phase.Store(int32(PhaseCommit))
	if err := w.Close(); err != nil {
		return res, newError(KindOutputWrite, "flush output", jc.working, err)
	}
	if err := cw.Close(); err != nil {
		return res, newError(KindOutputWrite, "flush output", jc.working, err)
	}
	if err := f.Sync(); err != nil {
		return res, newError(KindOutputWrite, "sync output", jc.working, err)
	}
	if info, err := f.Stat(); err == nil {
		jc.counters.outputBytes.Store(info.Size())
	}
	closed = true
	if err := f.Close(); err != nil {
		return res, newError(KindOutputWrite, "close output", jc.working, err)
	}

	if err := jc.checkCancelled("commit output"); err != nil {
		return res, err
	}
	if !jc.cfg.Overwrite {
		if _, err := os.Lstat(jc.destination); err == nil {
			return res, newError(KindConfig, "commit output", jc.destination, fs.ErrExist)
		}
	}
	if err := os.Rename(jc.working, jc.destination); err != nil {
		return res, newError(KindOutputWrite, "rename output", jc.destination, err)
	}
	committed = true
	syncDir(filepath.Dir(jc.destination))

	jc.logger.Info("Committed sorted output",
		slog.Int64("records", res.records),
		slog.Int64("bytes", jc.counters.outputBytes.Load()))
	return res, nil
}

// syncDir makes a rename durable where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// String describes the job for logs.
func (j *Job) String() string {
	return fmt.Sprintf("sortjob %s (%s -> %s, %s)", j.id, j.source, j.destination, j.State())
}
