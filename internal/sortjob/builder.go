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
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/tracesort/internal/recordio"
	"github.com/cardinalhq/tracesort/internal/runfile"
)

// progressEvery is how many records are read between source offset updates.
const progressEvery = 4096

// build reads every record from r, cuts the stream into batches bounded by
// the configured budgets and spills each batch as a sorted run. Runs are
// returned in index order, which is source order.
func (jc *jobContext) build(src *recordio.Source, r recordio.Reader) ([]*runfile.Run, error) {
	ctx, span := tracer.Start(jc.ctx, "tracesort.build")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jc.cfg.Workers)

	var (
		mu        sync.Mutex
		runs      []*runfile.Run
		nextIndex atomic.Int64
	)

	// spill seals batch under the next run index. g.Go blocks while all
	// workers are busy, which bounds the number of batches held in memory.
	spill := func(batch []runfile.Entry) {
		index := int(nextIndex.Add(1) - 1)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slices.SortStableFunc(batch, runfile.Compare)
			run, err := jc.spiller.WriteRun(index, batch)
			if err != nil {
				return newError(KindRunWrite, "write run", jc.spiller.PathFor(index), err)
			}
			jc.scratch.track(run.Path)

			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()

			jc.counters.runsWritten.Add(1)
			jc.counters.runBytes.Add(run.Bytes)
			jc.counters.recordsSpilled.Add(run.Entries)
			runsWrittenCounter.Add(ctx, 1)
			runBytesCounter.Add(ctx, run.Bytes)
			jc.logger.Debug("Wrote run",
				slog.Int("index", run.Index),
				slog.Int64("entries", run.Entries),
				slog.Int64("bytes", run.Bytes))
			jc.notify()
			return jc.checkCancelled("write run")
		})
	}

	newBatch := func() []runfile.Entry {
		return make([]runfile.Entry, 0, min(jc.cfg.BatchRecords, 64*1024))
	}

	batch := newBatch()
	var batchBytes int64
	var readErr error
	var skipped int64
	for {
		rec, err := r.Next()
		if s := r.Skipped(); s != skipped {
			jc.counters.dropped.Add(s - skipped)
			skipped = s
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = newError(KindSourceRead, "read source", jc.source, err)
			break
		}
		n := jc.counters.recordsRead.Add(1)
		if n%progressEvery == 0 {
			jc.counters.bytesRead.Store(src.BytesRead())
		}

		key, ok := jc.extractor.Extract(rec)
		if !ok {
			jc.counters.passthrough.Add(1)
			if jc.cfg.Passthrough == PassthroughDrop {
				jc.counters.dropped.Add(1)
				continue
			}
		}
		e := runfile.Entry{Keyed: ok, Key: key, Record: rec}
		batch = append(batch, e)
		batchBytes += e.Size()

		if len(batch) >= jc.cfg.BatchRecords || batchBytes >= jc.cfg.BatchBytes {
			spill(batch)
			batch, batchBytes = newBatch(), 0
			jc.counters.bytesRead.Store(src.BytesRead())
			jc.notify()
			if gctx.Err() != nil {
				break
			}
		}
	}
	if readErr == nil && gctx.Err() == nil && len(batch) > 0 {
		spill(batch)
	}
	batch = nil
	jc.counters.bytesRead.Store(src.BytesRead())

	werr := g.Wait()
	span.SetAttributes(
		attribute.Int64("records", jc.counters.recordsRead.Load()),
		attribute.Int64("runs", jc.counters.runsWritten.Load()),
	)
	if readErr != nil {
		span.RecordError(readErr)
		return nil, readErr
	}
	if werr != nil {
		if KindOf(werr) == KindUnknown {
			// A bare context error from a worker that never started.
			if err := jc.checkCancelled("build runs"); err != nil {
				return nil, err
			}
		}
		span.RecordError(werr)
		return nil, werr
	}
	if err := jc.checkCancelled("build runs"); err != nil {
		return nil, err
	}

	slices.SortFunc(runs, func(a, b *runfile.Run) int { return a.Index - b.Index })
	jc.notify()
	return runs, nil
}
