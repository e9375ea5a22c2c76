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
	"container/heap"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/tracesort/internal/recordio"
	"github.com/cardinalhq/tracesort/internal/runfile"
)

// mergeCursor is an open run with one entry of lookahead.
type mergeCursor struct {
	run  *runfile.Run
	r    *runfile.Reader
	head runfile.Entry
}

// cursorHeap orders cursors by their head entry, breaking ties by run
// index so equal keys come out in source order.
type cursorHeap []*mergeCursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := runfile.Compare(h[i].head, h[j].head); c != 0 {
		return c < 0
	}
	return h[i].run.Index < h[j].run.Index
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*mergeCursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// mergeResult carries what the merge learned about the keyed output.
type mergeResult struct {
	records  int64
	keyed    int64
	firstKey int64
	lastKey  int64
}

// merge streams the union of runs into w in global order. Each run file is
// deleted as soon as it is exhausted and verified.
func (jc *jobContext) merge(runs []*runfile.Run, w recordio.Writer) (mergeResult, error) {
	ctx, span := tracer.Start(jc.ctx, "tracesort.merge",
		trace.WithAttributes(attribute.Int("runs", len(runs))))
	defer span.End()

	var res mergeResult
	h := make(cursorHeap, 0, len(runs))
	defer func() {
		for _, c := range h {
			_ = c.r.Close()
		}
	}()

	for _, run := range runs {
		rr, err := jc.spiller.Open(run)
		if err != nil {
			return res, newError(KindRunRead, "open run", run.Path, err)
		}
		c := &mergeCursor{run: run, r: rr}
		ok, err := jc.advance(c)
		if err != nil {
			_ = rr.Close()
			return res, err
		}
		if ok {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	interval := int64(jc.cfg.MergeCheckInterval)
	for h.Len() > 0 {
		c := h[0]
		if err := w.Write(c.head.Record); err != nil {
			span.RecordError(err)
			return res, newError(KindOutputWrite, "write output", jc.working, err)
		}
		res.records++
		if c.head.Keyed {
			if res.keyed == 0 {
				res.firstKey = c.head.Key
			}
			res.lastKey = c.head.Key
			res.keyed++
		}

		ok, err := jc.advance(c)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}

		if res.records%interval == 0 {
			jc.counters.recordsMerged.Store(res.records)
			jc.notify()
			if err := jc.checkCancelled("merge runs"); err != nil {
				return res, err
			}
		}
	}

	jc.counters.recordsMerged.Store(res.records)
	recordsOutCounter.Add(ctx, res.records)
	span.SetAttributes(attribute.Int64("records", res.records))
	jc.notify()
	return res, nil
}

// advance loads the cursor's next entry. At the end of a verified run the
// reader is closed, the run file removed and false returned.
func (jc *jobContext) advance(c *mergeCursor) (bool, error) {
	e, err := c.r.Next()
	if err == nil {
		c.head = e
		return true, nil
	}
	if !errors.Is(err, io.EOF) {
		return false, newError(KindRunRead, "read run", c.run.Path, err)
	}

	_ = c.r.Close()
	if err := jc.spiller.Remove(c.run); err != nil {
		jc.logger.Warn("Failed to remove exhausted run", slog.String("path", c.run.Path), slog.Any("error", err))
	} else {
		jc.scratch.release(c.run.Path)
	}
	return false, nil
}
