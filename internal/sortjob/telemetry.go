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
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("github.com/cardinalhq/tracesort/internal/sortjob")

	recordsInCounter          otelmetric.Int64Counter
	recordsOutCounter         otelmetric.Int64Counter
	recordsPassthroughCounter otelmetric.Int64Counter
	recordsDroppedCounter     otelmetric.Int64Counter
	runsWrittenCounter        otelmetric.Int64Counter
	runBytesCounter           otelmetric.Int64Counter
	jobsCounter               otelmetric.Int64Counter
	jobDuration               otelmetric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/tracesort/internal/sortjob")

	var err error
	recordsInCounter, err = meter.Int64Counter(
		"tracesort.records.in",
		otelmetric.WithDescription("Number of records read from trace sources"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.in counter: %w", err))
	}

	recordsOutCounter, err = meter.Int64Counter(
		"tracesort.records.out",
		otelmetric.WithDescription("Number of records written to sorted outputs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.out counter: %w", err))
	}

	recordsPassthroughCounter, err = meter.Int64Counter(
		"tracesort.records.passthrough",
		otelmetric.WithDescription("Number of records without a parsable sort key"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.passthrough counter: %w", err))
	}

	recordsDroppedCounter, err = meter.Int64Counter(
		"tracesort.records.dropped",
		otelmetric.WithDescription("Number of unkeyed records discarded by the drop policy"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.dropped counter: %w", err))
	}

	runsWrittenCounter, err = meter.Int64Counter(
		"tracesort.runs.written",
		otelmetric.WithDescription("Number of sorted runs spilled to scratch"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runs.written counter: %w", err))
	}

	runBytesCounter, err = meter.Int64Counter(
		"tracesort.run.bytes",
		otelmetric.WithDescription("Bytes written to run files"),
		otelmetric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create run.bytes counter: %w", err))
	}

	jobsCounter, err = meter.Int64Counter(
		"tracesort.jobs",
		otelmetric.WithDescription("Number of sort jobs finished, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create jobs counter: %w", err))
	}

	jobDuration, err = meter.Float64Histogram(
		"tracesort.job.duration",
		otelmetric.WithDescription("Wall time of sort jobs"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create job.duration histogram: %w", err))
	}
}
