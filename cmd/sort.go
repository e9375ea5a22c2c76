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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cardinalhq/tracesort/config"
	"github.com/cardinalhq/tracesort/internal/helpers"
	"github.com/cardinalhq/tracesort/internal/hooks"
	"github.com/cardinalhq/tracesort/internal/sortjob"
	"github.com/cardinalhq/tracesort/internal/ui"
)

const progressLogInterval = 5 * time.Second

type sortOptions struct {
	in           string
	out          string
	marker       string
	scale        int64
	batchRecords int
	batchBytes   int64
	workers      int
	tmpDir       string
	format       string
	passthrough  string
	compressRuns bool
	overwrite    bool
	progress     bool
	configPath   string
}

func init() {
	opts := &sortOptions{}
	cmd := &cobra.Command{
		Use:   "sort",
		Short: "Sort a trace file by timestamp",
		RunE: func(c *cobra.Command, _ []string) error {
			doneCtx, doneFx, err := setupTelemetry("tracesort")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()
			return runSort(doneCtx, c.Flags(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.in, "in", "", "source trace file (.gz and .zst are decompressed)")
	f.StringVar(&opts.out, "out", "", "destination file (.gz and .zst are compressed)")
	f.StringVar(&opts.marker, "marker", "", `text that precedes the timestamp, e.g. '"ts":'`)
	f.Int64Var(&opts.scale, "scale", 1, "multiplier applied to every timestamp")
	f.IntVar(&opts.batchRecords, "batch-records", 0, "records per in-memory batch")
	f.Int64Var(&opts.batchBytes, "batch-bytes", 0, "bytes per in-memory batch")
	f.IntVar(&opts.workers, "workers", 0, "batches sorted and spilled concurrently")
	f.StringVar(&opts.tmpDir, "tmpdir", "", "parent directory for scratch runs")
	f.StringVar(&opts.format, "format", "", "record framing: auto, lines or json")
	f.StringVar(&opts.passthrough, "passthrough", "", "unkeyed records: hoist or drop")
	f.BoolVar(&opts.compressRuns, "compress-runs", false, "zstd-compress run files")
	f.BoolVar(&opts.overwrite, "overwrite", false, "replace an existing destination")
	f.BoolVar(&opts.progress, "progress", false, "draw a progress bar when stdout is a terminal")
	f.StringVar(&opts.configPath, "config", "", "configuration file")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")

	rootCmd.AddCommand(cmd)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// applySortFlags copies every flag the user set over the loaded config.
func applySortFlags(flags *pflag.FlagSet, opts *sortOptions, cfg *sortjob.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "marker":
			cfg.Marker = opts.marker
		case "scale":
			cfg.Scale = opts.scale
		case "batch-records":
			cfg.BatchRecords = opts.batchRecords
		case "batch-bytes":
			cfg.BatchBytes = opts.batchBytes
		case "workers":
			cfg.Workers = opts.workers
		case "tmpdir":
			cfg.TempDir = opts.tmpDir
		case "format":
			cfg.Format = opts.format
		case "passthrough":
			cfg.Passthrough = sortjob.PassthroughPolicy(opts.passthrough)
		case "compress-runs":
			cfg.CompressRuns = opts.compressRuns
		case "overwrite":
			cfg.Overwrite = opts.overwrite
		}
	})
}

func runSort(ctx context.Context, flags *pflag.FlagSet, opts *sortOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applySortFlags(flags, opts, &cfg.Sort)

	hookSet, err := hooks.Build(ctx, cfg.Hooks())
	if err != nil {
		return err
	}
	defer func() {
		if err := hookSet.Close(); err != nil {
			slog.Warn("Failed to close metadata hooks", slog.Any("error", err))
		}
	}()

	if opts.progress && term.IsTerminal(int(os.Stdout.Fd())) {
		return runSortWithUI(ctx, opts, cfg.Sort, hookSet)
	}

	plog := &progressLogger{interval: progressLogInterval}
	job, err := sortjob.NewJob(opts.in, opts.out, cfg.Sort,
		sortjob.WithMetadataHook(hookSet),
		sortjob.WithProgressFunc(plog.log),
		sortjob.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	if err := job.Run(ctx); err != nil {
		return err
	}
	logStats(job)
	return nil
}

func runSortWithUI(ctx context.Context, opts *sortOptions, cfg sortjob.Config, hook sortjob.MetadataHook) error {
	events := make(chan sortjob.Progress, 16)
	job, err := sortjob.NewJob(opts.in, opts.out, cfg,
		sortjob.WithMetadataHook(hook),
		sortjob.WithProgressFunc(func(p sortjob.Progress) {
			select {
			case events <- p:
			default:
			}
		}),
		sortjob.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	prev := logLevel.Level()
	logLevel.Set(slog.LevelWarn)
	defer logLevel.Set(prev)

	uiDone := make(chan error, 1)
	go func() {
		title := fmt.Sprintf("%s -> %s", filepath.Base(job.Source()), filepath.Base(job.Destination()))
		uiDone <- ui.Run(ctx, title, events, os.Stdout)
	}()

	runErr := job.Run(ctx)
	select {
	case events <- job.Progress():
	case err = <-uiDone:
		close(events)
		return errors.Join(runErr, err)
	}
	close(events)
	err = <-uiDone

	if runErr == nil {
		logLevel.Set(prev)
		logStats(job)
	}
	return errors.Join(runErr, err)
}

// progressLogger writes a progress line at most once per interval.
type progressLogger struct {
	interval time.Duration
	last     time.Time
}

func (l *progressLogger) log(p sortjob.Progress) {
	if p.State.Terminal() || p.Phase == sortjob.PhaseIdle {
		return
	}
	now := time.Now()
	if now.Sub(l.last) < l.interval {
		return
	}
	l.last = now
	slog.Info("Sort progress",
		slog.String("phase", p.Phase.String()),
		slog.String("percent", fmt.Sprintf("%.1f", p.Percent)),
		slog.String("read", helpers.FormatBytes(p.BytesRead)),
		slog.Int64("records", p.RecordsRead),
		slog.Int64("runs", p.RunsWritten),
		slog.Int64("merged", p.RecordsMerged))
}

func logStats(job *sortjob.Job) {
	s := job.Stats()
	slog.Info("Sorted trace",
		slog.String("jobID", job.ID()),
		slog.String("destination", job.Destination()),
		slog.Int64("records", s.RecordsOut),
		slog.Int64("passthrough", s.Passthrough),
		slog.Int64("dropped", s.Dropped),
		slog.Int64("runs", s.Runs),
		slog.String("output", helpers.FormatBytes(s.OutputBytes)),
		slog.String("duration", helpers.FormatDuration(s.Duration)))
}
