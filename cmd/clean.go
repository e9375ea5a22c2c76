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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/tracesort/internal/helpers"
)

func init() {
	var (
		tmpDir    string
		outDirs   []string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove scratch and working files left by killed sorts",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, doneFx, err := setupTelemetry("tracesort")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			if tmpDir == "" {
				tmpDir = os.TempDir()
			}
			removed, err := helpers.CleanStaleScratch(tmpDir, olderThan)
			if err != nil {
				return fmt.Errorf("failed to clean scratch in %s: %w", tmpDir, err)
			}
			for _, dir := range outDirs {
				outputs, err := helpers.CleanStaleOutputs(dir, olderThan)
				if err != nil {
					return fmt.Errorf("failed to clean working outputs in %s: %w", dir, err)
				}
				removed = append(removed, outputs...)
			}
			for _, path := range removed {
				slog.Info("Removed stale file", slog.String("path", path))
			}
			slog.Info("Cleanup finished", slog.Int("removed", len(removed)))
			return nil
		},
	}

	cmd.Flags().StringVar(&tmpDir, "tmpdir", "", "parent directory of scratch runs (default: system temp dir)")
	cmd.Flags().StringSliceVar(&outDirs, "out-dir", nil, "destination directories to clear of working outputs")
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only remove files last modified before this age")

	rootCmd.AddCommand(cmd)
}
