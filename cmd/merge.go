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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/mergerunner/dataset"
)

func getMergeCmd() *cobra.Command {
	var (
		sourcePath       string
		strategyName     string
		keyColumns       []string
		partitionColumns []string
		compression      string
		maxRowsPerFile   int64
		rowGroupSize     int64
		chunkRows        int
	)

	cmd := &cobra.Command{
		Use:   "merge <target-root>",
		Short: "Merge a Parquet source into a dataset",
		Long:  `Reads the source Parquet file or dataset and merges it into the target dataset with the selected strategy.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()

			strategy, err := dataset.ParseStrategy(strategyName)
			if err != nil {
				return err
			}

			source, err := dataset.ReadTable(ctx, sourcePath)
			if err != nil {
				return fmt.Errorf("read source %s: %w", sourcePath, err)
			}

			result, err := dataset.Merge(ctx, source, args[0], strategy, keyColumns, partitionColumns, dataset.MergeOptions{
				Compression:        compression,
				MaxRowsPerFile:     maxRowsPerFile,
				RowGroupSize:       rowGroupSize,
				MergeChunkSizeRows: chunkRows,
			})
			if err != nil {
				return err
			}

			slog.Info("merge complete",
				slog.String("strategy", string(result.Strategy)),
				slog.Int64("inserted", result.Inserted),
				slog.Int64("updated", result.Updated))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&sourcePath, "source", "", "Source parquet file or dataset directory")
	if err := cmd.MarkFlagRequired("source"); err != nil {
		panic(fmt.Errorf("failed to mark source flag as required: %w", err))
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "upsert", "Merge strategy: insert, update, or upsert")
	cmd.Flags().StringSliceVar(&keyColumns, "key", nil, "Key column(s) identifying a row")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(fmt.Errorf("failed to mark key flag as required: %w", err))
	}
	cmd.Flags().StringSliceVar(&partitionColumns, "partition", nil, "Partition column(s) for Hive layout")
	cmd.Flags().StringVar(&compression, "compression", "", "Output compression codec (snappy, zstd, gzip, uncompressed)")
	cmd.Flags().Int64Var(&maxRowsPerFile, "max-rows-per-file", 0, "Maximum rows per new output file")
	cmd.Flags().Int64Var(&rowGroupSize, "row-group-size", 0, "Rows per parquet row group")
	cmd.Flags().IntVar(&chunkRows, "chunk-rows", 0, "Streaming batch size in rows")

	return cmd
}
