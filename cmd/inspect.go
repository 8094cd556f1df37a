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
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/mergerunner/dataset"
)

func getInspectCmd() *cobra.Command {
	var partitionFilter []string

	cmd := &cobra.Command{
		Use:   "inspect <dataset-root>",
		Short: "Collect file-level dataset statistics",
		Long:  `Walks a parquet dataset and prints per-file row counts and sizes plus totals, reading only footers.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			stats, err := dataset.CollectStats(c.Context(), args[0], partitionFilter, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	cmd.Flags().StringSliceVar(&partitionFilter, "partition-filter", nil, "Partition prefix filter(s), e.g. day=2024-01-01")

	return cmd
}
