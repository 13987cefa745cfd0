// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"

	"github.com/overlayfs/overlay/overlay/bootstrap"
	"github.com/spf13/cobra"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Run the consistency checker standalone against the configured local-directory",
	Long: `fsck opens the catalog and content store directly, without a live
facade, and runs both passes: scan for missing/corrupt/orphaned/hard-linked
records and a bad stored next-inode-number, then repair by archiving
affected inodes under local-directory/fsck-repair-<timestamp>-<uuid>/.

The overlay must not be mounted while fsck runs: it assumes exclusive
access to the local-directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mountConfig.Overlay.LocalDirectory == "" {
			return fmt.Errorf("--local-directory is required")
		}
		result, err := bootstrap.RunFsck(&mountConfig)
		if err != nil {
			return fmt.Errorf("fsck: %w", err)
		}
		fmt.Printf("fsck: %d problems found, next inode number %d\n", len(result.Problems), result.NextInode)
		if result.RepairDir != "" {
			fmt.Printf("fsck: repair artifacts under %s\n", result.RepairDir)
		}
		for _, p := range result.Problems {
			fmt.Printf("  inode %d: %s: %s (repair: %s)\n", p.Inode, p.Kind, p.Detail, p.Repair)
		}
		return nil
	},
}
