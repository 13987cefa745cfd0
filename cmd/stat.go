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

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Report diagnostic information about an existing overlay without mounting it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mountConfig.Overlay.LocalDirectory == "" {
			return fmt.Errorf("--local-directory is required")
		}
		mount, err := bootstrap.Open(&mountConfig, false)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		defer mount.Overlay.Close()

		free, used, err := mount.Overlay.StatFS()
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}

		fmt.Printf("local-directory:   %s\n", mountConfig.Overlay.LocalDirectory)
		fmt.Printf("catalog-variant:   %s\n", mountConfig.Overlay.CatalogVariant)
		fmt.Printf("clean startup:     %v\n", mount.Overlay.HadCleanStartup())
		fmt.Printf("max inode number:  %d\n", mount.Overlay.GetMaxInodeNumber())
		fmt.Printf("filesystem free:   %d bytes\n", free)
		fmt.Printf("filesystem used:   %d bytes\n", used)
		return nil
	},
}
