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

	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/overlay/bootstrap"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new, empty overlay at the configured local-directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mountConfig.Overlay.LocalDirectory == "" {
			return fmt.Errorf("--local-directory is required")
		}
		mount, err := bootstrap.Open(&mountConfig, true)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		defer mount.Overlay.Close()

		logger.Infof("initialized overlay at %s (root inode ready)", mountConfig.Overlay.LocalDirectory)
		return nil
	},
}
