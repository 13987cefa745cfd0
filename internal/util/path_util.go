// Copyright 2023 Google LLC
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

package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// overlayParentProcessDirEnv names the environment variable a supervising
// process can set to the directory a relative local-directory flag should
// be resolved against, instead of the overlay process's own working
// directory (which a supervisor may have already changed).
const overlayParentProcessDirEnv = "OVERLAY_PARENT_PROCESS_DIR"

// GetResolvedPath returns an absolute path for p. A relative p is resolved
// against OVERLAY_PARENT_PROCESS_DIR when set, falling back to the current
// working directory.
func GetResolvedPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}

	base := os.Getenv(overlayParentProcessDirEnv)
	if base == "" {
		var err error
		base, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving %q: getwd: %w", p, err)
		}
	}
	return filepath.Join(base, p), nil
}
