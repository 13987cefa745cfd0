// Copyright 2024 Google LLC
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

package cfg

import "runtime"

// RecommendedFsckThreads returns a reasonable parallelism for the
// consistency checker's scan pass, scaled to the machine it runs on.
func RecommendedFsckThreads() int {
	return max(2, runtime.NumCPU())
}

// IsBuffered reports whether writes to the inode catalog go through the
// write-buffered decorator before reaching the underlying backend.
func IsBuffered(c *Config) bool {
	return c.Overlay.Buffered && c.Overlay.BufferSizeBytes > 0
}
