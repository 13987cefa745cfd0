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

// Package config holds the small, dependency-free constants shared by cfg
// and internal/logger, so that neither has to import the other.
package config

// Severity levels, ordered from most to least verbose.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

var rank = map[string]int{
	TRACE:   0,
	DEBUG:   1,
	INFO:    2,
	WARNING: 3,
	ERROR:   4,
	OFF:     5,
}

// Rank returns the relative ordering of a severity string, or -1 if it is
// not one of the recognized levels.
func Rank(severity string) int {
	if r, ok := rank[severity]; ok {
		return r
	}
	return -1
}
