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

import (
	"fmt"
	"slices"
	"strings"

	"github.com/overlayfs/overlay/internal/config"
	"github.com/overlayfs/overlay/internal/util"
)

// CaseSensitivity controls whether directory-entry names are compared
// byte-for-byte or folded before comparison.
type CaseSensitivity string

const (
	CaseSensitive   CaseSensitivity = "sensitive"
	CaseInsensitive CaseSensitivity = "insensitive"
)

func (c *CaseSensitivity) UnmarshalText(text []byte) error {
	v := CaseSensitivity(strings.ToLower(string(text)))
	if v != CaseSensitive && v != CaseInsensitive {
		return fmt.Errorf("invalid case-sensitive value: %s. Must be one of [sensitive, insensitive]", text)
	}
	*c = v
	return nil
}

func (c CaseSensitivity) MarshalText() ([]byte, error) {
	return []byte(c), nil
}

// CatalogVariant names one of the interchangeable inode-catalog backends.
type CatalogVariant string

const (
	CatalogTable      CatalogVariant = "table"
	CatalogFilesystem CatalogVariant = "filesystem"
	CatalogInMemory   CatalogVariant = "in-memory"
)

func (v *CatalogVariant) UnmarshalText(text []byte) error {
	variant := CatalogVariant(strings.ToLower(string(text)))
	all := []CatalogVariant{CatalogTable, CatalogFilesystem, CatalogInMemory}
	if !slices.Contains(all, variant) {
		return fmt.Errorf("invalid catalog-variant value: %s. Must be one of %v", text, all)
	}
	*v = variant
	return nil
}

func (v CatalogVariant) MarshalText() ([]byte, error) {
	return []byte(v), nil
}

// LogSeverity represents the logging severity and can accept the following values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if config.Rank(string(level)) < 0 {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

func (l LogSeverity) MarshalText() ([]byte, error) {
	return []byte(l), nil
}

// Rank returns the integer representation of the severity rank.
// Returns -1 if the severity is unknown.
func (l LogSeverity) Rank() int {
	return config.Rank(string(l))
}

// ResolvedPath represents a filesystem path resolved relative to the
// process's working directory at flag-parse time, so that a relative
// local-directory flag behaves the same under any cwd a supervisor starts
// the process from.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}

func (p ResolvedPath) MarshalText() ([]byte, error) {
	return []byte(p), nil
}
