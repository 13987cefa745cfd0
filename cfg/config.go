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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root of the overlay process's configuration, populated by
// BindFlags plus a viper.Unmarshal using DecodeHook.
type Config struct {
	Overlay OverlayConfig `yaml:"overlay"`
	Debug   DebugConfig   `yaml:"debug"`
	Logging LoggingConfig `yaml:"logging"`
}

// OverlayConfig holds the inputs the facade (C5) needs at Create/Initialize
// time: which catalog backend to use, what options to layer on top of it,
// and the thresholds that gate fsck and the write buffer.
type OverlayConfig struct {
	LocalDirectory ResolvedPath `yaml:"local-directory"`

	CaseSensitive     CaseSensitivity `yaml:"case-sensitive"`
	CatalogVariant    CatalogVariant  `yaml:"catalog-variant"`
	Buffered          bool            `yaml:"buffered"`
	SynchronousOff    bool            `yaml:"synchronous-off"`
	UnsafeInMemory    bool            `yaml:"unsafe-in-memory"`
	BufferSizeBytes   int64           `yaml:"buffer-size-bytes"`
	FilterAppleDouble bool            `yaml:"filter-apple-double"`

	FsckThreads        int           `yaml:"fsck-threads"`
	LogRepairFrequency time.Duration `yaml:"log-repair-frequency"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

type LoggingConfig struct {
	Severity  LogSeverity            `yaml:"severity"`
	Format    string                 `yaml:"format"`
	FilePath  ResolvedPath           `yaml:"file-path"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// BindFlags registers every overlay flag on flagSet and binds it into viper
// under the same key paths the yaml tags above name, following the
// generated-bindings shape the underlying cobra/viper/pflag stack expects.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("local-directory", "", "", "Directory holding the overlay's on-disk state.")
	if err = viper.BindPFlag("overlay.local-directory", flagSet.Lookup("local-directory")); err != nil {
		return err
	}

	flagSet.StringP("case-sensitive", "", string(CaseSensitive), "Directory-entry name comparison: sensitive or insensitive.")
	if err = viper.BindPFlag("overlay.case-sensitive", flagSet.Lookup("case-sensitive")); err != nil {
		return err
	}

	flagSet.StringP("catalog-variant", "", string(CatalogFilesystem), "Inode catalog backend: table, filesystem, or in-memory.")
	if err = viper.BindPFlag("overlay.catalog-variant", flagSet.Lookup("catalog-variant")); err != nil {
		return err
	}

	flagSet.BoolP("buffered", "", false, "Layer a write-buffering decorator over the catalog backend.")
	if err = viper.BindPFlag("overlay.buffered", flagSet.Lookup("buffered")); err != nil {
		return err
	}

	flagSet.BoolP("synchronous-off", "", false, "Skip fsync on catalog writes (faster, less durable).")
	if err = viper.BindPFlag("overlay.synchronous-off", flagSet.Lookup("synchronous-off")); err != nil {
		return err
	}

	flagSet.BoolP("unsafe-in-memory", "", false, "Use the in-memory catalog backend. Test use only: data does not survive a restart.")
	if err = viper.BindPFlag("overlay.unsafe-in-memory", flagSet.Lookup("unsafe-in-memory")); err != nil {
		return err
	}

	flagSet.Int64P("buffer-size-bytes", "", DefaultBufferSizeBytes, "Byte budget for the write-buffering decorator.")
	if err = viper.BindPFlag("overlay.buffer-size-bytes", flagSet.Lookup("buffer-size-bytes")); err != nil {
		return err
	}

	flagSet.BoolP("filter-apple-double", "", true, "Hide AppleDouble (._*) placeholder entries from directory listings.")
	if err = viper.BindPFlag("overlay.filter-apple-double", flagSet.Lookup("filter-apple-double")); err != nil {
		return err
	}

	flagSet.IntP("fsck-threads", "", RecommendedFsckThreads(), "Number of parallel workers used by the consistency checker's scan pass.")
	if err = viper.BindPFlag("overlay.fsck-threads", flagSet.Lookup("fsck-threads")); err != nil {
		return err
	}

	flagSet.DurationP("log-repair-frequency", "", DefaultLogRepairFrequency, "Minimum interval between fsck repair progress log lines.")
	if err = viper.BindPFlag("overlay.log-repair-frequency", flagSet.Lookup("log-repair-frequency")); err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output encoding: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file. Empty means stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.IntP("log-max-file-size-mb", "", 512, "Log file size, in MiB, that triggers rotation.")
	if err = viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-max-file-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("log-backup-file-count", "", 10, "Number of rotated log files to retain. 0 retains all.")
	if err = viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-backup-file-count")); err != nil {
		return err
	}

	flagSet.BoolP("log-compress", "", true, "Gzip-compress rotated log files.")
	if err = viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-compress")); err != nil {
		return err
	}

	return nil
}
