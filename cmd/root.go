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
	"os"

	"github.com/overlayfs/overlay/cfg"
	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Manage the per-mount write layer of a source-control backed virtual filesystem",
	Long: `overlay operates the inode catalog and file content store that back a
single mount of a source-control-backed virtual filesystem: initializing a
fresh local-directory, running the consistency checker standalone, and
reporting on an existing one.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&mountConfig); err != nil {
			return err
		}
		return setUpLogging(&mountConfig)
	},
}

// setUpLogging points the package logger at either stderr or a rotating,
// asynchronous file sink, matching the severity and format the config
// names.
func setUpLogging(c *cfg.Config) error {
	if c.Logging.FilePath == "" {
		logger.Init(c.Logging.Format, os.Stderr, "")
		logger.SetLoggingLevel(string(c.Logging.Severity))
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   string(c.Logging.FilePath),
		MaxSize:    c.Logging.LogRotate.MaxFileSizeMb,
		MaxBackups: c.Logging.LogRotate.BackupFileCount,
		Compress:   c.Logging.LogRotate.Compress,
	}
	async := logger.NewAsyncLogger(lj, 4096)
	logger.Init(c.Logging.Format, async, "")
	logger.SetLoggingLevel(string(c.Logging.Severity))
	return nil
}

// Execute runs the command tree, exiting the process with status 1 on
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initConfig() {
	mountConfig = cfg.Config{
		Overlay: cfg.GetDefaultOverlayConfig(),
		Logging: cfg.GetDefaultLoggingConfig(),
	}

	viper.SetEnvPrefix("overlay")
	viper.AutomaticEnv()

	if cfgFile != "" {
		resolved, err := util.GetResolvedPath(cfgFile)
		if err != nil {
			configFileErr = fmt.Errorf("resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(resolved)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}

	unmarshalErr = viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()))
}
