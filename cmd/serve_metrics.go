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
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlayfs/overlay/common"
	"github.com/overlayfs/overlay/internal/logger"
	"github.com/overlayfs/overlay/overlay/stats"
	"github.com/spf13/cobra"
)

const shutdownGracePeriod = 5 * time.Second

var serveMetricsAddr string

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus-formatted overlay metrics over HTTP until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shutdown, err := stats.ConfigurePrometheus()
		if err != nil {
			return fmt.Errorf("configuring prometheus exporter: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", stats.Handler())
		srv := &http.Server{Addr: serveMetricsAddr, Handler: mux}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Infof("serve-metrics: listening on %s", serveMetricsAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
			defer cancel()
			stopAll := common.JoinShutdownFunc(srv.Shutdown, common.ShutdownFn(shutdown))
			return stopAll(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	},
}

func init() {
	serveMetricsCmd.Flags().StringVar(&serveMetricsAddr, "addr", ":9090", "Address to serve /metrics on.")
}
