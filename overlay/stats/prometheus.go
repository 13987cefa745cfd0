// Copyright 2025 Google LLC
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

package stats

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc stops the exporter and releases its resources.
type ShutdownFunc func(ctx context.Context) error

// ConfigurePrometheus installs a Prometheus exporter as the process's
// global OTel MeterProvider, the same pairing the teacher uses
// (otel's Prometheus exporter feeding a promhttp.Handler over HTTP)
// rather than pushing to a collector.
func ConfigurePrometheus() (ShutdownFunc, error) {
	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// Handler returns the HTTP handler that serves the collected metrics in
// Prometheus text format, for the "serve-metrics" subcommand to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}
