// Copyright The Balloond Authors. All Rights Reserved.
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

package instrumentation

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/containers/balloond/pkg/http"
	"github.com/containers/balloond/pkg/instrumentation/tracing"
	logger "github.com/containers/balloond/pkg/log"
)

// ServiceName is our service name in external tracing services.
const ServiceName = "balloond"

// Config is the configuration for the instrumentation services.
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on, for
	// metrics, health checking and the admin API.
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport enables exporting prometheus metrics on the
	// HTTP endpoint.
	PrometheusExport bool `json:"prometheusExport,omitempty"`
	// TracingCollector is the OTLP endpoint traces are exported to.
	TracingCollector string `json:"tracingCollector,omitempty"`
	// SamplingRatePerMillion is the rate of trace sampling.
	SamplingRatePerMillion int `json:"samplingRatePerMillion,omitempty"`
}

var (
	lock sync.Mutex
	cfg  = &Config{}
	srv  = http.NewServer()
	log  = logger.NewLogger("instrumentation")
)

// HTTPServer returns our shared HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// Start starts the instrumentation services.
func Start(c *Config) error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	if c != nil {
		cfg = c
	}

	return start()
}

// Stop stops the instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

func start() error {
	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(cfg.SamplingRatePerMillion)/1000000.0),
	)
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if cfg.PrometheusExport {
		srv.GetMux().Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError},
		))
	}

	return nil
}

func stop() {
	tracing.Stop()
	srv.Stop()
}
