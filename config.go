// Copyright 2025 Openskies Software
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

package surety

import (
	"errors"
	"io"
	"log/slog"

	"github.com/openskies-io/surety/oracle"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	promRegistry     prometheus.Registerer
	logger           *slog.Logger
	indexSource      oracle.IndexSource
	dataDir          string
	owner            types.AccountID
	firstAirlineID   types.AccountID
	firstAirlineName string
	tracing          bool
	tracingStdout    bool
	auditDisabled    bool
}

func (n *Node) configValidate() error {
	if n.config.owner == "" {
		return errors.New("no owner account defined")
	}
	if n.config.firstAirlineID == "" {
		return errors.New("no first airline defined")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new surety config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies the registry for node metrics. This defaults to no metrics
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDataDir specifies the persistent data directory to use. The default is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithOwner specifies the account allowed to change the operational flag
func WithOwner(owner types.AccountID) ConfigOptionFunc {
	return func(c *Config) {
		c.owner = owner
	}
}

// WithFirstAirline specifies the airline seeded at genesis. It starts
// registered but must still fund before participating
func WithFirstAirline(id types.AccountID, name string) ConfigOptionFunc {
	return func(c *Config) {
		c.firstAirlineID = id
		c.firstAirlineName = name
	}
}

// WithIndexSource overrides how oracle indexes are assigned. This is mostly
// used by tests and the simulator to force deterministic assignments
func WithIndexSource(source oracle.IndexSource) ConfigOptionFunc {
	return func(c *Config) {
		c.indexSource = source
	}
}

// WithTracing enables OpenTelemetry tracing. Traces are sent via OTLP by default
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout writes traces to stdout instead of OTLP
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithAuditDisabled turns off the append-only audit log
func WithAuditDisabled(disabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.auditDisabled = disabled
	}
}
