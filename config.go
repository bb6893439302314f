// Copyright 2025 Gild Labs Software
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

package gild

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/protocol"
	"github.com/gildlabs/gild/sequencer"
	"github.com/prometheus/client_golang/prometheus"
)

// runMode constants for operational mode configuration
const (
	runModeServe = "serve"
	runModeDev   = "dev"
)

type Config struct {
	promRegistry    prometheus.Registerer
	logger          *slog.Logger
	gateway         gateway.Gateway
	sequencer       sequencer.Sequencer
	coSigner        gateway.CoSignerFunc
	dataDir         string
	issuerAccount   protocol.AccountID
	economyParams   protocol.EconomyParams
	retryConfig     gateway.RetryConfig
	shutdownTimeout time.Duration
	tracing         bool
	tracingStdout   bool
	accrualDisabled bool
	runMode         string
}

// isDevMode returns true if running in development mode
func (c *Config) isDevMode() bool {
	return c.runMode == runModeDev
}

func (n *Node) configValidate() error {
	if n.config.issuerAccount == "" {
		return errors.New("no issuer account defined")
	}
	if err := n.config.economyParams.Validate(); err != nil {
		return fmt.Errorf("invalid economy parameters: %w", err)
	}
	if n.config.gateway == nil && !n.config.isDevMode() {
		return errors.New("no token gateway defined")
	}
	if n.config.sequencer == nil && !n.config.isDevMode() {
		return errors.New("no sequencer defined")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new gild config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		issuerAccount: "gild-issuer",
		economyParams: protocol.DefaultEconomyParams(),
		runMode:       runModeServe,
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

// WithPrometheusRegistry specifies the registry for runtime metrics
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithGateway specifies the token ledger gateway to use. Development
// mode defaults to an in-memory ledger
func WithGateway(gw gateway.Gateway) ConfigOptionFunc {
	return func(c *Config) {
		c.gateway = gw
	}
}

// WithSequencer specifies the consensus sequencer to use. Development
// mode defaults to an in-memory ordered log
func WithSequencer(seq sequencer.Sequencer) ConfigOptionFunc {
	return func(c *Config) {
		c.sequencer = seq
	}
}

// WithCoSigner specifies how member co-signatures are produced for
// transfers out of member accounts
func WithCoSigner(coSigner gateway.CoSignerFunc) ConfigOptionFunc {
	return func(c *Config) {
		c.coSigner = coSigner
	}
}

// WithIssuerAccount specifies the issuer's ledger account
func WithIssuerAccount(account protocol.AccountID) ConfigOptionFunc {
	return func(c *Config) {
		c.issuerAccount = account
	}
}

// WithEconomyParams specifies the economy parameter set
func WithEconomyParams(params protocol.EconomyParams) ConfigOptionFunc {
	return func(c *Config) {
		c.economyParams = params
	}
}

// WithRetryConfig specifies retry behavior for transient gateway errors
func WithRetryConfig(retryConfig gateway.RetryConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.retryConfig = retryConfig
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithTracing enables tracing
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables the tracing stdout exporter
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithAccrualDisabled disables the periodic accrual loop. Claims are
// still served
func WithAccrualDisabled(disabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.accrualDisabled = disabled
	}
}

// WithRunMode specifies the operational mode
func WithRunMode(mode string) ConfigOptionFunc {
	return func(c *Config) {
		c.runMode = mode
	}
}

// WithDevMode specifies whether to run in development mode, which
// provides an in-memory ledger and sequencer
func WithDevMode(devMode bool) ConfigOptionFunc {
	return func(c *Config) {
		if devMode {
			c.runMode = runModeDev
		}
	}
}
