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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gildlabs/gild/protocol"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "gild.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// RunMode represents the operational mode of the gild node
type RunMode string

const (
	RunModeServe RunMode = "serve" // Full node against an external ledger (default)
	RunModeDev   RunMode = "dev"   // Development mode (in-memory ledger and sequencer)
)

// Valid returns true if the RunMode is a known valid mode
func (m RunMode) Valid() bool {
	switch m {
	case RunModeServe, RunModeDev, "":
		return true
	default:
		return false
	}
}

// IsDevMode returns true if the mode enables development behaviors
func (m RunMode) IsDevMode() bool {
	return m == RunModeDev
}

type Config struct {
	DatabasePath         string  `yaml:"databasePath"                                     split_words:"true"`
	BindAddr             string  `yaml:"bindAddr"                                         split_words:"true"`
	IssuerAccount        string  `yaml:"issuerAccount"                                    split_words:"true"`
	ShutdownTimeout      string  `yaml:"shutdownTimeout"                                  split_words:"true"`
	AccrualPeriod        string  `yaml:"accrualPeriod"                                    split_words:"true"`
	RunMode              RunMode `yaml:"runMode"              envconfig:"GILD_RUN_MODE"`
	MetricsPort          uint    `yaml:"metricsPort"                                      split_words:"true"`
	CollateralAmount     uint64  `yaml:"collateralAmount"                                 split_words:"true"`
	LifetimeCap          uint64  `yaml:"lifetimeCap"                                      split_words:"true"`
	BaseRate             uint64  `yaml:"baseRate"                                         split_words:"true"`
	BonusRate            uint64  `yaml:"bonusRate"                                        split_words:"true"`
	MaxClaimAmount       uint64  `yaml:"maxClaimAmount"                                   split_words:"true"`
	PayoutRefund         uint64  `yaml:"payoutRefund"                                     split_words:"true"`
	PayoutMargin         uint64  `yaml:"payoutMargin"                                     split_words:"true"`
	MinDonationThreshold uint64  `yaml:"minDonationThreshold"                             split_words:"true"`
	Tracing              bool    `yaml:"tracing"`
	TracingStdout        bool    `yaml:"tracingStdout"                                    split_words:"true"`
	AccrualDisabled      bool    `yaml:"accrualDisabled"                                  split_words:"true"`
}

var globalConfig = func() *Config {
	defaults := protocol.DefaultEconomyParams()
	return &Config{
		DatabasePath:         ".gild",
		BindAddr:             "0.0.0.0",
		IssuerAccount:        "gild-issuer",
		MetricsPort:          12798,
		RunMode:              RunModeServe,
		ShutdownTimeout:      DefaultShutdownTimeout,
		AccrualPeriod:        defaults.AccrualPeriod.String(),
		CollateralAmount:     defaults.CollateralAmount,
		LifetimeCap:          defaults.LifetimeCap,
		BaseRate:             defaults.BaseRate,
		BonusRate:            defaults.BonusRate,
		MaxClaimAmount:       defaults.MaxClaimAmount,
		PayoutRefund:         defaults.PayoutRefund,
		PayoutMargin:         defaults.PayoutMargin,
		MinDonationThreshold: defaults.MinDonationThreshold,
	}
}()

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.gild/gild.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".gild", "gild.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/gild/gild.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/gild/gild.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	err := envconfig.Process("gild", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	// Validate and default RunMode
	if !globalConfig.RunMode.Valid() {
		return nil, fmt.Errorf(
			"invalid runMode: %q (must be 'serve' or 'dev')",
			globalConfig.RunMode,
		)
	}
	if globalConfig.RunMode == "" {
		globalConfig.RunMode = RunModeServe
	}

	return globalConfig, nil
}

// GetConfig returns the global config instance
func GetConfig() *Config {
	return globalConfig
}

// EconomyParams converts the config's economy fields into the parameter
// set used by the node
func (c *Config) EconomyParams() (protocol.EconomyParams, error) {
	accrualPeriod := protocol.DefaultEconomyParams().AccrualPeriod
	if c.AccrualPeriod != "" {
		var err error
		accrualPeriod, err = time.ParseDuration(c.AccrualPeriod)
		if err != nil {
			return protocol.EconomyParams{}, fmt.Errorf(
				"invalid accrual period: %w",
				err,
			)
		}
	}
	params := protocol.EconomyParams{
		CollateralAmount:     c.CollateralAmount,
		LifetimeCap:          c.LifetimeCap,
		BaseRate:             c.BaseRate,
		BonusRate:            c.BonusRate,
		MaxClaimAmount:       c.MaxClaimAmount,
		PayoutRefund:         c.PayoutRefund,
		PayoutMargin:         c.PayoutMargin,
		MinDonationThreshold: c.MinDonationThreshold,
		AccrualPeriod:        accrualPeriod,
	}
	if err := params.Validate(); err != nil {
		return protocol.EconomyParams{}, err
	}
	return params, nil
}
