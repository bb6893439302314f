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
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gildlabs/gild/protocol"
)

func resetGlobalConfig() {
	globalConfig = &Config{
		DatabasePath:         ".gild",
		BindAddr:             "0.0.0.0",
		IssuerAccount:        "gild-issuer",
		MetricsPort:          12798,
		RunMode:              RunModeServe,
		ShutdownTimeout:      DefaultShutdownTimeout,
		AccrualPeriod:        "6h0m0s",
		CollateralAmount:     100,
		LifetimeCap:          1000,
		BaseRate:             10,
		BonusRate:            2,
		MaxClaimAmount:       50,
		PayoutRefund:         100,
		PayoutMargin:         80,
		MinDonationThreshold: 25,
	}
}

func TestLoad_CompareFullStruct(t *testing.T) {
	resetGlobalConfig()
	yamlContent := `
databasePath: "/var/lib/gild"
bindAddr: "127.0.0.1"
issuerAccount: "treasury"
shutdownTimeout: "45s"
accrualPeriod: "1h"
runMode: "dev"
metricsPort: 8088
collateralAmount: 200
lifetimeCap: 2000
baseRate: 20
bonusRate: 5
maxClaimAmount: 50
payoutRefund: 200
payoutMargin: 40
minDonationThreshold: 50
tracing: true
accrualDisabled: true
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-gild.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	defer os.Remove(tmpFile)

	expected := &Config{
		DatabasePath:         "/var/lib/gild",
		BindAddr:             "127.0.0.1",
		IssuerAccount:        "treasury",
		ShutdownTimeout:      "45s",
		AccrualPeriod:        "1h",
		RunMode:              RunModeDev,
		MetricsPort:          8088,
		CollateralAmount:     200,
		LifetimeCap:          2000,
		BaseRate:             20,
		BonusRate:            5,
		MaxClaimAmount:       50,
		PayoutRefund:         200,
		PayoutMargin:         40,
		MinDonationThreshold: 50,
		Tracing:              true,
		AccrualDisabled:      true,
	}

	actual, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf(
			"Loaded config does not match expected.\nActual: %+v\nExpected: %+v",
			actual,
			expected,
		)
	}
}

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	resetGlobalConfig()
	// Keep the loader away from any real user or system config
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.IssuerAccount != "gild-issuer" {
		t.Errorf("unexpected issuer account: %q", cfg.IssuerAccount)
	}
	if cfg.RunMode != RunModeServe {
		t.Errorf("unexpected run mode: %q", cfg.RunMode)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GILD_ISSUER_ACCOUNT", "env-issuer")
	t.Setenv("GILD_METRICS_PORT", "9999")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.IssuerAccount != "env-issuer" {
		t.Errorf("unexpected issuer account: %q", cfg.IssuerAccount)
	}
	if cfg.MetricsPort != 9999 {
		t.Errorf("unexpected metrics port: %d", cfg.MetricsPort)
	}
}

func TestLoad_InvalidRunMode(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GILD_RUN_MODE", "bogus")

	_, err := LoadConfig("")
	if err == nil {
		t.Fatal("expected error for invalid run mode")
	}
}

func TestRunModeValid(t *testing.T) {
	tests := []struct {
		mode  RunMode
		valid bool
	}{
		{RunModeServe, true},
		{RunModeDev, true},
		{"", true},
		{"invalid", false},
	}
	for _, tt := range tests {
		if got := tt.mode.Valid(); got != tt.valid {
			t.Errorf("mode=%q valid=%v, want %v", tt.mode, got, tt.valid)
		}
	}
}

func TestEconomyParams(t *testing.T) {
	resetGlobalConfig()
	cfg := GetConfig()

	params, err := cfg.EconomyParams()
	if err != nil {
		t.Fatalf("failed to build economy params: %v", err)
	}
	if !reflect.DeepEqual(params, protocol.DefaultEconomyParams()) {
		t.Errorf(
			"params do not match defaults.\nActual: %+v\nExpected: %+v",
			params,
			protocol.DefaultEconomyParams(),
		)
	}
	if params.AccrualPeriod != 6*time.Hour {
		t.Errorf("unexpected accrual period: %v", params.AccrualPeriod)
	}

	cfg.PayoutRefund = cfg.CollateralAmount + 1
	if _, err := cfg.EconomyParams(); err == nil {
		t.Fatal("expected validation error for mismatched payout refund")
	}
}
