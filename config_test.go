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
	"testing"

	"github.com/gildlabs/gild/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.NotNil(t, cfg.logger)
	assert.Equal(t, protocol.AccountID("gild-issuer"), cfg.issuerAccount)
	assert.Equal(t, protocol.DefaultEconomyParams(), cfg.economyParams)
	assert.Equal(t, runModeServe, cfg.runMode)
	assert.False(t, cfg.isDevMode())
}

func TestWithIssuerAccount(t *testing.T) {
	cfg := NewConfig(
		WithIssuerAccount("treasury"),
	)
	assert.Equal(t, protocol.AccountID("treasury"), cfg.issuerAccount)
}

func TestWithDevMode(t *testing.T) {
	cfg := NewConfig(
		WithDevMode(true),
	)
	assert.True(t, cfg.isDevMode())

	// Disabling dev mode leaves the configured mode alone
	cfg = NewConfig(
		WithRunMode(runModeServe),
		WithDevMode(false),
	)
	assert.Equal(t, runModeServe, cfg.runMode)
}

func TestConfigValidate(t *testing.T) {
	// Dev mode needs no gateway or sequencer; in-memory fallbacks are
	// provided at startup
	_, err := New(NewConfig(
		WithDevMode(true),
	))
	require.NoError(t, err)

	// Serve mode requires an external gateway and sequencer
	_, err = New(NewConfig())
	require.ErrorContains(t, err, "no token gateway defined")

	_, err = New(NewConfig(
		WithIssuerAccount(""),
	))
	require.ErrorContains(t, err, "no issuer account defined")

	badParams := protocol.DefaultEconomyParams()
	badParams.CollateralAmount = 0
	_, err = New(NewConfig(
		WithDevMode(true),
		WithEconomyParams(badParams),
	))
	require.ErrorContains(t, err, "invalid economy parameters")
}
