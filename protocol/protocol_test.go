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

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionStatusForwardOnly(t *testing.T) {
	assert.True(
		t,
		AdmissionStatusSubmitted.CanTransition(AdmissionStatusDelivered),
	)
	assert.True(
		t,
		AdmissionStatusDelivered.CanTransition(AdmissionStatusExecuting),
	)
	assert.True(
		t,
		AdmissionStatusExecuting.CanTransition(AdmissionStatusCompleted),
	)
	assert.True(
		t,
		AdmissionStatusSubmitted.CanTransition(AdmissionStatusFailed),
	)
	// Backward and self transitions are rejected
	assert.False(
		t,
		AdmissionStatusDelivered.CanTransition(AdmissionStatusSubmitted),
	)
	assert.False(
		t,
		AdmissionStatusExecuting.CanTransition(AdmissionStatusDelivered),
	)
	assert.False(
		t,
		AdmissionStatusSubmitted.CanTransition(AdmissionStatusSubmitted),
	)
}

func TestAdmissionStatusTerminal(t *testing.T) {
	assert.True(t, AdmissionStatusCompleted.Terminal())
	assert.True(t, AdmissionStatusFailed.Terminal())
	assert.False(t, AdmissionStatusSubmitted.Terminal())
	assert.False(t, AdmissionStatusExecuting.Terminal())
	// No transitions out of a terminal status
	assert.False(
		t,
		AdmissionStatusCompleted.CanTransition(AdmissionStatusFailed),
	)
	assert.False(
		t,
		AdmissionStatusFailed.CanTransition(AdmissionStatusCompleted),
	)
}

func TestReceiptConfirmed(t *testing.T) {
	confirmed := Receipt{TxID: "tx1", Status: ReceiptStatusConfirmed}
	failed := Receipt{
		TxID:   "tx2",
		Status: ReceiptStatusFailed,
		Reason: "insufficient balance",
	}
	assert.True(t, confirmed.Confirmed())
	assert.False(t, failed.Confirmed())
}

func TestEconomyParamsValidate(t *testing.T) {
	params := DefaultEconomyParams()
	require.NoError(t, params.Validate())

	badRefund := params
	badRefund.PayoutRefund = params.CollateralAmount + 1
	assert.Error(t, badRefund.Validate())

	badRate := params
	badRate.BaseRate = params.MaxClaimAmount + 1
	assert.Error(t, badRate.Validate())

	zeroCap := params
	zeroCap.LifetimeCap = 0
	assert.Error(t, zeroCap.Validate())
}

func TestPayoutTotal(t *testing.T) {
	params := DefaultEconomyParams()
	assert.Equal(
		t,
		params.PayoutRefund+params.PayoutMargin,
		params.PayoutTotal(),
	)
}

func TestErrorTypes(t *testing.T) {
	var quotaErr *QuotaExceededError
	err := error(&QuotaExceededError{
		Account:   "alice",
		Requested: 50,
		Remaining: 5,
	})
	require.ErrorAs(t, err, &quotaErr)
	assert.Contains(t, quotaErr.Error(), "alice")

	inner := errors.New("connection reset")
	transient := &TransientLedgerError{Op: "transfer", Err: inner}
	assert.ErrorIs(t, transient, inner)
}
