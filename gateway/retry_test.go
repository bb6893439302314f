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

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/gildlabs/gild/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRetryPair() (*MemoryLedger, Gateway) {
	inner := newTestLedger()
	retrying := NewRetrying(inner, RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	return inner, retrying
}

func TestRetryTransientErrors(t *testing.T) {
	ctx := context.Background()
	inner, retrying := newRetryPair()
	inner.TransientNext(OpMint, 2)

	txId, err := retrying.Mint(ctx, "mint-retry", protocol.TokenReward, 10)
	require.NoError(t, err)
	receipt, err := retrying.AwaitReceipt(ctx, txId)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed())

	// The dropped submissions were never applied
	balances, err := retrying.QueryBalance(ctx, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), balances[protocol.TokenReward])
}

func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	inner, retrying := newRetryPair()
	inner.TransientNext(OpTransfer, 10)

	_, err := retrying.Transfer(
		ctx, "xfer-exhaust", protocol.TokenReward,
		testIssuer, "alice", 10, "",
	)
	var transientErr *protocol.TransientLedgerError
	require.ErrorAs(t, err, &transientErr)
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	ctx := context.Background()
	inner, retrying := newRetryPair()
	// A failed receipt is not a transient error; the submission itself
	// succeeds and must not be retried
	inner.FailNext(OpFreeze, "unknown account")

	txId, err := retrying.Freeze(
		ctx, "freeze-fail", protocol.TokenCredential, "alice",
	)
	require.NoError(t, err)
	receipt, err := retrying.AwaitReceipt(ctx, txId)
	require.NoError(t, err)
	assert.False(t, receipt.Confirmed())
	assert.False(t, inner.Frozen("alice", protocol.TokenCredential))
}
