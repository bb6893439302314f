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

const testIssuer = protocol.AccountID("issuer")

func newTestLedger() *MemoryLedger {
	return NewMemoryLedger(MemoryLedgerConfig{
		IssuerAccount: testIssuer,
	})
}

func confirmTx(
	t *testing.T,
	l *MemoryLedger,
	txId protocol.TxID,
) protocol.Receipt {
	t.Helper()
	receipt, err := l.AwaitReceipt(context.Background(), txId)
	require.NoError(t, err)
	return receipt
}

func TestMintAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	txId, err := l.Mint(ctx, "mint1", protocol.TokenReward, 100)
	require.NoError(t, err)
	require.True(t, confirmTx(t, l, txId).Confirmed())

	txId, err = l.Transfer(
		ctx, "xfer1", protocol.TokenReward, testIssuer, "alice", 40, "",
	)
	require.NoError(t, err)
	require.True(t, confirmTx(t, l, txId).Confirmed())

	balances, err := l.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), balances[protocol.TokenReward])
	balances, err = l.QueryBalance(ctx, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), balances[protocol.TokenReward])
}

func TestTransferRequiresCoSignature(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	l.SetBalance("alice", protocol.TokenCurrency, 100)

	// Member-side transfer without a co-signature fails at finality
	txId, err := l.Transfer(
		ctx, "xfer-nosig", protocol.TokenCurrency, "alice", testIssuer, 50, "",
	)
	require.NoError(t, err)
	receipt := confirmTx(t, l, txId)
	assert.False(t, receipt.Confirmed())
	assert.Equal(t, "missing co-signature", receipt.Reason)

	txId, err = l.Transfer(
		ctx, "xfer-sig", protocol.TokenCurrency,
		"alice", testIssuer, 50, "member:alice",
	)
	require.NoError(t, err)
	assert.True(t, confirmTx(t, l, txId).Confirmed())
}

func TestTransferFrozenFailsAtFinality(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	l.SetBalance("alice", protocol.TokenCredential, 1)

	txId, err := l.Freeze(ctx, "freeze1", protocol.TokenCredential, "alice")
	require.NoError(t, err)
	require.True(t, confirmTx(t, l, txId).Confirmed())
	assert.True(t, l.Frozen("alice", protocol.TokenCredential))

	// Submission succeeds, the receipt reports the failure
	txId, err = l.Transfer(
		ctx, "xfer-frozen", protocol.TokenCredential,
		"alice", "bob", 1, "member:alice",
	)
	require.NoError(t, err)
	receipt := confirmTx(t, l, txId)
	assert.False(t, receipt.Confirmed())
	assert.Equal(t, "token frozen for account", receipt.Reason)

	txId, err = l.Unfreeze(ctx, "unfreeze1", protocol.TokenCredential, "alice")
	require.NoError(t, err)
	require.True(t, confirmTx(t, l, txId).Confirmed())
	assert.False(t, l.Frozen("alice", protocol.TokenCredential))
}

func TestBurnSilentlyUnderBurns(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	l.SetBalance(testIssuer, protocol.TokenReward, 30)

	// Burning more than held confirms anyway and only burns what exists
	txId, err := l.Burn(ctx, "burn1", protocol.TokenReward, 100)
	require.NoError(t, err)
	assert.True(t, confirmTx(t, l, txId).Confirmed())

	balances, err := l.QueryBalance(ctx, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balances[protocol.TokenReward])
}

func TestIdempotencyKeyDedup(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	txId1, err := l.Mint(ctx, "mint-dup", protocol.TokenReward, 25)
	require.NoError(t, err)
	txId2, err := l.Mint(ctx, "mint-dup", protocol.TokenReward, 25)
	require.NoError(t, err)
	assert.Equal(t, txId1, txId2)

	balances, err := l.QueryBalance(ctx, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), balances[protocol.TokenReward])
}

func TestFailedOperationDoesNotConsumeIdemKey(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	l.FailNext(OpMint, "node rejected")
	txId1, err := l.Mint(ctx, "mint-retry", protocol.TokenReward, 10)
	require.NoError(t, err)
	receipt := confirmTx(t, l, txId1)
	require.False(t, receipt.Confirmed())

	// The failed attempt applied nothing, so resubmitting under the same
	// key runs the operation instead of replaying the failed receipt
	txId2, err := l.Mint(ctx, "mint-retry", protocol.TokenReward, 10)
	require.NoError(t, err)
	assert.NotEqual(t, txId1, txId2)
	receipt = confirmTx(t, l, txId2)
	assert.True(t, receipt.Confirmed())

	balances, err := l.QueryBalance(ctx, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), balances[protocol.TokenReward])
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	l.TransientNext(OpMint, 1)
	_, err := l.Mint(ctx, "mint-transient", protocol.TokenReward, 10)
	var transientErr *protocol.TransientLedgerError
	require.ErrorAs(t, err, &transientErr)

	l.FailNext(OpMint, "node rejected")
	txId, err := l.Mint(ctx, "mint-fail", protocol.TokenReward, 10)
	require.NoError(t, err)
	receipt := confirmTx(t, l, txId)
	assert.False(t, receipt.Confirmed())
	assert.Equal(t, "node rejected", receipt.Reason)
}

func TestFinalityDelay(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(MemoryLedgerConfig{
		IssuerAccount: testIssuer,
		FinalityDelay: 20 * time.Millisecond,
	})
	txId, err := l.Mint(ctx, "mint-delayed", protocol.TokenReward, 10)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	_, err = l.AwaitReceipt(shortCtx, txId)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	receipt, err := l.AwaitReceipt(ctx, txId)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed())
}
