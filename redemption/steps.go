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

package redemption

import (
	"context"
	"fmt"

	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/protocol"
)

// The seven ordered saga steps
const (
	stepCollectRewards    = 1
	stepBurnRewards       = 2
	stepPayout            = 3
	stepCollectCollateral = 4
	stepMintCredential    = 5
	stepSwapCredential    = 6
	stepVerify            = 7
)

// stepKey builds the idempotency key for one ledger operation within a
// saga step. It is derived from the saga identity, so a resumed or
// retried step reuses the same transaction identity and cannot
// double-apply.
func stepKey(
	account protocol.AccountID,
	cycle uint,
	step int,
	op string,
) string {
	return fmt.Sprintf("redeem/%s/c%d/s%d/%s", account, cycle, step, op)
}

// recordTx journals a submitted transaction id under the step before its
// receipt is awaited, so a crash between submission and confirmation is
// visible during reconciliation
func (r *Redeemer) recordTx(
	state *database.RedemptionSagaState,
	step int,
	txId protocol.TxID,
) error {
	stepState, ok := state.Steps[step]
	if !ok {
		stepState = &database.SagaStep{}
		state.Steps[step] = stepState
	}
	for _, known := range stepState.TxIds {
		if known == txId {
			return nil
		}
	}
	stepState.TxIds = append(stepState.TxIds, txId)
	return r.db.PutSagaState(state)
}

// confirmTx awaits the finality receipt for a journaled transaction.
// The receipt status is the only truth: a failed receipt surfaces as a
// FinalityError and the saga halts at the current cursor.
func (r *Redeemer) confirmTx(
	ctx context.Context,
	txId protocol.TxID,
) error {
	receipt, err := r.gw.AwaitReceipt(ctx, txId)
	if err != nil {
		return err
	}
	if !receipt.Confirmed() {
		return &protocol.FinalityError{
			TxID:   txId,
			Reason: receipt.Reason,
		}
	}
	return nil
}

// memberTransfer submits a co-signed member-side transfer to the
// issuer, journals it, and awaits its receipt
func (r *Redeemer) memberTransfer(
	ctx context.Context,
	state *database.RedemptionSagaState,
	step int,
	op string,
	token protocol.Token,
	amount uint64,
) error {
	account := protocol.AccountID(state.Account)
	txId, err := r.gw.Transfer(
		ctx,
		stepKey(account, state.Cycle, step, op),
		token,
		account,
		r.issuer.Account(),
		amount,
		r.config.CoSigner(account),
	)
	if err != nil {
		return err
	}
	if err := r.recordTx(state, step, txId); err != nil {
		return err
	}
	return r.confirmTx(ctx, txId)
}

// issuerOp journals and checks an issuer-actor operation result. The
// actor awaits the receipt itself, so only the status check remains.
func (r *Redeemer) issuerOp(
	state *database.RedemptionSagaState,
	step int,
	receipt protocol.Receipt,
	err error,
) error {
	if err != nil {
		return err
	}
	if recordErr := r.recordTx(state, step, receipt.TxID); recordErr != nil {
		return recordErr
	}
	if !receipt.Confirmed() {
		return &protocol.FinalityError{
			TxID:   receipt.TxID,
			Reason: receipt.Reason,
		}
	}
	return nil
}

func (r *Redeemer) runStep(
	ctx context.Context,
	member *database.Member,
	state *database.RedemptionSagaState,
	step int,
) error {
	account := protocol.AccountID(member.Account)
	cycle := state.Cycle
	switch step {
	case stepCollectRewards:
		// Move the full lifetime-cap quantity of rewards from the
		// member to the issuer, authorized by the member co-signature
		return r.memberTransfer(
			ctx, state, step, "collect-rewards",
			protocol.TokenReward, r.params.LifetimeCap,
		)
	case stepBurnRewards:
		// Burn the collected rewards from issuer holdings. This step
		// only runs once step 1's transfer receipt has confirmed:
		// burning ahead of transfer settlement silently under-burns on
		// the substrate.
		receipt, err := r.issuer.Burn(
			ctx,
			stepKey(account, cycle, step, "burn-rewards"),
			protocol.TokenReward,
			r.params.LifetimeCap,
		)
		return r.issuerOp(state, step, receipt, err)
	case stepPayout:
		// Pay out the collateral refund plus profit margin from the
		// issuer float
		receipt, err := r.issuer.Transfer(
			ctx,
			stepKey(account, cycle, step, "payout"),
			protocol.TokenCurrency,
			account,
			r.params.PayoutTotal(),
		)
		return r.issuerOp(state, step, receipt, err)
	case stepCollectCollateral:
		// Collect fresh collateral from the member to fund the renewal
		return r.memberTransfer(
			ctx, state, step, "collect-collateral",
			protocol.TokenCurrency, r.params.CollateralAmount,
		)
	case stepMintCredential:
		receipt, err := r.issuer.Mint(
			ctx,
			stepKey(account, cycle, step, "mint-credential"),
			protocol.TokenCredential,
			1,
		)
		return r.issuerOp(state, step, receipt, err)
	case stepSwapCredential:
		return r.swapCredential(ctx, member, state, step)
	case stepVerify:
		return r.verifyPostState(ctx, account, state)
	default:
		return fmt.Errorf("unknown redemption step %d", step)
	}
}

// swapCredential replaces the member's spent credential with the freshly
// minted one: unfreeze, reclaim and burn the old credential, transfer
// the fresh one, then re-freeze to restore non-transferability. Each
// ledger operation is awaited to finality in order.
func (r *Redeemer) swapCredential(
	ctx context.Context,
	member *database.Member,
	state *database.RedemptionSagaState,
	step int,
) error {
	account := protocol.AccountID(member.Account)
	cycle := state.Cycle
	receipt, err := r.issuer.Unfreeze(
		ctx,
		stepKey(account, cycle, step, "unfreeze"),
		protocol.TokenCredential,
		account,
	)
	if err := r.issuerOp(state, step, receipt, err); err != nil {
		return err
	}
	if member.CredentialCount > 0 {
		// The unique-credential invariant requires the spent credential
		// to leave the member's account before the fresh one arrives
		if err := r.memberTransfer(
			ctx, state, step, "reclaim-credential",
			protocol.TokenCredential, 1,
		); err != nil {
			return err
		}
		receipt, err = r.issuer.Burn(
			ctx,
			stepKey(account, cycle, step, "burn-credential"),
			protocol.TokenCredential,
			1,
		)
		if err := r.issuerOp(state, step, receipt, err); err != nil {
			return err
		}
	}
	receipt, err = r.issuer.Transfer(
		ctx,
		stepKey(account, cycle, step, "deliver-credential"),
		protocol.TokenCredential,
		account,
		1,
	)
	if err := r.issuerOp(state, step, receipt, err); err != nil {
		return err
	}
	receipt, err = r.issuer.Freeze(
		ctx,
		stepKey(account, cycle, step, "freeze"),
		protocol.TokenCredential,
		account,
	)
	return r.issuerOp(state, step, receipt, err)
}

// verifyPostState re-queries member balances from the ledger and checks
// the saga's net effect: reward balance reduced by exactly the cap and
// exactly one credential present. On any mismatch the saga halts with a
// ConsistencyError rather than assuming success.
func (r *Redeemer) verifyPostState(
	ctx context.Context,
	account protocol.AccountID,
	state *database.RedemptionSagaState,
) error {
	balances, err := r.gw.QueryBalance(ctx, account)
	if err != nil {
		return err
	}
	wantRewards := state.PreRewardBalance - min(
		state.PreRewardBalance,
		r.params.LifetimeCap,
	)
	if got := balances[protocol.TokenReward]; got != wantRewards {
		return &protocol.ConsistencyError{
			Account: account,
			Detail: fmt.Sprintf(
				"reward balance %d, expected %d after burning cap %d",
				got,
				wantRewards,
				r.params.LifetimeCap,
			),
		}
	}
	if got := balances[protocol.TokenCredential]; got != 1 {
		return &protocol.ConsistencyError{
			Account: account,
			Detail: fmt.Sprintf(
				"credential count %d, expected exactly 1",
				got,
			),
		}
	}
	return nil
}
