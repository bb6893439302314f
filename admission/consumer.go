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

package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/protocol"
	"github.com/gildlabs/gild/sequencer"
)

// consume drains the ordered admission stream. One goroutine, one
// message at a time: two deposit sagas for the same account can never
// interleave.
func (a *Admissions) consume(deliveries <-chan sequencer.Delivery) {
	defer a.wg.Done()
	// The sequencer is at-least-once; dedupe by sequence number
	seen := make(map[uint64]struct{})
	for delivery := range deliveries {
		if _, ok := seen[delivery.Seq]; ok {
			continue
		}
		seen[delivery.Seq] = struct{}{}
		a.handleDelivery(context.Background(), delivery)
	}
}

func (a *Admissions) handleDelivery(
	ctx context.Context,
	delivery sequencer.Delivery,
) {
	var intent Intent
	if err := json.Unmarshal(delivery.Payload, &intent); err != nil {
		a.logger.Error(
			"discarding malformed admission intent",
			"seq", delivery.Seq,
			"error", err,
			"component", "admission",
		)
		return
	}
	req, err := a.db.GetAdmissionRequest(intent.Nonce)
	if err != nil {
		a.logger.Error(
			"admission intent without request record",
			"seq", delivery.Seq,
			"nonce", intent.Nonce,
			"error", err,
			"component", "admission",
		)
		return
	}
	// Redelivered or cancelled requests are dropped here: the status
	// lifecycle is strictly forward
	if req.AdmissionStatus() != protocol.AdmissionStatusSubmitted {
		a.logger.Debug(
			"skipping admission delivery in non-submitted status",
			"nonce", intent.Nonce,
			"status", req.Status,
			"component", "admission",
		)
		return
	}
	if err := a.db.TransitionAdmission(
		intent.Nonce, protocol.AdmissionStatusDelivered, "",
	); err != nil {
		a.logger.Error(
			"failed to mark admission delivered",
			"nonce", intent.Nonce,
			"error", err,
			"component", "admission",
		)
		return
	}
	// Recheck-on-delivery: the membership ledger may have changed
	// between submission and this delivery, and the sequencer order, not
	// submission-time validation, decides who mints
	if err := a.ValidateDepositRequest(
		ctx, intent.Account, intent.Amount,
	); err != nil {
		a.fail(intent, fmt.Sprintf("revalidation: %v", err))
		return
	}
	executing, err := a.db.HasExecutingAdmission(intent.Account)
	if err != nil {
		a.fail(intent, fmt.Sprintf("executing check: %v", err))
		return
	}
	if executing {
		a.fail(intent, "another admission is executing for this account")
		return
	}
	if err := a.db.TransitionAdmission(
		intent.Nonce, protocol.AdmissionStatusExecuting, "",
	); err != nil {
		a.fail(intent, fmt.Sprintf("marking executing: %v", err))
		return
	}
	if err := a.execute(ctx, intent); err != nil {
		// No automatic rollback of prior steps: the partial ledger
		// state stays recorded on the request for manual reconciliation
		a.fail(intent, err.Error())
		return
	}
	if err := a.db.TransitionAdmission(
		intent.Nonce, protocol.AdmissionStatusCompleted, "",
	); err != nil {
		a.logger.Error(
			"failed to mark admission completed",
			"nonce", intent.Nonce,
			"error", err,
			"component", "admission",
		)
		return
	}
	a.metrics.completed.Inc()
	a.logger.Info(
		"admission completed",
		"account", intent.Account,
		"nonce", intent.Nonce,
		"seq", delivery.Seq,
		"component", "admission",
	)
	a.audit.Publish(audit.TypeAdmissionCompleted, intent.Account,
		map[string]any{
			"nonce": intent.Nonce,
			"seq":   delivery.Seq,
		})
}

func (a *Admissions) fail(intent Intent, reason string) {
	if err := a.db.TransitionAdmission(
		intent.Nonce, protocol.AdmissionStatusFailed, reason,
	); err != nil {
		a.logger.Error(
			"failed to mark admission failed",
			"nonce", intent.Nonce,
			"error", err,
			"component", "admission",
		)
	}
	a.metrics.failed.Inc()
	a.logger.Warn(
		"admission failed",
		"account", intent.Account,
		"nonce", intent.Nonce,
		"reason", reason,
		"component", "admission",
	)
	a.audit.Publish(audit.TypeAdmissionFailed, intent.Account,
		map[string]any{
			"nonce":  intent.Nonce,
			"reason": reason,
		})
}

// execute performs the issuance sequence in fixed order, awaiting each
// ledger receipt: collect collateral, mint credential, deliver it,
// freeze it, then write the member record
func (a *Admissions) execute(ctx context.Context, intent Intent) error {
	account := intent.Account
	// Collect the collateral deposit from the member
	txId, err := a.gw.Transfer(
		ctx,
		fmt.Sprintf("admit/%s/collect", intent.Nonce),
		protocol.TokenCurrency,
		account,
		a.issuer.Account(),
		intent.Amount,
		a.config.CoSigner(account),
	)
	if err != nil {
		return fmt.Errorf("collecting collateral: %w", err)
	}
	if err := a.db.AppendAdmissionTx(intent.Nonce, txId); err != nil {
		return err
	}
	receipt, err := a.gw.AwaitReceipt(ctx, txId)
	if err != nil {
		return fmt.Errorf("collecting collateral: %w", err)
	}
	if !receipt.Confirmed() {
		return fmt.Errorf("collecting collateral: %w", &protocol.FinalityError{
			TxID:   receipt.TxID,
			Reason: receipt.Reason,
		})
	}
	// Mint the membership credential into issuer holdings
	receipt, err = a.issuer.Mint(
		ctx,
		fmt.Sprintf("admit/%s/mint", intent.Nonce),
		protocol.TokenCredential,
		1,
	)
	if err := a.confirmIssuerOp(intent.Nonce, receipt, err); err != nil {
		return fmt.Errorf("minting credential: %w", err)
	}
	// Deliver the credential to the member
	receipt, err = a.issuer.Transfer(
		ctx,
		fmt.Sprintf("admit/%s/deliver", intent.Nonce),
		protocol.TokenCredential,
		account,
		1,
	)
	if err := a.confirmIssuerOp(intent.Nonce, receipt, err); err != nil {
		return fmt.Errorf("delivering credential: %w", err)
	}
	// Freeze the credential to enforce non-transferability
	receipt, err = a.issuer.Freeze(
		ctx,
		fmt.Sprintf("admit/%s/freeze", intent.Nonce),
		protocol.TokenCredential,
		account,
	)
	if err := a.confirmIssuerOp(intent.Nonce, receipt, err); err != nil {
		return fmt.Errorf("freezing credential: %w", err)
	}
	member := &database.Member{
		Account:         string(account),
		Collateral:      intent.Amount,
		CredentialCount: 1,
		Status:          string(protocol.MemberStatusActive),
	}
	if err := a.db.CreateMember(member); err != nil {
		return fmt.Errorf("writing member record: %w", err)
	}
	return nil
}

func (a *Admissions) confirmIssuerOp(
	nonce string,
	receipt protocol.Receipt,
	err error,
) error {
	if err != nil {
		return err
	}
	if recordErr := a.db.AppendAdmissionTx(nonce, receipt.TxID); recordErr != nil {
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
