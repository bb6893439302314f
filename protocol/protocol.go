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

// Token identifies a token class on the external ledger
type Token string

const (
	// TokenCredential is the non-transferable membership credential,
	// capped at one per account
	TokenCredential Token = "GILD"
	// TokenReward is the accruable reward token, capped per credential
	// lifetime
	TokenReward Token = "SPARK"
	// TokenRecognition is the non-transferable donation recognition
	// credential, capped at one per account
	TokenRecognition Token = "LAUREL"
	// TokenCurrency is the base settlement currency used for collateral
	// deposits and redemption payouts
	TokenCurrency Token = "XGD"
)

// AccountID references an account on the external ledger
type AccountID string

// TxID identifies a single finalized ledger operation
type TxID string

// ReceiptStatus is the terminal status of a ledger operation as reported
// by its finality receipt. Submission success alone never implies this.
type ReceiptStatus string

const (
	ReceiptStatusConfirmed ReceiptStatus = "confirmed"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// Receipt is the finality receipt for a single ledger operation
type Receipt struct {
	TxID   TxID
	Status ReceiptStatus
	Reason string
}

func (r Receipt) Confirmed() bool {
	return r.Status == ReceiptStatusConfirmed
}

// MemberStatus is the lifecycle status of a membership record
type MemberStatus string

const (
	MemberStatusActive     MemberStatus = "ACTIVE"
	MemberStatusCapReached MemberStatus = "CAP_REACHED"
	MemberStatusRedeemed   MemberStatus = "REDEEMED"
)

// AdmissionStatus is the lifecycle status of a pending admission request.
// Requests only ever move forward through the sequence SUBMITTED ->
// DELIVERED -> EXECUTING -> COMPLETED, with FAILED reachable from any
// non-terminal state.
type AdmissionStatus string

const (
	AdmissionStatusSubmitted AdmissionStatus = "SUBMITTED"
	AdmissionStatusDelivered AdmissionStatus = "DELIVERED"
	AdmissionStatusExecuting AdmissionStatus = "EXECUTING"
	AdmissionStatusCompleted AdmissionStatus = "COMPLETED"
	AdmissionStatusFailed    AdmissionStatus = "FAILED"
)

var admissionStatusRank = map[AdmissionStatus]int{
	AdmissionStatusSubmitted: 0,
	AdmissionStatusDelivered: 1,
	AdmissionStatusExecuting: 2,
	AdmissionStatusCompleted: 3,
	AdmissionStatusFailed:    3,
}

// Terminal returns true for statuses that permit no further transition
func (s AdmissionStatus) Terminal() bool {
	return s == AdmissionStatusCompleted || s == AdmissionStatusFailed
}

// CanTransition returns true if the strictly-forward status sequence
// permits moving from s to next
func (s AdmissionStatus) CanTransition(next AdmissionStatus) bool {
	if s.Terminal() {
		return false
	}
	curRank, ok := admissionStatusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := admissionStatusRank[next]
	if !ok {
		return false
	}
	return nextRank > curRank
}
