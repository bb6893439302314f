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

package database

import (
	"errors"
	"strings"
	"time"

	"github.com/gildlabs/gild/protocol"
	"gorm.io/gorm"
)

var migrateModels = []any{
	&Member{},
	&AdmissionRequest{},
}

// AdmissionRequest is a pending (or retained terminal) deposit admission
// request. Rows are never deleted; terminal rows remain for audit and
// reconciliation.
type AdmissionRequest struct {
	ID      uint   `gorm:"primarykey"`
	Nonce   string `gorm:"uniqueIndex"`
	Account string `gorm:"index"`
	Amount  uint64
	// Seq is the consensus sequence number, assigned once delivered
	Seq    uint64
	Status string `gorm:"index"`
	// TxIds holds the ledger transaction ids produced so far,
	// comma-joined in execution order
	TxIds         string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *AdmissionRequest) TableName() string {
	return "admission_request"
}

// AdmissionStatus returns the typed request status
func (r *AdmissionRequest) AdmissionStatus() protocol.AdmissionStatus {
	return protocol.AdmissionStatus(r.Status)
}

// TxIdList returns the recorded ledger transaction ids in order
func (r *AdmissionRequest) TxIdList() []protocol.TxID {
	if r.TxIds == "" {
		return nil
	}
	parts := strings.Split(r.TxIds, ",")
	ret := make([]protocol.TxID, 0, len(parts))
	for _, p := range parts {
		ret = append(ret, protocol.TxID(p))
	}
	return ret
}

// CreateAdmissionRequest inserts a new request in SUBMITTED status. The
// unique index on nonce enforces one row per logical request; a
// concurrent insert of the same nonce fails with ErrDuplicateNonce.
func (d *Database) CreateAdmissionRequest(req *AdmissionRequest) error {
	req.Status = string(protocol.AdmissionStatusSubmitted)
	err := d.db.Create(req).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateNonce
	}
	return err
}

// GetAdmissionRequest returns the request with the given nonce
func (d *Database) GetAdmissionRequest(
	nonce string,
) (AdmissionRequest, error) {
	var req AdmissionRequest
	result := d.db.First(&req, "nonce = ?", nonce)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return req, ErrNotFound
		}
		return req, result.Error
	}
	return req, nil
}

// SetAdmissionSeq records the assigned consensus sequence number
func (d *Database) SetAdmissionSeq(nonce string, seq uint64) error {
	return d.db.Model(&AdmissionRequest{}).
		Where("nonce = ?", nonce).
		Update("seq", seq).
		Error
}

// TransitionAdmission moves a request to the next status, enforcing the
// strictly-forward lifecycle. The current status is part of the update
// predicate, so a concurrent transition loses cleanly with
// ErrInvalidTransition instead of moving a row backward.
func (d *Database) TransitionAdmission(
	nonce string,
	next protocol.AdmissionStatus,
	failureReason string,
) error {
	req, err := d.GetAdmissionRequest(nonce)
	if err != nil {
		return err
	}
	if !req.AdmissionStatus().CanTransition(next) {
		return ErrInvalidTransition
	}
	updates := map[string]any{
		"status": string(next),
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	result := d.db.Model(&AdmissionRequest{}).
		Where("nonce = ? AND status = ?", nonce, req.Status).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// AppendAdmissionTx records a ledger transaction id against the request
func (d *Database) AppendAdmissionTx(
	nonce string,
	txId protocol.TxID,
) error {
	req, err := d.GetAdmissionRequest(nonce)
	if err != nil {
		return err
	}
	txIds := string(txId)
	if req.TxIds != "" {
		txIds = req.TxIds + "," + txIds
	}
	return d.db.Model(&AdmissionRequest{}).
		Where("nonce = ?", nonce).
		Update("tx_ids", txIds).
		Error
}

// HasExecutingAdmission reports whether an EXECUTING request exists for
// the account
func (d *Database) HasExecutingAdmission(
	account protocol.AccountID,
) (bool, error) {
	var count int64
	result := d.db.Model(&AdmissionRequest{}).
		Where(
			"account = ? AND status = ?",
			string(account),
			string(protocol.AdmissionStatusExecuting),
		).
		Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}
