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
	"time"

	"github.com/gildlabs/gild/protocol"
	"gorm.io/gorm"
)

// Member is the per-account membership record. Token balances recorded
// here mirror the external ledger and are reconciled against it; the
// ledger remains the source of truth.
type Member struct {
	ID              uint   `gorm:"primarykey"`
	Account         string `gorm:"uniqueIndex"`
	Collateral      uint64
	CredentialCount uint
	RewardBalance   uint64
	ClaimedTotal    uint64
	Status          string `gorm:"index"`
	RenewalCycle    uint
	// Recognition is sticky: once set it is never cleared by normal flow
	Recognition  bool
	DonatedTotal uint64
	Version      uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (m *Member) TableName() string {
	return "member"
}

// MemberStatus returns the typed lifecycle status
func (m *Member) MemberStatus() protocol.MemberStatus {
	return protocol.MemberStatus(m.Status)
}

// GetMember returns the member record for an account
func (d *Database) GetMember(account protocol.AccountID) (Member, error) {
	var member Member
	result := d.db.First(&member, "account = ?", string(account))
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return member, ErrNotFound
		}
		return member, result.Error
	}
	return member, nil
}

// CreateMember inserts a new member record. The unique index on account
// enforces at most one record per account.
func (d *Database) CreateMember(member *Member) error {
	member.Version = 1
	return d.db.Create(member).Error
}

// UpdateMember writes back a member record using optimistic versioning.
// The update only applies if no other writer has bumped the version
// since the record was read; otherwise ErrStaleVersion is returned and
// the caller should re-read and retry.
func (d *Database) UpdateMember(member *Member) error {
	oldVersion := member.Version
	result := d.db.Model(&Member{}).
		Where("id = ? AND version = ?", member.ID, oldVersion).
		Updates(map[string]any{
			"collateral":       member.Collateral,
			"credential_count": member.CredentialCount,
			"reward_balance":   member.RewardBalance,
			"claimed_total":    member.ClaimedTotal,
			"status":           member.Status,
			"renewal_cycle":    member.RenewalCycle,
			"recognition":      member.Recognition,
			"donated_total":    member.DonatedTotal,
			"version":          oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleVersion
	}
	member.Version = oldVersion + 1
	return nil
}

// ListMembersByStatus returns all members with the given lifecycle status
func (d *Database) ListMembersByStatus(
	status protocol.MemberStatus,
) ([]Member, error) {
	var members []Member
	result := d.db.Where("status = ?", string(status)).
		Order("account").
		Find(&members)
	if result.Error != nil {
		return nil, result.Error
	}
	return members, nil
}
