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
	"time"
)

// EconomyParams is the static economy configuration. It is assembled once
// at process start and passed explicitly to every component; nothing reads
// it from ambient process state.
//
// All amounts are integer base units of the respective token.
type EconomyParams struct {
	// CollateralAmount is the exact deposit required for admission
	CollateralAmount uint64
	// LifetimeCap is the maximum cumulative reward claimable per
	// credential lifetime
	LifetimeCap uint64
	// BaseRate is the reward entitlement per accrual period
	BaseRate uint64
	// BonusRate is the additional entitlement per accrual period for
	// accounts holding a recognition credential
	BonusRate uint64
	// MaxClaimAmount bounds a single claim call
	MaxClaimAmount uint64
	// PayoutRefund is the collateral refund portion of the redemption
	// payout
	PayoutRefund uint64
	// PayoutMargin is the profit margin portion of the redemption payout,
	// funded from the issuer float. Total payout is always
	// PayoutRefund + PayoutMargin.
	PayoutMargin uint64
	// MinDonationThreshold is the smallest donation that earns a
	// recognition credential
	MinDonationThreshold uint64
	// AccrualPeriod is the interval between periodic accrual runs
	AccrualPeriod time.Duration
}

// PayoutTotal is the full amount paid out to a member during redemption
func (p EconomyParams) PayoutTotal() uint64 {
	return p.PayoutRefund + p.PayoutMargin
}

func (p EconomyParams) Validate() error {
	if p.CollateralAmount == 0 {
		return errors.New("collateral amount must be non-zero")
	}
	if p.LifetimeCap == 0 {
		return errors.New("lifetime cap must be non-zero")
	}
	if p.MaxClaimAmount == 0 {
		return errors.New("max claim amount must be non-zero")
	}
	if p.BaseRate == 0 {
		return errors.New("base accrual rate must be non-zero")
	}
	if p.BaseRate+p.BonusRate > p.MaxClaimAmount {
		return errors.New("accrual entitlement exceeds max claim amount")
	}
	if p.PayoutRefund != p.CollateralAmount {
		return errors.New("payout refund must equal collateral amount")
	}
	if p.MinDonationThreshold == 0 {
		return errors.New("minimum donation threshold must be non-zero")
	}
	if p.AccrualPeriod <= 0 {
		return errors.New("accrual period must be positive")
	}
	return nil
}

// DefaultEconomyParams returns the reference economy: deposit 100 units,
// cap 1000 rewards, payout 180 units (100 refund + 80 margin)
func DefaultEconomyParams() EconomyParams {
	return EconomyParams{
		CollateralAmount:     100,
		LifetimeCap:          1000,
		BaseRate:             10,
		BonusRate:            2,
		MaxClaimAmount:       50,
		PayoutRefund:         100,
		PayoutMargin:         80,
		MinDonationThreshold: 25,
		AccrualPeriod:        6 * time.Hour,
	}
}
