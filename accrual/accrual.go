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

package accrual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redeemer is the redemption saga entrypoint invoked when a claim
// reaches the lifetime cap
type Redeemer interface {
	Redeem(ctx context.Context, account protocol.AccountID) error
}

// EngineConfig configures the claim/accrual engine
type EngineConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DB           *database.Database
	Issuer       *issuer.Authority
	Redeemer     Redeemer
	Audit        *audit.Emitter
	Params       protocol.EconomyParams
}

// Engine enforces the accrual rate and lifetime cap. Claims that cause
// the claimed total to reach the cap transition the member to
// CAP_REACHED and synchronously run the redemption saga as part of the
// same logical transition.
type Engine struct {
	config  EngineConfig
	logger  *slog.Logger
	db      *database.Database
	issuer  *issuer.Authority
	redeem  Redeemer
	audit   *audit.Emitter
	params  protocol.EconomyParams
	metrics struct {
		claims      prometheus.Counter
		rewards     prometheus.Counter
		capsReached prometheus.Counter
	}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		config: config,
		db:     config.DB,
		issuer: config.Issuer,
		redeem: config.Redeemer,
		audit:  config.Audit,
		params: config.Params,
		stopCh: make(chan struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	e.metrics.claims = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_claims_total",
		Help: "reward claims applied",
	})
	e.metrics.rewards = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_rewards_claimed_total",
		Help: "total reward tokens claimed",
	})
	e.metrics.capsReached = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_caps_reached_total",
		Help: "members reaching the lifetime cap",
	})
	return e
}

// Entitlement returns the per-period accrual for a member: the base
// rate, plus the bonus rate iff the recognition flag is set
func (e *Engine) Entitlement(member *database.Member) uint64 {
	entitlement := e.params.BaseRate
	if member.Recognition {
		entitlement += e.params.BonusRate
	}
	return entitlement
}

// Claim applies an explicit claim of amount rewards for account. The
// amount must be within the per-call bound and must not push the
// cumulative claimed total past the lifetime cap; violations fail with
// QuotaExceededError and no ledger side effects.
func (e *Engine) Claim(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
) error {
	if amount == 0 {
		return &protocol.ValidationError{Reason: "claim amount is zero"}
	}
	if amount > e.params.MaxClaimAmount {
		return &protocol.QuotaExceededError{
			Account:   account,
			Requested: amount,
			Remaining: e.params.MaxClaimAmount,
		}
	}
	return e.apply(ctx, account, amount)
}

// AccrueMember applies one accrual period's entitlement to a member,
// clamped to exactly reach the lifetime cap. Entitlement beyond the cap
// is not carried over.
func (e *Engine) AccrueMember(
	ctx context.Context,
	account protocol.AccountID,
) error {
	member, err := e.db.GetMember(account)
	if err != nil {
		return err
	}
	if member.MemberStatus() != protocol.MemberStatusActive {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf(
				"member %s not active (status %s)",
				account,
				member.Status,
			),
		}
	}
	entitlement := e.Entitlement(&member)
	remaining := e.params.LifetimeCap - member.ClaimedTotal
	amount := min(entitlement, remaining)
	if amount == 0 {
		return nil
	}
	return e.apply(ctx, account, amount)
}

// apply reserves the claim against the member record, credits the
// rewards on the ledger, and runs the redemption saga if the claim
// reached the cap
func (e *Engine) apply(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
) error {
	member, capReached, err := e.reserve(account, amount)
	if err != nil {
		return err
	}
	if err := e.credit(ctx, account, amount); err != nil {
		// Ledger credit failed; release the reservation so the claimed
		// total stays in step with the ledger truth
		e.unreserve(account, amount)
		return err
	}
	e.metrics.claims.Inc()
	e.metrics.rewards.Add(float64(amount))
	e.audit.Publish(audit.TypeClaimApplied, account, map[string]any{
		"amount":        amount,
		"claimed_total": member.ClaimedTotal,
	})
	if !capReached {
		return nil
	}
	e.metrics.capsReached.Inc()
	e.logger.Info(
		"lifetime cap reached, starting redemption",
		"account", account,
		"component", "accrual",
	)
	e.audit.Publish(audit.TypeCapReached, account, map[string]any{
		"cap": e.params.LifetimeCap,
	})
	// The cap-crossing claim and the redemption are one logical
	// transition; there is no separate scheduling step
	return e.redeem.Redeem(ctx, account)
}

// reserve bumps the member's claimed total under the cap using
// optimistic versioning, setting CAP_REACHED when the total lands
// exactly on the cap
func (e *Engine) reserve(
	account protocol.AccountID,
	amount uint64,
) (database.Member, bool, error) {
	for {
		member, err := e.db.GetMember(account)
		if err != nil {
			return member, false, err
		}
		if member.MemberStatus() != protocol.MemberStatusActive {
			return member, false, &protocol.ValidationError{
				Reason: fmt.Sprintf(
					"member %s not active (status %s)",
					account,
					member.Status,
				),
			}
		}
		if member.ClaimedTotal+amount > e.params.LifetimeCap {
			return member, false, &protocol.QuotaExceededError{
				Account:   account,
				Requested: amount,
				Remaining: e.params.LifetimeCap - member.ClaimedTotal,
			}
		}
		member.ClaimedTotal += amount
		member.RewardBalance += amount
		capReached := member.ClaimedTotal == e.params.LifetimeCap
		if capReached {
			member.Status = string(protocol.MemberStatusCapReached)
		}
		err = e.db.UpdateMember(&member)
		if err == nil {
			return member, capReached, nil
		}
		if !errors.Is(err, database.ErrStaleVersion) {
			return member, false, err
		}
		// Raced with another writer; re-read and re-check the cap
	}
}

func (e *Engine) unreserve(account protocol.AccountID, amount uint64) {
	for {
		member, err := e.db.GetMember(account)
		if err != nil {
			e.logger.Error(
				"failed to release claim reservation",
				"account", account,
				"error", err,
				"component", "accrual",
			)
			return
		}
		member.ClaimedTotal -= min(member.ClaimedTotal, amount)
		member.RewardBalance -= min(member.RewardBalance, amount)
		if member.MemberStatus() == protocol.MemberStatusCapReached &&
			member.ClaimedTotal < e.params.LifetimeCap {
			member.Status = string(protocol.MemberStatusActive)
		}
		err = e.db.UpdateMember(&member)
		if err == nil {
			return
		}
		if !errors.Is(err, database.ErrStaleVersion) {
			e.logger.Error(
				"failed to release claim reservation",
				"account", account,
				"error", err,
				"component", "accrual",
			)
			return
		}
	}
}

// credit mints the claimed rewards and delivers them to the member, each
// operation awaited to finality
func (e *Engine) credit(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
) error {
	claimId := uuid.NewString()
	receipt, err := e.issuer.Mint(
		ctx,
		fmt.Sprintf("claim/%s/mint", claimId),
		protocol.TokenReward,
		amount,
	)
	if err != nil {
		return err
	}
	if !receipt.Confirmed() {
		return &protocol.FinalityError{
			TxID:   receipt.TxID,
			Reason: receipt.Reason,
		}
	}
	receipt, err = e.issuer.Transfer(
		ctx,
		fmt.Sprintf("claim/%s/deliver", claimId),
		protocol.TokenReward,
		account,
		amount,
	)
	if err != nil {
		return err
	}
	if !receipt.Confirmed() {
		return &protocol.FinalityError{
			TxID:   receipt.TxID,
			Reason: receipt.Reason,
		}
	}
	return nil
}

// Start launches the periodic accrual loop
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.params.AccrualPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.accrueAll()
			}
		}
	}()
}

// Stop halts the periodic accrual loop
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// accrueAll applies one period's entitlement to every active member
func (e *Engine) accrueAll() {
	ctx := context.Background()
	members, err := e.db.ListMembersByStatus(protocol.MemberStatusActive)
	if err != nil {
		e.logger.Error(
			"accrual pass failed to list members",
			"error", err,
			"component", "accrual",
		)
		return
	}
	for _, member := range members {
		account := protocol.AccountID(member.Account)
		if err := e.AccrueMember(ctx, account); err != nil {
			// One member's failure must not stop the accrual pass
			e.logger.Error(
				"accrual failed for member",
				"account", account,
				"error", err,
				"component", "accrual",
			)
		}
	}
}
