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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrAlreadyRunning is returned when a redemption for the same member is
// already in flight
var ErrAlreadyRunning = errors.New("redemption already in flight for member")

// RedeemerConfig configures the redemption saga runner
type RedeemerConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DB           *database.Database
	Gateway      gateway.Gateway
	Issuer       *issuer.Authority
	Audit        *audit.Emitter
	CoSigner     gateway.CoSignerFunc
	Params       protocol.EconomyParams
}

// Redeemer drives the redemption/renewal saga: burn the accrued rewards,
// pay out the configured total, collect fresh collateral, and reissue a
// frozen credential. Steps are strictly sequential and each one is
// awaited to ledger finality before the next begins; the step cursor is
// journaled so a failure or crash halts at the last confirmed step and
// resumes from there, never from step 1.
//
// Sagas for distinct members run concurrently. Issuer-side operations go
// through the shared issuer authority queue.
type Redeemer struct {
	config  RedeemerConfig
	logger  *slog.Logger
	db      *database.Database
	gw      gateway.Gateway
	issuer  *issuer.Authority
	audit   *audit.Emitter
	params  protocol.EconomyParams
	metrics struct {
		completed prometheus.Counter
		halted    prometheus.Counter
		steps     *prometheus.CounterVec
	}
	inFlight   map[protocol.AccountID]struct{}
	inFlightMu sync.Mutex
}

func NewRedeemer(config RedeemerConfig) *Redeemer {
	r := &Redeemer{
		config:   config,
		db:       config.DB,
		gw:       config.Gateway,
		issuer:   config.Issuer,
		audit:    config.Audit,
		params:   config.Params,
		inFlight: make(map[protocol.AccountID]struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = config.Logger
	}
	if r.config.CoSigner == nil {
		r.config.CoSigner = func(
			account protocol.AccountID,
		) gateway.CoSignature {
			return gateway.CoSignature("member:" + string(account))
		}
	}
	promautoFactory := promauto.With(config.PromRegistry)
	r.metrics.completed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_redemptions_completed_total",
		Help: "redemption sagas completed successfully",
	})
	r.metrics.halted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_redemptions_halted_total",
		Help: "redemption sagas halted at a step failure",
	})
	r.metrics.steps = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gild_redemption_steps_total",
			Help: "redemption saga steps by step number and status",
		},
		[]string{"step", "status"},
	)
	return r
}

func (r *Redeemer) acquire(account protocol.AccountID) bool {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	if _, ok := r.inFlight[account]; ok {
		return false
	}
	r.inFlight[account] = struct{}{}
	return true
}

func (r *Redeemer) release(account protocol.AccountID) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	delete(r.inFlight, account)
}

// Redeem runs (or resumes) the redemption saga for a member whose
// claimed total has reached the lifetime cap
func (r *Redeemer) Redeem(
	ctx context.Context,
	account protocol.AccountID,
) error {
	if !r.acquire(account) {
		return ErrAlreadyRunning
	}
	defer r.release(account)
	member, err := r.db.GetMember(account)
	if err != nil {
		return fmt.Errorf("loading member %s: %w", account, err)
	}
	if member.MemberStatus() != protocol.MemberStatusCapReached {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf(
				"member %s not at cap (status %s)",
				account,
				member.Status,
			),
		}
	}
	state, err := r.loadOrCreateState(ctx, &member)
	if err != nil {
		return err
	}
	r.logger.Info(
		"redemption saga starting",
		"account", account,
		"cycle", state.Cycle,
		"cursor", state.Cursor,
		"component", "redemption",
	)
	for step := state.Cursor + 1; step <= database.RedemptionStepCount; step++ {
		if err := ctx.Err(); err != nil {
			return r.halt(state, account, step, err)
		}
		if err := r.runStep(ctx, &member, state, step); err != nil {
			r.metrics.steps.WithLabelValues(
				fmt.Sprintf("%d", step), "failed",
			).Inc()
			return r.halt(state, account, step, err)
		}
		// Receipt(s) for this step confirmed; advance the cursor and
		// journal it before touching the next step
		state.Cursor = step
		state.FailureReason = ""
		if err := r.db.PutSagaState(state); err != nil {
			return r.halt(state, account, step, err)
		}
		r.metrics.steps.WithLabelValues(
			fmt.Sprintf("%d", step), "confirmed",
		).Inc()
	}
	return r.complete(&member, state)
}

// ResumePending resumes every journaled saga left unfinished by a prior
// process. Called once at startup.
func (r *Redeemer) ResumePending(ctx context.Context) error {
	states, err := r.db.ListSagaStates()
	if err != nil {
		return err
	}
	var errs error
	for _, state := range states {
		account := protocol.AccountID(state.Account)
		r.logger.Info(
			"resuming interrupted redemption saga",
			"account", account,
			"cursor", state.Cursor,
			"component", "redemption",
		)
		if err := r.Redeem(ctx, account); err != nil {
			// One member's saga failing must not block the others
			errs = errors.Join(errs, fmt.Errorf("resume %s: %w", account, err))
		}
	}
	return errs
}

func (r *Redeemer) loadOrCreateState(
	ctx context.Context,
	member *database.Member,
) (*database.RedemptionSagaState, error) {
	account := protocol.AccountID(member.Account)
	state, err := r.db.GetSagaState(account)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	// Capture the pre-saga reward balance from the ledger, not the
	// membership store, since the ledger is the source of truth
	balances, err := r.gw.QueryBalance(ctx, account)
	if err != nil {
		return nil, err
	}
	state = &database.RedemptionSagaState{
		Account:          member.Account,
		Cycle:            member.RenewalCycle,
		Cursor:           0,
		PreRewardBalance: balances[protocol.TokenReward],
		Steps:            make(map[int]*database.SagaStep),
		StartedAt:        time.Now(),
	}
	if err := r.db.PutSagaState(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *Redeemer) halt(
	state *database.RedemptionSagaState,
	account protocol.AccountID,
	step int,
	cause error,
) error {
	state.FailureReason = cause.Error()
	if putErr := r.db.PutSagaState(state); putErr != nil {
		cause = errors.Join(cause, putErr)
	}
	r.metrics.halted.Inc()
	r.logger.Error(
		"redemption saga halted",
		"account", account,
		"step", step,
		"cursor", state.Cursor,
		"error", cause,
		"component", "redemption",
	)
	r.audit.Publish(audit.TypeRedemptionHalted, account, map[string]any{
		"step":   step,
		"cursor": state.Cursor,
		"reason": cause.Error(),
	})
	return cause
}

func (r *Redeemer) complete(
	member *database.Member,
	state *database.RedemptionSagaState,
) error {
	account := protocol.AccountID(member.Account)
	// Fold the saga outcome back into the member record. Retry on a
	// concurrent writer; the saga fields themselves are only written
	// here.
	for {
		member.ClaimedTotal = 0
		member.RewardBalance -= min(
			member.RewardBalance,
			r.params.LifetimeCap,
		)
		member.RenewalCycle++
		member.CredentialCount = 1
		member.Collateral = r.params.CollateralAmount
		member.Status = string(protocol.MemberStatusActive)
		err := r.db.UpdateMember(member)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrStaleVersion) {
			return err
		}
		fresh, err := r.db.GetMember(account)
		if err != nil {
			return err
		}
		*member = fresh
	}
	if err := r.db.DeleteSagaState(account); err != nil {
		return err
	}
	r.metrics.completed.Inc()
	r.logger.Info(
		"redemption saga completed",
		"account", account,
		"cycle", member.RenewalCycle,
		"component", "redemption",
	)
	r.audit.Publish(audit.TypeRedemptionCompleted, account, map[string]any{
		"cycle":  member.RenewalCycle,
		"payout": r.params.PayoutTotal(),
	})
	return nil
}
