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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/gildlabs/gild/sequencer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Topic is the sequencer topic carrying admission intents
const Topic = "gild.admission"

// Intent is the admission message published to the consensus sequencer.
// The sequencer's total order over these intents is the single source of
// truth for who mints next.
type Intent struct {
	Nonce   string             `json:"nonce"`
	Account protocol.AccountID `json:"account"`
	Amount  uint64             `json:"amount"`
}

// AdmissionsConfig configures the deposit saga
type AdmissionsConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DB           *database.Database
	Gateway      gateway.Gateway
	Issuer       *issuer.Authority
	Sequencer    sequencer.Sequencer
	Audit        *audit.Emitter
	CoSigner     gateway.CoSignerFunc
	Params       protocol.EconomyParams
}

// Admissions runs the deposit saga: validate, sequence through the
// consensus log, and execute the credential issuance on delivery. The
// delivery handler is the only consumer of the ordered stream and
// processes one message at a time, which is what prevents two
// concurrent deposits for the same account from both minting.
type Admissions struct {
	config  AdmissionsConfig
	logger  *slog.Logger
	db      *database.Database
	gw      gateway.Gateway
	issuer  *issuer.Authority
	seq     sequencer.Sequencer
	audit   *audit.Emitter
	params  protocol.EconomyParams
	metrics struct {
		submitted prometheus.Counter
		completed prometheus.Counter
		failed    prometheus.Counter
	}
	cancelSub func()
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewAdmissions(config AdmissionsConfig) *Admissions {
	a := &Admissions{
		config: config,
		db:     config.DB,
		gw:     config.Gateway,
		issuer: config.Issuer,
		seq:    config.Sequencer,
		audit:  config.Audit,
		params: config.Params,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		a.logger = config.Logger
	}
	if a.config.CoSigner == nil {
		a.config.CoSigner = func(
			account protocol.AccountID,
		) gateway.CoSignature {
			return gateway.CoSignature("member:" + string(account))
		}
	}
	promautoFactory := promauto.With(config.PromRegistry)
	a.metrics.submitted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_admissions_submitted_total",
		Help: "admission requests submitted to the sequencer",
	})
	a.metrics.completed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_admissions_completed_total",
		Help: "admission requests completed",
	})
	a.metrics.failed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_admissions_failed_total",
		Help: "admission requests failed",
	})
	return a
}

// Start subscribes to the ordered admission stream and launches the
// single delivery consumer
func (a *Admissions) Start() {
	a.startOnce.Do(func() {
		deliveries, cancel := a.seq.Subscribe(Topic)
		a.cancelSub = cancel
		a.wg.Add(1)
		go a.consume(deliveries)
	})
}

// Stop cancels the subscription and waits for the consumer to drain
func (a *Admissions) Stop() {
	a.stopOnce.Do(func() {
		if a.cancelSub != nil {
			a.cancelSub()
		}
	})
	a.wg.Wait()
}

// ValidateDepositRequest checks deposit eligibility: the amount must
// equal the fixed collateral exactly, the account must hold no member
// record, and the ledger must show no credential balance. The last
// check guards against drift between the membership store and ledger
// truth.
func (a *Admissions) ValidateDepositRequest(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
) error {
	if account == "" {
		return &protocol.ValidationError{Reason: "empty account"}
	}
	if amount != a.params.CollateralAmount {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf(
				"deposit amount %d does not match required collateral %d",
				amount,
				a.params.CollateralAmount,
			),
		}
	}
	_, err := a.db.GetMember(account)
	if err == nil {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf("account %s is already a member", account),
		}
	}
	if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	balances, err := a.gw.QueryBalance(ctx, account)
	if err != nil {
		return err
	}
	if balances[protocol.TokenCredential] != 0 {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf(
				"account %s already holds a credential on the ledger",
				account,
			),
		}
	}
	return nil
}

// SubmitAdmission validates a deposit request and publishes its intent
// to the sequencer, returning the assigned sequence number. Submitting
// the same nonce again for the same logical request returns the
// original sequence number without re-executing anything.
func (a *Admissions) SubmitAdmission(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
	nonce string,
) (uint64, error) {
	if nonce == "" {
		nonce = uuid.NewString()
	}
	// Nonce dedup: a retried submission of the same logical request
	// must not execute twice
	existing, err := a.db.GetAdmissionRequest(nonce)
	if err == nil {
		return a.dedupExisting(existing, account, amount)
	}
	if !errors.Is(err, database.ErrNotFound) {
		return 0, err
	}
	if err := a.ValidateDepositRequest(ctx, account, amount); err != nil {
		return 0, err
	}
	req := &database.AdmissionRequest{
		Nonce:   nonce,
		Account: string(account),
		Amount:  amount,
	}
	if err := a.db.CreateAdmissionRequest(req); err != nil {
		if errors.Is(err, database.ErrDuplicateNonce) {
			// Lost the insert race with a concurrent submission of
			// the same nonce
			existing, getErr := a.db.GetAdmissionRequest(nonce)
			if getErr != nil {
				return 0, getErr
			}
			return a.dedupExisting(existing, account, amount)
		}
		return 0, err
	}
	payload, err := json.Marshal(Intent{
		Nonce:   nonce,
		Account: account,
		Amount:  amount,
	})
	if err != nil {
		return 0, err
	}
	seq, err := a.seq.Submit(ctx, Topic, payload)
	if err != nil {
		failErr := a.db.TransitionAdmission(
			nonce,
			protocol.AdmissionStatusFailed,
			fmt.Sprintf("sequencer submit: %v", err),
		)
		return 0, errors.Join(err, failErr)
	}
	if err := a.db.SetAdmissionSeq(nonce, seq); err != nil {
		return 0, err
	}
	a.metrics.submitted.Inc()
	a.logger.Info(
		"admission intent sequenced",
		"account", account,
		"nonce", nonce,
		"seq", seq,
		"component", "admission",
	)
	return seq, nil
}

// dedupExisting maps an existing row for a nonce onto the submission
// response: the same logical request gets the original sequence
// number, anything else is rejected
func (a *Admissions) dedupExisting(
	existing database.AdmissionRequest,
	account protocol.AccountID,
	amount uint64,
) (uint64, error) {
	if existing.Account == string(account) && existing.Amount == amount {
		return existing.Seq, nil
	}
	return 0, &protocol.ValidationError{
		Reason: fmt.Sprintf(
			"nonce %s already used by a different request",
			existing.Nonce,
		),
	}
}

// CancelAdmission cancels a request that has not yet been delivered by
// the sequencer. Once delivery has happened the request is no longer
// cancellable.
func (a *Admissions) CancelAdmission(nonce string) error {
	req, err := a.db.GetAdmissionRequest(nonce)
	if err != nil {
		return err
	}
	if req.AdmissionStatus() != protocol.AdmissionStatusSubmitted {
		return &protocol.ValidationError{
			Reason: fmt.Sprintf(
				"request %s is %s and can no longer be cancelled",
				nonce,
				req.Status,
			),
		}
	}
	err = a.db.TransitionAdmission(
		nonce,
		protocol.AdmissionStatusFailed,
		"cancelled before delivery",
	)
	if err != nil {
		return err
	}
	a.audit.Publish(
		audit.TypeAdmissionCancelled,
		protocol.AccountID(req.Account),
		map[string]any{"nonce": nonce},
	)
	return nil
}
