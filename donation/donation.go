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

package donation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type DeskConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DB           *database.Database
	Issuer       *issuer.Authority
	Audit        *audit.Emitter
	Params       protocol.EconomyParams
}

// Desk accepts donations from members and grants the recognition token
// the first time a single donation meets the threshold. Recognition is
// sticky: once granted it is never revoked and never granted again.
type Desk struct {
	config  DeskConfig
	logger  *slog.Logger
	db      *database.Database
	issuer  *issuer.Authority
	audit   *audit.Emitter
	params  protocol.EconomyParams
	metrics struct {
		donations    prometheus.Counter
		donatedTotal prometheus.Counter
		recognitions prometheus.Counter
	}
}

func NewDesk(config DeskConfig) *Desk {
	d := &Desk{
		config: config,
		db:     config.DB,
		issuer: config.Issuer,
		audit:  config.Audit,
		params: config.Params,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		d.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	d.metrics.donations = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_donations_total",
		Help: "donations recorded",
	})
	d.metrics.donatedTotal = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_donated_amount_total",
		Help: "total donated amount across all members",
	})
	d.metrics.recognitions = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_recognitions_granted_total",
		Help: "recognition tokens granted",
	})
	return d
}

// Donate records a donation from a member. The amount is always added
// to the member's donated total, and a single donation at or above the
// threshold grants the recognition token. The recorded amount survives
// even when recognition delivery fails, so a retry only has to redo the
// token leg.
func (d *Desk) Donate(
	ctx context.Context,
	account protocol.AccountID,
	amount uint64,
) error {
	if amount == 0 {
		return &protocol.ValidationError{
			Reason: "donation amount must be positive",
		}
	}
	member, err := d.db.GetMember(account)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &protocol.ValidationError{
				Reason: "account is not a member",
			}
		}
		return err
	}
	if err := d.recordDonation(account, amount); err != nil {
		return err
	}
	d.metrics.donations.Inc()
	d.metrics.donatedTotal.Add(float64(amount))
	d.logger.Info(
		"donation recorded",
		"account", account,
		"amount", amount,
		"component", "donation",
	)
	d.audit.Publish(audit.TypeDonationRecorded, account, map[string]any{
		"amount": amount,
	})
	if amount < d.params.MinDonationThreshold || member.Recognition {
		return nil
	}
	if err := d.grantRecognition(ctx, account); err != nil {
		return fmt.Errorf("granting recognition: %w", err)
	}
	return nil
}

// recordDonation folds the amount into the member row, retrying on
// concurrent updates
func (d *Desk) recordDonation(
	account protocol.AccountID,
	amount uint64,
) error {
	for {
		member, err := d.db.GetMember(account)
		if err != nil {
			return err
		}
		member.DonatedTotal += amount
		err = d.db.UpdateMember(&member)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrStaleVersion) {
			return err
		}
	}
}

func (d *Desk) grantRecognition(
	ctx context.Context,
	account protocol.AccountID,
) error {
	grantId := uuid.NewString()
	receipt, err := d.issuer.Mint(
		ctx,
		fmt.Sprintf("recognize/%s/mint", grantId),
		protocol.TokenRecognition,
		1,
	)
	if err := confirm(receipt, err); err != nil {
		return fmt.Errorf("minting recognition token: %w", err)
	}
	receipt, err = d.issuer.Transfer(
		ctx,
		fmt.Sprintf("recognize/%s/deliver", grantId),
		protocol.TokenRecognition,
		account,
		1,
	)
	if err := confirm(receipt, err); err != nil {
		return fmt.Errorf("delivering recognition token: %w", err)
	}
	receipt, err = d.issuer.Freeze(
		ctx,
		fmt.Sprintf("recognize/%s/freeze", grantId),
		protocol.TokenRecognition,
		account,
	)
	if err := confirm(receipt, err); err != nil {
		return fmt.Errorf("freezing recognition token: %w", err)
	}
	for {
		member, err := d.db.GetMember(account)
		if err != nil {
			return err
		}
		if member.Recognition {
			return nil
		}
		member.Recognition = true
		err = d.db.UpdateMember(&member)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrStaleVersion) {
			return err
		}
	}
	d.metrics.recognitions.Inc()
	d.logger.Info(
		"recognition granted",
		"account", account,
		"component", "donation",
	)
	d.audit.Publish(audit.TypeRecognitionGranted, account, nil)
	return nil
}

func confirm(receipt protocol.Receipt, err error) error {
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
