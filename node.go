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

package gild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gildlabs/gild/accrual"
	"github.com/gildlabs/gild/admission"
	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/donation"
	"github.com/gildlabs/gild/event"
	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/gildlabs/gild/redemption"
	"github.com/gildlabs/gild/sequencer"
)

type Node struct {
	eventBus      *event.EventBus
	db            *database.Database
	gateway       gateway.Gateway
	sequencer     sequencer.Sequencer
	ownSequencer  *sequencer.MemoryLog
	issuer        *issuer.Authority
	audit         *audit.Emitter
	admissions    *admission.Admissions
	accrual       *accrual.Engine
	redeemer      *redemption.Redeemer
	donations     *donation.Desk
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	eventBus := event.NewEventBus(cfg.promRegistry, cfg.logger)
	n := &Node{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

func (n *Node) Run() error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	// Load database
	db, err := database.New(&database.Config{
		DataDir: n.config.dataDir,
		Logger:  n.config.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Configure token gateway
	gw := n.config.gateway
	if gw == nil {
		gw = gateway.NewMemoryLedger(gateway.MemoryLedgerConfig{
			Logger:        n.config.logger,
			IssuerAccount: n.config.issuerAccount,
		})
	}
	n.gateway = gateway.NewRetrying(gw, n.config.retryConfig)
	// Configure sequencer
	n.sequencer = n.config.sequencer
	if n.sequencer == nil {
		memLog := sequencer.NewMemoryLog(sequencer.MemoryLogConfig{
			Logger:       n.config.logger,
			PromRegistry: n.config.promRegistry,
		})
		n.sequencer = memLog
		n.ownSequencer = memLog
	}
	// Start issuer authority
	n.issuer = issuer.NewAuthority(issuer.AuthorityConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Gateway:      n.gateway,
		Account:      n.config.issuerAccount,
	})
	n.audit = audit.NewEmitter(audit.EmitterConfig{
		Logger:   n.config.logger,
		EventBus: n.eventBus,
	})
	// Initialize redemption saga runner
	n.redeemer = redemption.NewRedeemer(redemption.RedeemerConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		DB:           n.db,
		Gateway:      n.gateway,
		Issuer:       n.issuer,
		Audit:        n.audit,
		CoSigner:     n.config.coSigner,
		Params:       n.config.economyParams,
	})
	// Initialize accrual engine
	n.accrual = accrual.NewEngine(accrual.EngineConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		DB:           n.db,
		Issuer:       n.issuer,
		Redeemer:     n.redeemer,
		Audit:        n.audit,
		Params:       n.config.economyParams,
	})
	// Initialize admission saga
	n.admissions = admission.NewAdmissions(admission.AdmissionsConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		DB:           n.db,
		Gateway:      n.gateway,
		Issuer:       n.issuer,
		Sequencer:    n.sequencer,
		Audit:        n.audit,
		CoSigner:     n.config.coSigner,
		Params:       n.config.economyParams,
	})
	n.donations = donation.NewDesk(donation.DeskConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		DB:           n.db,
		Issuer:       n.issuer,
		Audit:        n.audit,
		Params:       n.config.economyParams,
	})
	// Resume any redemption saga interrupted by a previous shutdown
	if err := n.redeemer.ResumePending(context.Background()); err != nil {
		n.config.logger.Warn(
			"failed to resume pending redemptions",
			"error", err,
			"component", "node",
		)
	}
	n.admissions.Start()
	if !n.config.accrualDisabled {
		n.accrual.Start()
	}
	n.config.logger.Info(
		"node started",
		"issuer", n.config.issuerAccount,
		"mode", n.config.runMode,
		"component", "node",
	)

	// Wait for shutdown signal
	<-n.done
	return nil
}

// Admissions returns the deposit saga entry point
func (n *Node) Admissions() *admission.Admissions {
	return n.admissions
}

// Accrual returns the reward accrual engine
func (n *Node) Accrual() *accrual.Engine {
	return n.accrual
}

// Redeemer returns the redemption saga runner
func (n *Node) Redeemer() *redemption.Redeemer {
	return n.redeemer
}

// Donations returns the donation desk
func (n *Node) Donations() *donation.Desk {
	return n.donations
}

// Database returns the membership store
func (n *Node) Database() *database.Database {
	return n.db
}

// IssuerAccount returns the configured issuer ledger account
func (n *Node) IssuerAccount() protocol.AccountID {
	return n.config.issuerAccount
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.accrual != nil {
		n.accrual.Stop()
	}

	if n.admissions != nil {
		n.admissions.Stop()
	}

	// Phase 2: Drain in-flight ledger operations
	n.config.logger.Debug("shutdown phase 2: draining ledger operations")

	if n.ownSequencer != nil {
		n.ownSequencer.Stop()
	}

	if n.issuer != nil {
		n.issuer.Stop()
	}

	// Phase 3: Flush state and close database
	n.config.logger.Debug("shutdown phase 3: flushing state")

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	n.config.logger.Debug("shutdown phase 4: cleanup resources")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
