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

package issuer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const requestQueueSize = 64

var ErrStopped = errors.New("issuer authority stopped")

// AuthorityConfig configures the issuer authority actor
type AuthorityConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Gateway      gateway.Gateway
	Account      protocol.AccountID
}

type request struct {
	fn    func(context.Context) (protocol.Receipt, error)
	ctx   context.Context
	reply chan result
}

type result struct {
	receipt protocol.Receipt
	err     error
}

// Authority serializes every issuer-side ledger operation through a
// single queue goroutine. Member-scoped sagas run concurrently, but the
// shared issuer account signs all mints, burns, payouts and freezes, so
// funneling them through one actor avoids signing and sequencing
// conflicts on that account.
//
// Each operation submits to the gateway and awaits the finality receipt
// before the next queued operation starts.
type Authority struct {
	config  AuthorityConfig
	logger  *slog.Logger
	gw      gateway.Gateway
	queue   chan request
	stopCh  chan struct{}
	wg      sync.WaitGroup
	metrics struct {
		opsTotal *prometheus.CounterVec
		queueLen prometheus.Gauge
	}
	stopOnce sync.Once
}

func NewAuthority(config AuthorityConfig) *Authority {
	a := &Authority{
		config: config,
		gw:     config.Gateway,
		queue:  make(chan request, requestQueueSize),
		stopCh: make(chan struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		a.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	a.metrics.opsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gild_issuer_operations_total",
			Help: "issuer-side ledger operations by type and status",
		},
		[]string{"op", "status"},
	)
	a.metrics.queueLen = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "gild_issuer_queue_depth",
		Help: "pending operations in the issuer queue",
	})
	a.wg.Add(1)
	go a.run()
	return a
}

// Account returns the issuer's ledger account
func (a *Authority) Account() protocol.AccountID {
	return a.config.Account
}

func (a *Authority) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			// Drain queued requests with a shutdown error
			for {
				select {
				case req := <-a.queue:
					req.reply <- result{err: ErrStopped}
				default:
					return
				}
			}
		case req := <-a.queue:
			a.metrics.queueLen.Set(float64(len(a.queue)))
			receipt, err := req.fn(req.ctx)
			req.reply <- result{receipt: receipt, err: err}
		}
	}
}

// Stop shuts down the actor. Queued operations fail with ErrStopped.
func (a *Authority) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

func (a *Authority) do(
	ctx context.Context,
	op string,
	fn func(context.Context) (protocol.Receipt, error),
) (protocol.Receipt, error) {
	req := request{
		fn:    fn,
		ctx:   ctx,
		reply: make(chan result, 1),
	}
	select {
	case <-a.stopCh:
		return protocol.Receipt{}, ErrStopped
	case <-ctx.Done():
		return protocol.Receipt{}, ctx.Err()
	case a.queue <- req:
	}
	select {
	case res := <-req.reply:
		status := "ok"
		if res.err != nil || !res.receipt.Confirmed() {
			status = "failed"
		}
		a.metrics.opsTotal.WithLabelValues(op, status).Inc()
		return res.receipt, res.err
	case <-a.stopCh:
		// The actor may have drained and exited between the enqueue and
		// this wait; fail rather than hang on a reply that never comes
		return protocol.Receipt{}, ErrStopped
	case <-ctx.Done():
		return protocol.Receipt{}, ctx.Err()
	}
}

// submitAndConfirm runs a gateway mutation and awaits its receipt
func (a *Authority) submitAndConfirm(
	ctx context.Context,
	submit func() (protocol.TxID, error),
) (protocol.Receipt, error) {
	txId, err := submit()
	if err != nil {
		return protocol.Receipt{}, err
	}
	return a.gw.AwaitReceipt(ctx, txId)
}

// Mint creates tokens in the issuer's holdings and awaits finality
func (a *Authority) Mint(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.Receipt, error) {
	return a.do(ctx, gateway.OpMint,
		func(ctx context.Context) (protocol.Receipt, error) {
			return a.submitAndConfirm(ctx, func() (protocol.TxID, error) {
				return a.gw.Mint(ctx, idemKey, token, amount)
			})
		})
}

// Burn destroys tokens from the issuer's holdings and awaits finality
func (a *Authority) Burn(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.Receipt, error) {
	return a.do(ctx, gateway.OpBurn,
		func(ctx context.Context) (protocol.Receipt, error) {
			return a.submitAndConfirm(ctx, func() (protocol.TxID, error) {
				return a.gw.Burn(ctx, idemKey, token, amount)
			})
		})
}

// Transfer moves tokens from the issuer to another account and awaits
// finality
func (a *Authority) Transfer(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	to protocol.AccountID,
	amount uint64,
) (protocol.Receipt, error) {
	return a.do(ctx, gateway.OpTransfer,
		func(ctx context.Context) (protocol.Receipt, error) {
			return a.submitAndConfirm(ctx, func() (protocol.TxID, error) {
				return a.gw.Transfer(
					ctx,
					idemKey,
					token,
					a.config.Account,
					to,
					amount,
					"",
				)
			})
		})
}

// Freeze makes token non-transferable for account and awaits finality
func (a *Authority) Freeze(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.Receipt, error) {
	return a.do(ctx, gateway.OpFreeze,
		func(ctx context.Context) (protocol.Receipt, error) {
			return a.submitAndConfirm(ctx, func() (protocol.TxID, error) {
				return a.gw.Freeze(ctx, idemKey, token, account)
			})
		})
}

// Unfreeze reverses a Freeze for account and awaits finality
func (a *Authority) Unfreeze(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.Receipt, error) {
	return a.do(ctx, gateway.OpUnfreeze,
		func(ctx context.Context) (protocol.Receipt, error) {
			return a.submitAndConfirm(ctx, func() (protocol.TxID, error) {
				return a.gw.Unfreeze(ctx, idemKey, token, account)
			})
		})
}
