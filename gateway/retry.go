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

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gildlabs/gild/protocol"
)

const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// RetryConfig configures the retrying gateway wrapper
type RetryConfig struct {
	Logger *slog.Logger
	// MaxRetries bounds retry attempts per operation (0 = default)
	MaxRetries uint64
	// InitialInterval is the first backoff delay (0 = default)
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay (0 = default)
	MaxInterval time.Duration
}

// retryGateway wraps a Gateway and retries transient failures with
// bounded exponential backoff. Because every mutation carries an
// idempotency key, a retried submission reuses the same transaction
// identity and cannot double-apply on substrates with dedup support.
// Validation and finality failures are never retried.
type retryGateway struct {
	inner  Gateway
	logger *slog.Logger
	config RetryConfig
}

// NewRetrying returns a Gateway that retries transient errors from inner
func NewRetrying(inner Gateway, config RetryConfig) Gateway {
	g := &retryGateway{
		inner:  inner,
		config: config,
	}
	if config.Logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		g.logger = config.Logger
	}
	if g.config.MaxRetries == 0 {
		g.config.MaxRetries = DefaultMaxRetries
	}
	if g.config.InitialInterval == 0 {
		g.config.InitialInterval = DefaultInitialInterval
	}
	if g.config.MaxInterval == 0 {
		g.config.MaxInterval = DefaultMaxInterval
	}
	return g
}

func (g *retryGateway) retry(
	ctx context.Context,
	op string,
	fn func() (protocol.TxID, error),
) (protocol.TxID, error) {
	var txId protocol.TxID
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = g.config.InitialInterval
	expBackoff.MaxInterval = g.config.MaxInterval
	operation := func() error {
		var err error
		txId, err = fn()
		if err == nil {
			return nil
		}
		var transientErr *protocol.TransientLedgerError
		if errors.As(err, &transientErr) {
			g.logger.Warn(
				"transient ledger failure, will retry",
				"op", op,
				"error", err,
				"component", "gateway",
			)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(
		operation,
		backoff.WithContext(
			backoff.WithMaxRetries(expBackoff, g.config.MaxRetries),
			ctx,
		),
	)
	return txId, err
}

func (g *retryGateway) Mint(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.TxID, error) {
	return g.retry(ctx, OpMint, func() (protocol.TxID, error) {
		return g.inner.Mint(ctx, idemKey, token, amount)
	})
}

func (g *retryGateway) Burn(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.TxID, error) {
	return g.retry(ctx, OpBurn, func() (protocol.TxID, error) {
		return g.inner.Burn(ctx, idemKey, token, amount)
	})
}

func (g *retryGateway) Transfer(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	from protocol.AccountID,
	to protocol.AccountID,
	amount uint64,
	coSig CoSignature,
) (protocol.TxID, error) {
	return g.retry(ctx, OpTransfer, func() (protocol.TxID, error) {
		return g.inner.Transfer(ctx, idemKey, token, from, to, amount, coSig)
	})
}

func (g *retryGateway) Freeze(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.TxID, error) {
	return g.retry(ctx, OpFreeze, func() (protocol.TxID, error) {
		return g.inner.Freeze(ctx, idemKey, token, account)
	})
}

func (g *retryGateway) Unfreeze(
	ctx context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.TxID, error) {
	return g.retry(ctx, OpUnfreeze, func() (protocol.TxID, error) {
		return g.inner.Unfreeze(ctx, idemKey, token, account)
	})
}

func (g *retryGateway) QueryBalance(
	ctx context.Context,
	account protocol.AccountID,
) (map[protocol.Token]uint64, error) {
	var balances map[protocol.Token]uint64
	_, err := g.retry(ctx, "query_balance", func() (protocol.TxID, error) {
		var queryErr error
		balances, queryErr = g.inner.QueryBalance(ctx, account)
		return "", queryErr
	})
	return balances, err
}

func (g *retryGateway) AwaitReceipt(
	ctx context.Context,
	txId protocol.TxID,
) (protocol.Receipt, error) {
	return g.inner.AwaitReceipt(ctx, txId)
}
