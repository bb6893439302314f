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

	"github.com/gildlabs/gild/protocol"
)

// CoSignature is an opaque authorization from a token holder for a
// transfer out of their account. Empty means no co-signature.
type CoSignature string

// CoSignerFunc produces a member co-signature for transfers out of the
// member's account. Deployments back this with wallet integration; dev
// mode and tests use a trivial implementation.
type CoSignerFunc func(account protocol.AccountID) CoSignature

// Gateway exposes the per-operation ledger primitives. Each mutation is
// an independently-finalized transaction: the returned transaction id
// only proves submission, and callers must await the finality receipt
// before treating the operation as applied. The substrate provides no
// atomicity across operations.
//
// Every mutation takes an idempotency key. Retries of the same logical
// operation must reuse the key so substrates with dedup support do not
// apply it twice.
type Gateway interface {
	// Mint creates amount units of token in the issuer's holdings
	Mint(
		ctx context.Context,
		idemKey string,
		token protocol.Token,
		amount uint64,
	) (protocol.TxID, error)
	// Burn destroys amount units of token from the issuer's holdings
	Burn(
		ctx context.Context,
		idemKey string,
		token protocol.Token,
		amount uint64,
	) (protocol.TxID, error)
	// Transfer moves amount units of token between accounts. Transfers
	// out of a non-issuer account require a co-signature from the owner.
	Transfer(
		ctx context.Context,
		idemKey string,
		token protocol.Token,
		from protocol.AccountID,
		to protocol.AccountID,
		amount uint64,
		coSig CoSignature,
	) (protocol.TxID, error)
	// Freeze makes token non-transferable out of account
	Freeze(
		ctx context.Context,
		idemKey string,
		token protocol.Token,
		account protocol.AccountID,
	) (protocol.TxID, error)
	// Unfreeze reverses a prior Freeze for token on account
	Unfreeze(
		ctx context.Context,
		idemKey string,
		token protocol.Token,
		account protocol.AccountID,
	) (protocol.TxID, error)
	// QueryBalance returns all non-zero token balances for account
	QueryBalance(
		ctx context.Context,
		account protocol.AccountID,
	) (map[protocol.Token]uint64, error)
	// AwaitReceipt blocks until the finality receipt for txId is
	// available or the context is done
	AwaitReceipt(
		ctx context.Context,
		txId protocol.TxID,
	) (protocol.Receipt, error)
}
