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
	"maps"
	"sync"
	"time"

	"github.com/gildlabs/gild/protocol"
	"github.com/google/uuid"
)

// Ledger operation names, used for logging and fault injection
const (
	OpMint     = "mint"
	OpBurn     = "burn"
	OpTransfer = "transfer"
	OpFreeze   = "freeze"
	OpUnfreeze = "unfreeze"
)

// MemoryLedgerConfig configures an in-process ledger
type MemoryLedgerConfig struct {
	Logger        *slog.Logger
	IssuerAccount protocol.AccountID
	// FinalityDelay is how long after submission a receipt becomes
	// available. Zero means receipts are available immediately.
	FinalityDelay time.Duration
}

type receiptEntry struct {
	receipt protocol.Receipt
	ready   chan struct{}
}

// MemoryLedger is an in-process Gateway implementation used in dev mode
// and tests. It mimics the substrate's semantics: every operation is an
// independent transaction with its own finality receipt, transfers out of
// frozen holdings fail at finality, and burns beyond the available
// balance silently under-burn while still reporting success.
type MemoryLedger struct {
	config     MemoryLedgerConfig
	logger     *slog.Logger
	balances   map[protocol.AccountID]map[protocol.Token]uint64
	frozen     map[protocol.AccountID]map[protocol.Token]bool
	receipts   map[protocol.TxID]*receiptEntry
	idemKeys   map[string]protocol.TxID
	failNext   map[string][]string
	transient  map[string]int
	sync.Mutex
}

func NewMemoryLedger(config MemoryLedgerConfig) *MemoryLedger {
	l := &MemoryLedger{
		config:    config,
		balances:  make(map[protocol.AccountID]map[protocol.Token]uint64),
		frozen:    make(map[protocol.AccountID]map[protocol.Token]bool),
		receipts:  make(map[protocol.TxID]*receiptEntry),
		idemKeys:  make(map[string]protocol.TxID),
		failNext:  make(map[string][]string),
		transient: make(map[string]int),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = config.Logger
	}
	return l
}

// IssuerAccount returns the privileged account holding mint/burn/freeze
// authority
func (l *MemoryLedger) IssuerAccount() protocol.AccountID {
	return l.config.IssuerAccount
}

// SetBalance seeds a balance directly, bypassing transaction semantics
func (l *MemoryLedger) SetBalance(
	account protocol.AccountID,
	token protocol.Token,
	amount uint64,
) {
	l.Lock()
	defer l.Unlock()
	l.credit(account, token, amount)
}

// FailNext queues a finality failure with the given reason for the next
// operation of the given type
func (l *MemoryLedger) FailNext(op string, reason string) {
	l.Lock()
	defer l.Unlock()
	l.failNext[op] = append(l.failNext[op], reason)
}

// TransientNext makes the next n operations of the given type fail at
// submission with a transient error
func (l *MemoryLedger) TransientNext(op string, n int) {
	l.Lock()
	defer l.Unlock()
	l.transient[op] += n
}

// Frozen reports whether token is currently frozen for account
func (l *MemoryLedger) Frozen(
	account protocol.AccountID,
	token protocol.Token,
) bool {
	l.Lock()
	defer l.Unlock()
	return l.frozen[account][token]
}

func (l *MemoryLedger) credit(
	account protocol.AccountID,
	token protocol.Token,
	amount uint64,
) {
	if _, ok := l.balances[account]; !ok {
		l.balances[account] = make(map[protocol.Token]uint64)
	}
	l.balances[account][token] += amount
}

// submit runs one ledger operation under the lock: fault injection,
// idempotency dedup, state mutation, and receipt creation
func (l *MemoryLedger) submit(
	op string,
	idemKey string,
	apply func() string,
) (protocol.TxID, error) {
	l.Lock()
	defer l.Unlock()
	if l.transient[op] > 0 {
		l.transient[op]--
		return "", &protocol.TransientLedgerError{
			Op:  op,
			Err: errors.New("simulated network timeout"),
		}
	}
	// Dedup by idempotency key so a retried submission is not applied twice
	if idemKey != "" {
		if txId, ok := l.idemKeys[idemKey]; ok {
			return txId, nil
		}
	}
	txId := protocol.TxID(uuid.NewString())
	var failReason string
	if queued := l.failNext[op]; len(queued) > 0 {
		failReason = queued[0]
		l.failNext[op] = queued[1:]
	} else {
		failReason = apply()
	}
	receipt := protocol.Receipt{
		TxID:   txId,
		Status: protocol.ReceiptStatusConfirmed,
	}
	if failReason != "" {
		receipt.Status = protocol.ReceiptStatusFailed
		receipt.Reason = failReason
	}
	entry := &receiptEntry{
		receipt: receipt,
		ready:   make(chan struct{}),
	}
	l.receipts[txId] = entry
	if l.config.FinalityDelay > 0 {
		time.AfterFunc(l.config.FinalityDelay, func() {
			close(entry.ready)
		})
	} else {
		close(entry.ready)
	}
	// A failed operation applied nothing, so its key stays available for
	// the retry
	if idemKey != "" && receipt.Status == protocol.ReceiptStatusConfirmed {
		l.idemKeys[idemKey] = txId
	}
	l.logger.Debug(
		"ledger operation submitted",
		"op", op,
		"tx_id", txId,
		"status", receipt.Status,
		"component", "gateway",
	)
	return txId, nil
}

func (l *MemoryLedger) Mint(
	_ context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.TxID, error) {
	return l.submit(OpMint, idemKey, func() string {
		l.credit(l.config.IssuerAccount, token, amount)
		return ""
	})
}

func (l *MemoryLedger) Burn(
	_ context.Context,
	idemKey string,
	token protocol.Token,
	amount uint64,
) (protocol.TxID, error) {
	return l.submit(OpBurn, idemKey, func() string {
		// The substrate burns up to the available balance and confirms
		// either way. A burn racing ahead of an unsettled transfer
		// silently under-burns, which is why callers must confirm the
		// funding transfer's receipt before burning.
		held := l.balances[l.config.IssuerAccount][token]
		l.balances[l.config.IssuerAccount][token] = held - min(held, amount)
		return ""
	})
}

func (l *MemoryLedger) Transfer(
	_ context.Context,
	idemKey string,
	token protocol.Token,
	from protocol.AccountID,
	to protocol.AccountID,
	amount uint64,
	coSig CoSignature,
) (protocol.TxID, error) {
	return l.submit(OpTransfer, idemKey, func() string {
		if from != l.config.IssuerAccount && coSig == "" {
			return "missing co-signature"
		}
		if l.frozen[from][token] {
			return "token frozen for account"
		}
		if l.balances[from][token] < amount {
			return "insufficient balance"
		}
		l.balances[from][token] -= amount
		l.credit(to, token, amount)
		return ""
	})
}

func (l *MemoryLedger) Freeze(
	_ context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.TxID, error) {
	return l.submit(OpFreeze, idemKey, func() string {
		if _, ok := l.frozen[account]; !ok {
			l.frozen[account] = make(map[protocol.Token]bool)
		}
		l.frozen[account][token] = true
		return ""
	})
}

func (l *MemoryLedger) Unfreeze(
	_ context.Context,
	idemKey string,
	token protocol.Token,
	account protocol.AccountID,
) (protocol.TxID, error) {
	return l.submit(OpUnfreeze, idemKey, func() string {
		// Unfreezing a token that is not frozen is a no-op
		if tokens, ok := l.frozen[account]; ok {
			delete(tokens, token)
		}
		return ""
	})
}

func (l *MemoryLedger) QueryBalance(
	_ context.Context,
	account protocol.AccountID,
) (map[protocol.Token]uint64, error) {
	l.Lock()
	defer l.Unlock()
	ret := make(map[protocol.Token]uint64)
	maps.Copy(ret, l.balances[account])
	return ret, nil
}

func (l *MemoryLedger) AwaitReceipt(
	ctx context.Context,
	txId protocol.TxID,
) (protocol.Receipt, error) {
	l.Lock()
	entry, ok := l.receipts[txId]
	l.Unlock()
	if !ok {
		return protocol.Receipt{}, errors.New("unknown transaction id")
	}
	select {
	case <-entry.ready:
		return entry.receipt, nil
	case <-ctx.Done():
		return protocol.Receipt{}, ctx.Err()
	}
}
