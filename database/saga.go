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

package database

import (
	"encoding/json"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gildlabs/gild/protocol"
)

const sagaKeyPrefix = "saga/"

// RedemptionStepCount is the number of ordered steps in the redemption
// saga
const RedemptionStepCount = 7

// SagaStep records the ledger transactions executed for one saga step
// and whether the step's finality receipts all confirmed
type SagaStep struct {
	TxIds     []protocol.TxID `json:"tx_ids"`
	Confirmed bool            `json:"confirmed"`
}

// RedemptionSagaState is the durable state machine behind one member's
// redemption. The step cursor is the highest step whose ledger receipts
// have confirmed; it never advances speculatively. The journal entry
// outlives process restarts so a crash mid-saga resumes from the last
// confirmed step instead of silently restarting at step 1.
type RedemptionSagaState struct {
	Account string `json:"account"`
	Cycle   uint   `json:"cycle"`
	// Cursor is the last confirmed step (0 = none confirmed yet)
	Cursor int `json:"cursor"`
	// PreRewardBalance is the member's reward balance observed when the
	// saga was created, used by the post-state verification step
	PreRewardBalance uint64            `json:"pre_reward_balance"`
	Steps            map[int]*SagaStep `json:"steps"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func sagaKey(account protocol.AccountID) []byte {
	return []byte(sagaKeyPrefix + string(account))
}

// PutSagaState writes the journal entry for a saga
func (d *Database) PutSagaState(state *RedemptionSagaState) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return d.journal.Update(func(txn *badger.Txn) error {
		return txn.Set(sagaKey(protocol.AccountID(state.Account)), data)
	})
}

// GetSagaState reads the journal entry for an account's saga
func (d *Database) GetSagaState(
	account protocol.AccountID,
) (*RedemptionSagaState, error) {
	var state RedemptionSagaState
	err := d.journal.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sagaKey(account))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DeleteSagaState removes the journal entry once a saga has completed
// and its outcome is folded back into the member record
func (d *Database) DeleteSagaState(account protocol.AccountID) error {
	return d.journal.Update(func(txn *badger.Txn) error {
		return txn.Delete(sagaKey(account))
	})
}

// ListSagaStates returns all journaled sagas, completed or not. Used at
// startup to resume sagas interrupted by a crash.
func (d *Database) ListSagaStates() ([]*RedemptionSagaState, error) {
	var states []*RedemptionSagaState
	err := d.journal.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var state RedemptionSagaState
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			})
			if err != nil {
				return err
			}
			states = append(states, &state)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
