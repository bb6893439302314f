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

package protocol

import "fmt"

// ValidationError covers bad input or an ineligible account. It is
// returned synchronously to the caller and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// QuotaExceededError is returned when a claim would push the cumulative
// claimed total past the lifetime cap or exceeds the per-call bound
type QuotaExceededError struct {
	Account   AccountID
	Requested uint64
	Remaining uint64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"quota exceeded for account %s: requested=%d, remaining=%d",
		e.Account,
		e.Requested,
		e.Remaining,
	)
}

// TransientLedgerError wraps a timeout or network failure from the
// ledger gateway. These are safe to retry with backoff.
type TransientLedgerError struct {
	Op  string
	Err error
}

func (e *TransientLedgerError) Error() string {
	return fmt.Sprintf("transient ledger error in %s: %v", e.Op, e.Err)
}

func (e *TransientLedgerError) Unwrap() error {
	return e.Err
}

// FinalityError means the ledger confirmed that an operation failed.
// The owning saga halts at its current step for manual reconciliation.
type FinalityError struct {
	TxID   TxID
	Reason string
}

func (e *FinalityError) Error() string {
	return fmt.Sprintf(
		"ledger operation %s failed at finality: %s",
		e.TxID,
		e.Reason,
	)
}

// ConsistencyError means a post-step verification re-query did not match
// the expected ledger state. It is never silently bypassed.
type ConsistencyError struct {
	Account AccountID
	Detail  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"ledger state inconsistent for account %s: %s",
		e.Account,
		e.Detail,
	)
}
