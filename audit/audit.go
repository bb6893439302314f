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

package audit

import (
	"io"
	"log/slog"
	"time"

	"github.com/gildlabs/gild/event"
	"github.com/gildlabs/gild/protocol"
)

// RecordEventType is the event bus type under which all audit records
// are published
const RecordEventType event.EventType = "audit.record"

// Audit record types
const (
	TypeAdmissionCompleted  = "admission.completed"
	TypeAdmissionFailed     = "admission.failed"
	TypeAdmissionCancelled  = "admission.cancelled"
	TypeClaimApplied        = "claim.applied"
	TypeCapReached          = "claim.cap_reached"
	TypeRedemptionCompleted = "redemption.completed"
	TypeRedemptionHalted    = "redemption.halted"
	TypeDonationRecorded    = "donation.recorded"
	TypeRecognitionGranted  = "donation.recognition_granted"
)

// Record is one structured audit event. Records are advisory and
// non-authoritative; losing one never affects protocol state.
type Record struct {
	At      time.Time
	Fields  map[string]any
	Type    string
	Account protocol.AccountID
}

// EmitterConfig configures the audit emitter
type EmitterConfig struct {
	Logger   *slog.Logger
	EventBus *event.EventBus
}

// Emitter publishes audit records to the event bus and mirrors them to
// the structured log. Delivery is fire-and-forget.
type Emitter struct {
	config   EmitterConfig
	logger   *slog.Logger
	eventBus *event.EventBus
}

func NewEmitter(config EmitterConfig) *Emitter {
	e := &Emitter{
		config:   config,
		eventBus: config.EventBus,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = config.Logger
	}
	return e
}

// Publish emits an audit record. It never blocks and never returns an
// error: audit is best-effort by contract.
func (e *Emitter) Publish(
	recordType string,
	account protocol.AccountID,
	fields map[string]any,
) {
	record := Record{
		Type:    recordType,
		Account: account,
		At:      time.Now(),
		Fields:  fields,
	}
	if e.eventBus != nil {
		e.eventBus.PublishAsync(
			RecordEventType,
			event.NewEvent(RecordEventType, record),
		)
	}
	attrs := []any{
		"audit_type", recordType,
		"account", account,
		"component", "audit",
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	e.logger.Info("audit record", attrs...)
}
