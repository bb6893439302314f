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
	"testing"
	"time"

	"github.com/gildlabs/gild/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversRecord(t *testing.T) {
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	emitter := NewEmitter(EmitterConfig{EventBus: bus})
	_, evtCh := bus.Subscribe(RecordEventType)

	emitter.Publish(TypeClaimApplied, "alice", map[string]any{
		"amount": uint64(30),
	})

	select {
	case evt := <-evtCh:
		record, ok := evt.Data.(Record)
		require.True(t, ok)
		assert.Equal(t, TypeClaimApplied, record.Type)
		assert.Equal(t, "alice", string(record.Account))
		assert.Equal(t, uint64(30), record.Fields["amount"])
		assert.False(t, record.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for audit record")
	}
}

func TestPublishWithoutEventBus(t *testing.T) {
	emitter := NewEmitter(EmitterConfig{})
	// Fire-and-forget with no bus attached must not panic
	emitter.Publish(TypeDonationRecorded, "alice", nil)
}
