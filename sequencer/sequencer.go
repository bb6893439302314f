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

package sequencer

import (
	"context"
	"time"
)

// Delivery is one message from the globally-ordered log
type Delivery struct {
	Timestamp time.Time
	Payload   []byte
	Seq       uint64
}

// Sequencer is the external ordered-log service used purely as an
// admission-control gate. Submit assigns the next position in a single
// global total order; Subscribe yields deliveries in that order with
// at-least-once semantics, so consumers must dedupe by sequence number.
type Sequencer interface {
	Submit(ctx context.Context, topic string, payload []byte) (uint64, error)
	// Subscribe returns an ordered delivery channel and a cancel
	// function that stops delivery and closes the channel
	Subscribe(topic string) (<-chan Delivery, func())
}
