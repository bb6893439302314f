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
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subscriberQueueSize = 128

// MemoryLogConfig configures an in-process ordered log
type MemoryLogConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// DeliveryCount is how many times each message is delivered to each
	// subscriber. Values above one exercise the at-least-once contract
	// in tests. Zero means once.
	DeliveryCount int
}

// MemoryLog is an in-process Sequencer. A single mutex-protected counter
// per topic assigns the total order; deliveries are pushed to subscriber
// channels in assignment order.
type MemoryLog struct {
	config      MemoryLogConfig
	logger      *slog.Logger
	seqs        map[string]uint64
	subscribers map[string][]*memorySubscriber
	metrics     struct {
		submitted prometheus.Counter
	}
	stopCh   chan struct{}
	stopOnce sync.Once
	sync.Mutex
}

// memorySubscriber pairs a delivery channel with a done signal. The
// done channel is closed outside the log mutex, so cancellation can
// unblock a Submit waiting on a full delivery channel.
type memorySubscriber struct {
	ch       chan Delivery
	done     chan struct{}
	doneOnce sync.Once
}

func (m *memorySubscriber) signalDone() {
	m.doneOnce.Do(func() {
		close(m.done)
	})
}

func NewMemoryLog(config MemoryLogConfig) *MemoryLog {
	s := &MemoryLog{
		config:      config,
		seqs:        make(map[string]uint64),
		subscribers: make(map[string][]*memorySubscriber),
		stopCh:      make(chan struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	s.metrics.submitted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "gild_sequencer_submitted_total",
		Help: "total messages submitted to the sequencer",
	})
	return s
}

func (s *MemoryLog) Submit(
	ctx context.Context,
	topic string,
	payload []byte,
) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.Lock()
	defer s.Unlock()
	select {
	case <-s.stopCh:
		return 0, errors.New("sequencer stopped")
	default:
	}
	s.seqs[topic]++
	seq := s.seqs[topic]
	delivery := Delivery{
		Seq:       seq,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	deliveries := max(s.config.DeliveryCount, 1)
	for _, sub := range s.subscribers[topic] {
		for range deliveries {
			// A cancelled or stopping subscriber stops accepting
			// deliveries rather than blocking the log
			select {
			case sub.ch <- delivery:
			case <-sub.done:
			case <-s.stopCh:
			}
		}
	}
	s.metrics.submitted.Inc()
	s.logger.Debug(
		"message sequenced",
		"topic", topic,
		"seq", seq,
		"component", "sequencer",
	)
	return seq, nil
}

func (s *MemoryLog) Subscribe(topic string) (<-chan Delivery, func()) {
	s.Lock()
	defer s.Unlock()
	sub := &memorySubscriber{
		ch:   make(chan Delivery, subscriberQueueSize),
		done: make(chan struct{}),
	}
	s.subscribers[topic] = append(s.subscribers[topic], sub)
	cancel := func() {
		// Signal before taking the lock: an in-flight Submit may be
		// holding it while blocked on our full channel
		sub.signalDone()
		s.Lock()
		defer s.Unlock()
		subs := s.subscribers[topic]
		for i, entry := range subs {
			if entry == sub {
				s.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, cancel
}

// Stop rejects further submissions and closes all subscriber channels
func (s *MemoryLog) Stop() {
	stopping := false
	s.stopOnce.Do(func() {
		close(s.stopCh)
		stopping = true
	})
	if !stopping {
		return
	}
	s.Lock()
	defer s.Unlock()
	for _, subs := range s.subscribers {
		for _, sub := range subs {
			sub.signalDone()
			close(sub.ch)
		}
	}
	s.subscribers = make(map[string][]*memorySubscriber)
}
