// Copyright 2024 The apexhub Authors
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

// Package delivery implements the bounded-retry send path shared by every
// component that pushes frames toward a connection. A failed write is retried
// with a linearly growing pause; once the attempt budget is spent the failure
// is counted and reported to the caller as a *DeliveryError, never allowed to
// escalate beyond the affected connection.
package delivery

import (
	"fmt"
	"log"
	"time"

	"github.com/apexsec/apexhub/pkg/metrics"
	"github.com/apexsec/apexhub/pkg/protocol"
	"github.com/apexsec/apexhub/pkg/registry"
)

// DeliveryError reports that a frame could not be written to a connection
// after exhausting the retry budget. It wraps the last transport error.
type DeliveryError struct {
	ConnectionID string
	MessageType  string
	Attempts     int
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts (type: %s): %v",
		e.ConnectionID, e.Attempts, e.MessageType, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Sender pushes envelopes to connection records with bounded retry. A single
// Sender is shared by the dispatcher, the broadcast paths and the stream
// coordinator; it is safe for concurrent use because all mutable state lives
// in the records it writes to.
type Sender struct {
	maxAttempts int
	baseDelay   time.Duration
	stats       *metrics.SystemStats
}

// NewSender returns a Sender that tries each frame up to maxAttempts times,
// pausing attempt*baseDelay between consecutive tries. stats may be nil in
// tests that do not care about counters.
func NewSender(maxAttempts int, baseDelay time.Duration, stats *metrics.SystemStats) *Sender {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Sender{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		stats:       stats,
	}
}

// Send writes env to rec's link, retrying transient write failures. On
// success the global sent counter is bumped; on exhaustion the failure is
// counted and a *DeliveryError wrapping the last write error is returned.
func (s *Sender) Send(rec *registry.Record, env *protocol.Envelope) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := rec.Link().WriteEnvelope(env)
		if err == nil {
			if s.stats != nil {
				s.stats.MessageSent()
			}
			return nil
		}

		lastErr = err
		log.Printf("[WARN] Send attempt %d/%d to %s failed (type: %s): %v",
			attempt, s.maxAttempts, rec.ID, env.Type, err)

		if attempt < s.maxAttempts {
			time.Sleep(time.Duration(attempt) * s.baseDelay)
		}
	}

	rec.IncErrors()
	if s.stats != nil {
		s.stats.DeliveryFailed()
	}
	log.Printf("[ERROR] Giving up on delivery to %s after %d attempts (type: %s): %v",
		rec.ID, s.maxAttempts, env.Type, lastErr)

	return &DeliveryError{
		ConnectionID: rec.ID,
		MessageType:  env.Type,
		Attempts:     s.maxAttempts,
		Err:          lastErr,
	}
}

// SendMessage marshals payload into a fresh envelope of msgType and delivers
// it via Send. Marshaling failures are returned without touching the wire.
func (s *Sender) SendMessage(rec *registry.Record, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}
	return s.Send(rec, env)
}
