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

package metrics

import (
	"sync/atomic"
	"time"
)

// SystemStats is the process-wide counter set backing the diagnostics API.
// All fields are atomics, so the hot paths update them without a lock and
// Snapshot reads a consistent-enough view for operators. Each update also
// feeds the matching Prometheus collector, keeping the two views aligned
// from a single call site.
type SystemStats struct {
	startedAt time.Time

	connectionsTotal    atomic.Int64
	connectionsCurrent  atomic.Int64
	messagesReceived    atomic.Int64
	messagesSent        atomic.Int64
	detectionsForwarded atomic.Int64
	alertsRaised        atomic.Int64
	streamRequests      atomic.Int64
	deliveryFailures    atomic.Int64
	evictions           atomic.Int64
	errors              atomic.Int64
}

// NewSystemStats creates a zeroed stats set stamped with the current time.
func NewSystemStats() *SystemStats {
	return &SystemStats{startedAt: time.Now()}
}

// ConnectionOpened counts a newly admitted connection.
func (s *SystemStats) ConnectionOpened() {
	s.connectionsTotal.Add(1)
	s.connectionsCurrent.Add(1)
	ConnectionsTotal.Inc()
	ConnectionsCurrent.Inc()
}

// ConnectionClosed counts a removed connection.
func (s *SystemStats) ConnectionClosed() {
	s.connectionsCurrent.Add(-1)
	ConnectionsCurrent.Dec()
}

// MessageReceived counts one processed inbound message of the given wire
// type.
func (s *SystemStats) MessageReceived(msgType string) {
	s.messagesReceived.Add(1)
	MessagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// MessageSent counts one successful outbound delivery.
func (s *SystemStats) MessageSent() {
	s.messagesSent.Add(1)
	MessagesSentTotal.Inc()
}

// DeliveryFailed counts one delivery abandoned after retry exhaustion.
func (s *SystemStats) DeliveryFailed() {
	s.deliveryFailures.Add(1)
	DeliveryFailuresTotal.Inc()
}

// DetectionForwarded counts one detection payload fanned out to a topic.
func (s *SystemStats) DetectionForwarded() {
	s.detectionsForwarded.Add(1)
	DetectionsForwardedTotal.Inc()
}

// AlertRaised counts one security alert of the given severity.
func (s *SystemStats) AlertRaised(severity string) {
	s.alertsRaised.Add(1)
	AlertsTotal.WithLabelValues(severity).Inc()
}

// StreamRequestResolved counts one stream request reaching the given
// terminal outcome.
func (s *SystemStats) StreamRequestResolved(operation, outcome string) {
	s.streamRequests.Add(1)
	StreamRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// Evicted counts one stale connection removed by the liveness sweep.
func (s *SystemStats) Evicted() {
	s.evictions.Add(1)
	EvictionsTotal.Inc()
}

// Error counts one protocol, authorization or internal error.
func (s *SystemStats) Error() {
	s.errors.Add(1)
	ErrorsTotal.Inc()
}

// SetEngineBound flips the engine availability gauge.
func (s *SystemStats) SetEngineBound(bound bool) {
	if bound {
		EngineBound.Set(1)
	} else {
		EngineBound.Set(0)
	}
}

// Snapshot is the JSON view of the counters served by the diagnostics API.
type Snapshot struct {
	StartedAt           time.Time `json:"started_at"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
	ConnectionsTotal    int64     `json:"connections_total"`
	ConnectionsCurrent  int64     `json:"connections_current"`
	MessagesReceived    int64     `json:"messages_received"`
	MessagesSent        int64     `json:"messages_sent"`
	DetectionsForwarded int64     `json:"detections_forwarded"`
	AlertsRaised        int64     `json:"alerts_raised"`
	StreamRequests      int64     `json:"stream_requests"`
	DeliveryFailures    int64     `json:"delivery_failures"`
	Evictions           int64     `json:"evictions"`
	Errors              int64     `json:"errors"`
}

// Snapshot reads the counters without locking.
func (s *SystemStats) Snapshot() Snapshot {
	return Snapshot{
		StartedAt:           s.startedAt,
		UptimeSeconds:       time.Since(s.startedAt).Seconds(),
		ConnectionsTotal:    s.connectionsTotal.Load(),
		ConnectionsCurrent:  s.connectionsCurrent.Load(),
		MessagesReceived:    s.messagesReceived.Load(),
		MessagesSent:        s.messagesSent.Load(),
		DetectionsForwarded: s.detectionsForwarded.Load(),
		AlertsRaised:        s.alertsRaised.Load(),
		StreamRequests:      s.streamRequests.Load(),
		DeliveryFailures:    s.deliveryFailures.Load(),
		Evictions:           s.evictions.Load(),
		Errors:              s.errors.Load(),
	}
}
