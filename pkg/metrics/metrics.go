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

// Package metrics exposes the hub's Prometheus collectors and the in-process
// SystemStats counters read by the diagnostics API.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts every connection ever admitted.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_connections_total",
		Help: "The total number of connections admitted by the hub.",
	})

	// ConnectionsCurrent tracks the number of live connections.
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apexhub_connections_current",
		Help: "The number of currently registered connections.",
	})

	// MessagesReceivedTotal counts inbound messages by wire type.
	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexhub_messages_received_total",
		Help: "The total number of inbound messages, labeled by message type.",
	},
		[]string{"type"},
	)

	// MessagesSentTotal counts outbound deliveries that succeeded.
	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_messages_sent_total",
		Help: "The total number of messages delivered to clients.",
	})

	// DeliveryFailuresTotal counts sends that exhausted their retries.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_delivery_failures_total",
		Help: "The total number of deliveries abandoned after retry exhaustion.",
	})

	// DetectionsForwardedTotal counts engine detection payloads fanned out
	// to camera topic subscribers.
	DetectionsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_detections_forwarded_total",
		Help: "The total number of detection results forwarded to subscribers.",
	})

	// AlertsTotal counts security alerts by severity.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexhub_alerts_total",
		Help: "The total number of security alerts raised, labeled by severity.",
	},
		[]string{"severity"},
	)

	// StreamRequestsTotal counts stream lifecycle requests by operation and
	// terminal outcome.
	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexhub_stream_requests_total",
		Help: "The total number of stream requests, labeled by operation and outcome.",
	},
		[]string{"operation", "outcome"},
	)

	// EvictionsTotal counts connections removed by the liveness sweep.
	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_evictions_total",
		Help: "The total number of stale connections evicted by the liveness monitor.",
	})

	// ErrorsTotal counts protocol, authorization and internal errors.
	ErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_errors_total",
		Help: "The total number of errors observed while serving connections.",
	})

	// EngineBound is 1 while an inference engine holds the binding.
	EngineBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apexhub_engine_bound",
		Help: "Whether an inference engine connection is currently bound (0 or 1).",
	})

	// AlertQueueDropsTotal counts alerts dropped because the sink mailbox
	// was full.
	AlertQueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apexhub_alert_queue_drops_total",
		Help: "The total number of alerts dropped due to a full sink queue.",
	})

	// SupervisorRestartsTotal counts restarts of supervised workers.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apexhub_supervisor_restarts_total",
		Help: "The total number of times a supervised worker has been restarted.",
	},
		[]string{"worker_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
