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

// Package sink forwards alerts to external systems: a PostgreSQL incident
// store, an HTTP notification webhook and an MQTT publisher. Delivery is fire
// and forget with respect to the hub's hot path; alerts travel through a
// bounded mailbox drained by a supervised dispatcher, and a sink failure is
// logged without affecting the other sinks or any connection.
package sink

import (
	"context"
	"log"
	"time"

	"github.com/apexsec/apexhub/pkg/actor"
	"github.com/apexsec/apexhub/pkg/alert"
	"github.com/apexsec/apexhub/pkg/config"
	"github.com/apexsec/apexhub/pkg/metrics"
)

// deliverTimeout bounds a single sink delivery so one stuck backend cannot
// stall the dispatch loop indefinitely.
const deliverTimeout = 10 * time.Second

// Sink delivers normalized alerts to one external system. Implementations
// own their connection state; Deliver is called from a single goroutine.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Start establishes the sink's connection. A failed Start is not fatal:
	// sinks are expected to recover on later deliveries where the backend
	// allows it.
	Start(ctx context.Context) error
	// Deliver pushes one alert. Errors are reported to the dispatcher,
	// which logs and moves on.
	Deliver(ctx context.Context, a *alert.Alert) error
	// Close releases the sink's resources.
	Close() error
}

// Dispatcher drains the alert mailbox and fans each alert out to every
// configured sink. It implements actor.Actor and runs under the hub's
// supervisor, so a panicking sink driver gets the dispatcher restarted with
// its mailbox (and any queued alerts) intact.
type Dispatcher struct {
	mailbox *actor.Mailbox
	sinks   []Sink
}

// NewDispatcher creates a dispatcher with a bounded queue feeding the given
// sinks.
func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		mailbox: actor.NewMailbox(queueSize),
		sinks:   sinks,
	}
}

// Mailbox exposes the dispatcher's queue for the supervisor spec.
func (d *Dispatcher) Mailbox() *actor.Mailbox {
	return d.mailbox
}

// Enqueue hands an alert to the dispatch loop without blocking. When the
// queue is full the alert is dropped and counted; alert distribution to
// connected clients is unaffected.
func (d *Dispatcher) Enqueue(a *alert.Alert) {
	if a == nil {
		return
	}
	if !d.mailbox.TrySend(a) {
		metrics.AlertQueueDropsTotal.Inc()
		log.Printf("[WARN] Alert queue full, dropping alert %s (type: %s, camera: %s)",
			a.ID, a.Type, a.CameraID)
	}
}

// Start brings up the sinks and drains the mailbox until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context, mb *actor.Mailbox) error {
	for _, s := range d.sinks {
		if err := s.Start(ctx); err != nil {
			log.Printf("[WARN] Sink %s failed to start, deliveries will be retried: %v", s.Name(), err)
			continue
		}
		log.Printf("[INFO] Sink %s started", s.Name())
	}
	defer d.closeAll()

	log.Printf("[INFO] Alert dispatcher running with %d sinks (queue capacity: %d)",
		len(d.sinks), cap(mb.Chan()))

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return err
		}
		a, ok := msg.(*alert.Alert)
		if !ok {
			log.Printf("[WARN] Alert dispatcher received unexpected message type %T", msg)
			continue
		}
		d.dispatch(ctx, a)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, a *alert.Alert) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := s.Deliver(dctx, a)
		cancel()
		if err != nil {
			log.Printf("[ERROR] Sink %s failed to deliver alert %s: %v", s.Name(), a.ID, err)
		}
	}
}

func (d *Dispatcher) closeAll() {
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			log.Printf("[WARN] Sink %s close failed: %v", s.Name(), err)
		}
	}
}

// FromConfig builds the sinks enabled in configuration.
func FromConfig(cfg *config.Config) []Sink {
	var sinks []Sink
	if cfg.Sinks.Postgres.Enabled {
		sinks = append(sinks, NewPostgresStore(cfg.Sinks.Postgres.DSN))
	}
	if cfg.Sinks.Webhook.Enabled {
		minSeverity, ok := alert.ParseSeverity(cfg.Sinks.NotifyMinSeverity)
		if !ok {
			minSeverity = alert.SeverityHigh
		}
		sinks = append(sinks, NewWebhookNotifier(cfg.Sinks.Webhook.URL, cfg.WebhookTimeout(), minSeverity))
	}
	if cfg.Sinks.MQTT.Enabled {
		sinks = append(sinks, NewMQTTPublisher(
			cfg.Sinks.MQTT.BrokerURL, cfg.Sinks.MQTT.ClientID,
			cfg.Sinks.MQTT.TopicPrefix, byte(cfg.Sinks.MQTT.QoS)))
	}
	return sinks
}
