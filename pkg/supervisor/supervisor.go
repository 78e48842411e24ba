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

// Package supervisor provides an OTP-style one-for-one supervisor for the
// hub's long-lived workers (alert sink dispatcher, liveness sweeper). A
// crashed or panicked worker is restarted according to its strategy without
// disturbing its siblings.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/apexsec/apexhub/pkg/actor"
	"github.com/apexsec/apexhub/pkg/metrics"
)

// RestartStrategy selects when a terminated child is started again.
type RestartStrategy int

const (
	// RestartPermanent restarts the child no matter how it terminated.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an abnormal exit
	// (error return or panic).
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// restartDelay throttles crash loops of a persistently failing child.
const restartDelay = time.Second

// Spec describes one supervised child.
type Spec struct {
	// ID names the child in logs and restart metrics.
	ID string
	// Actor is the worker to run.
	Actor actor.Actor
	// Restart selects the restart strategy.
	Restart RestartStrategy
	// Mailbox feeds the actor; it survives restarts so queued messages
	// are not lost when the worker crashes.
	Mailbox *actor.Mailbox
	// startFunc overrides Actor.Start, for tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor runs child actors and applies their restart strategies.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor restarts each failed child individually.
type OneForOneSupervisor struct{}

// NewOneForOneSupervisor creates a one-for-one supervisor.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{}
}

// Start launches the initial children. It is non-blocking; the children run
// until ctx is canceled.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors one child in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitorChild(childCtx, cancel, spec)
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		log.Printf("Worker %s terminated. Reason: %v", spec.ID, err)

		select {
		case <-ctx.Done():
			log.Printf("Supervisor context is done, not restarting worker %s.", spec.ID)
			return
		default:
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			log.Printf("Worker %s will not be restarted based on strategy.", spec.ID)
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("Restarting worker %s...", spec.ID)
		time.Sleep(restartDelay)
	}
}

func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	log.Printf("Starting worker %s...", spec.ID)
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
