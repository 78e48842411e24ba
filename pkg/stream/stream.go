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

// Package stream coordinates the request and response halves of stream
// control. A client's start, stop or quality-change request is validated,
// forwarded to the bound inference engine, and answered when the engine
// reports back, correlated by request_id. Every request terminates: an
// unanswered one times out, and when no engine is bound the coordinator
// answers immediately with a simulated success labeled mode "degraded" so
// operator consoles stay responsive.
package stream

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexsec/apexhub/pkg/delivery"
	"github.com/apexsec/apexhub/pkg/metrics"
	"github.com/apexsec/apexhub/pkg/protocol"
	"github.com/apexsec/apexhub/pkg/registry"
)

// ErrEngineTimeout is the terminal reason for a forwarded request the engine
// never answered. Requesters see its text verbatim in stream_*_error payloads.
var ErrEngineTimeout = errors.New("timeout waiting for engine")

// Operation names for logs and counters.
const (
	opStart   = "start"
	opStop    = "stop"
	opQuality = "quality"
)

// Resolution outcomes for counters.
const (
	outcomeSuccess    = "success"
	outcomeDegraded   = "degraded"
	outcomeValidation = "validation_error"
	outcomeTimeout    = "timeout"
	outcomeError      = "error"
	outcomeCanceled   = "canceled"
)

// pending is one in-flight request awaiting the engine's answer. It is owned
// by the coordinator map; the timer is stopped when the entry is claimed.
type pending struct {
	requestID   string
	operation   string
	cameraID    string
	quality     string
	requesterID string
	timer       *time.Timer
	issuedAt    time.Time
}

// Coordinator tracks in-flight stream requests. All methods are safe for
// concurrent use; an entry is claimed under the lock exactly once, so a
// request resolves to exactly one of success, error or timeout no matter how
// engine replies and timers race.
type Coordinator struct {
	reg     *registry.Registry
	sender  *delivery.Sender
	timeout time.Duration
	stats   *metrics.SystemStats

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCoordinator creates a coordinator. timeout bounds how long a forwarded
// request may wait for the engine; stats may be nil in tests.
func NewCoordinator(reg *registry.Registry, sender *delivery.Sender, timeout time.Duration, stats *metrics.SystemStats) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		reg:     reg,
		sender:  sender,
		timeout: timeout,
		stats:   stats,
		pending: make(map[string]*pending),
	}
}

// StartStream handles a stream_start_request from rec.
func (c *Coordinator) StartStream(rec *registry.Record, req *protocol.StreamStartRequest) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		c.respondError(rec.ID, opStart, req.RequestID, req.CameraID, err.Error())
		c.countResolution(opStart, outcomeValidation)
		return
	}

	command := &protocol.StreamCommand{
		CameraID:  req.CameraID,
		RTSPURL:   req.RTSPURL,
		Quality:   req.Quality,
		RequestID: req.RequestID,
	}
	c.dispatch(rec, opStart, protocol.TypeStartStreamProcessing, command, req.CameraID, req.Quality, req.RequestID)
}

// StopStream handles a stream_stop_request from rec.
func (c *Coordinator) StopStream(rec *registry.Record, req *protocol.StreamStopRequest) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		c.respondError(rec.ID, opStop, req.RequestID, req.CameraID, err.Error())
		c.countResolution(opStop, outcomeValidation)
		return
	}

	command := &protocol.StreamCommand{
		CameraID:  req.CameraID,
		RequestID: req.RequestID,
	}
	c.dispatch(rec, opStop, protocol.TypeStopStreamProcessing, command, req.CameraID, "", req.RequestID)
}

// ChangeQuality handles a stream_quality_change from rec.
func (c *Coordinator) ChangeQuality(rec *registry.Record, req *protocol.StreamQualityChange) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		c.respondError(rec.ID, opQuality, req.RequestID, req.CameraID, err.Error())
		c.countResolution(opQuality, outcomeValidation)
		return
	}

	command := &protocol.StreamCommand{
		CameraID:   req.CameraID,
		NewQuality: req.Quality,
		RequestID:  req.RequestID,
	}
	c.dispatch(rec, opQuality, protocol.TypeChangeStreamQuality, command, req.CameraID, req.Quality, req.RequestID)
}

// dispatch forwards a validated command to the engine, or resolves the
// request degraded when no engine is bound.
func (c *Coordinator) dispatch(rec *registry.Record, operation, commandType string, command *protocol.StreamCommand, cameraID, quality, requestID string) {
	engine, err := c.reg.Engine()
	if err != nil {
		log.Printf("[WARN] No inference engine bound, resolving %s request %s for %s in degraded mode",
			operation, requestID, cameraID)
		c.finishSuccess(rec.ID, operation, requestID, cameraID, quality, protocol.ModeDegraded)
		c.countResolution(operation, outcomeDegraded)
		return
	}

	p := &pending{
		requestID:   requestID,
		operation:   operation,
		cameraID:    cameraID,
		quality:     quality,
		requesterID: rec.ID,
		issuedAt:    time.Now(),
	}

	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		c.respondError(rec.ID, operation, requestID, cameraID, "request_id already in flight")
		c.countResolution(operation, outcomeValidation)
		return
	}
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(requestID) })
	c.pending[requestID] = p
	c.mu.Unlock()

	if err := c.sender.SendMessage(engine, commandType, command); err != nil {
		if p, ok := c.claim(requestID); ok {
			c.respondError(p.requesterID, p.operation, p.requestID, p.cameraID, "inference engine unreachable")
			c.countResolution(p.operation, outcomeError)
		}
		return
	}
	log.Printf("[DEBUG] Forwarded %s command for %s to engine (request: %s)", operation, cameraID, requestID)
}

// HandleEngineEvent resolves the pending request named by an engine reply.
// Replies for unknown or already resolved request ids are dropped.
func (c *Coordinator) HandleEngineEvent(msgType string, ev *protocol.EngineStreamEvent) {
	p, ok := c.claim(ev.RequestID)
	if !ok {
		log.Printf("[DEBUG] Engine %s for unknown request %s, dropping", msgType, ev.RequestID)
		return
	}

	if msgType == protocol.TypeStreamProcessingError || ev.Error != "" {
		reason := ev.Error
		if reason == "" {
			reason = "stream processing failed"
		}
		c.respondError(p.requesterID, p.operation, p.requestID, p.cameraID, reason)
		c.countResolution(p.operation, outcomeError)
		return
	}

	quality := ev.Quality
	if quality == "" {
		quality = p.quality
	}
	c.finishSuccess(p.requesterID, p.operation, p.requestID, p.cameraID, quality, protocol.ModeLive)
	c.countResolution(p.operation, outcomeSuccess)
}

// expire times out one request. The racing engine reply loses: whichever
// claims the entry first answers the requester.
func (c *Coordinator) expire(requestID string) {
	p, ok := c.claim(requestID)
	if !ok {
		return
	}
	log.Printf("[WARN] Stream %s request %s for %s timed out after %v",
		p.operation, p.requestID, p.cameraID, c.timeout)
	c.respondError(p.requesterID, p.operation, p.requestID, p.cameraID, ErrEngineTimeout.Error())
	c.countResolution(p.operation, outcomeTimeout)
}

// FailAll resolves every pending request with the given reason. Used at
// shutdown so no client is left waiting on a closed hub.
func (c *Coordinator) FailAll(reason string) {
	c.mu.Lock()
	drained := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		drained = append(drained, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range drained {
		c.respondError(p.requesterID, p.operation, p.requestID, p.cameraID, reason)
		c.countResolution(p.operation, outcomeCanceled)
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// claim removes and returns the pending entry, stopping its timer. The
// second return is false when the request was already resolved.
func (c *Coordinator) claim(requestID string) (*pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(c.pending, requestID)
	return p, true
}

// finishSuccess answers the requester and applies the subscription side
// effect: starting a stream subscribes the requester to the camera topic,
// stopping unsubscribes. A degraded resolution applies the same effects so
// the client sees identical behavior apart from the mode label.
func (c *Coordinator) finishSuccess(requesterID, operation, requestID, cameraID, quality, mode string) {
	rec, err := c.reg.Get(requesterID)
	if err != nil {
		log.Printf("[DEBUG] Requester %s gone, dropping %s resolution for request %s",
			requesterID, operation, requestID)
		return
	}

	topic := registry.CameraTopic(cameraID)
	switch operation {
	case opStart:
		rec.Subscribe(topic)
	case opStop:
		rec.Unsubscribe(topic)
	}

	result := &protocol.StreamResult{
		RequestID: requestID,
		CameraID:  cameraID,
		Quality:   quality,
		Mode:      mode,
	}
	if err := c.sender.SendMessage(rec, successType(operation), result); err != nil {
		log.Printf("[ERROR] Failed to answer %s request %s: %v", operation, requestID, err)
	}
}

// respondError answers the requester with the operation's error reply. A
// vanished requester is dropped silently.
func (c *Coordinator) respondError(requesterID, operation, requestID, cameraID, reason string) {
	rec, err := c.reg.Get(requesterID)
	if err != nil {
		log.Printf("[DEBUG] Requester %s gone, dropping %s error for request %s",
			requesterID, operation, requestID)
		return
	}

	result := &protocol.StreamResult{
		RequestID: requestID,
		CameraID:  cameraID,
		Error:     reason,
	}
	if err := c.sender.SendMessage(rec, errorType(operation), result); err != nil {
		log.Printf("[ERROR] Failed to answer %s request %s: %v", operation, requestID, err)
	}
}

func (c *Coordinator) countResolution(operation, outcome string) {
	if c.stats != nil {
		c.stats.StreamRequestResolved(operation, outcome)
	}
}

func successType(operation string) string {
	switch operation {
	case opStop:
		return protocol.TypeStreamStopSuccess
	case opQuality:
		return protocol.TypeStreamQualitySuccess
	default:
		return protocol.TypeStreamStartSuccess
	}
}

func errorType(operation string) string {
	switch operation {
	case opStop:
		return protocol.TypeStreamStopError
	case opQuality:
		return protocol.TypeStreamQualityError
	default:
		return protocol.TypeStreamStartError
	}
}
