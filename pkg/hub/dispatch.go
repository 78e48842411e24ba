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

package hub

import (
	"errors"
	"log"

	"github.com/apexsec/apexhub/pkg/alert"
	"github.com/apexsec/apexhub/pkg/auth"
	"github.com/apexsec/apexhub/pkg/protocol"
	"github.com/apexsec/apexhub/pkg/registry"
)

// dispatch routes one decoded envelope to its handler. Unknown types are
// answered with a structured notice, never a disconnect.
func (h *Hub) dispatch(rec *registry.Record, env *protocol.Envelope) {
	h.stats.MessageReceived(env.Type)
	rec.IncMessages()

	switch env.Type {
	case protocol.TypeIdentify:
		h.handleIdentify(rec, env)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(rec, env)
	case protocol.TypeSubscribeCamera:
		h.handleSubscription(rec, env, true)
	case protocol.TypeUnsubscribeCamera:
		h.handleSubscription(rec, env, false)
	case protocol.TypeStreamStartRequest:
		h.handleStreamStart(rec, env)
	case protocol.TypeStreamStopRequest:
		h.handleStreamStop(rec, env)
	case protocol.TypeStreamQualityChange:
		h.handleStreamQuality(rec, env)
	case protocol.TypeClientError:
		h.handleClientError(rec, env)
	case protocol.TypeDetectionResult,
		protocol.TypeFaceDetectionResult,
		protocol.TypeAlertTriggered,
		protocol.TypeStreamProcessingStarted,
		protocol.TypeStreamProcessingStopped,
		protocol.TypeStreamQualityChanged,
		protocol.TypeStreamProcessingError:
		h.dispatchEngine(rec, env)
	default:
		log.Printf("[WARN] Unsupported message type %q from %s", env.Type, rec.ID)
		h.stats.Error()
		rec.IncErrors()
		h.send(rec, protocol.TypeError, &protocol.ErrorNotice{
			Code:    protocol.CodeUnsupported,
			Message: "unsupported message type: " + env.Type,
		})
	}
}

// handleIdentify processes a role declaration. Consumer roles are admitted on
// sight; the engine role must present a valid token and win the binding. A
// rejected identify leaves the previous role in place.
func (h *Hub) handleIdentify(rec *registry.Record, env *protocol.Envelope) {
	var payload protocol.IdentifyPayload
	if !h.decodePayload(rec, env, &payload) {
		return
	}

	role, ok := registry.ParseRole(payload.ClientType)
	if !ok {
		log.Printf("[WARN] Client %s identified with unknown client_type %q", rec.ID, payload.ClientType)
		h.stats.Error()
		rec.IncErrors()
		h.send(rec, protocol.TypeIdentificationError, &protocol.IdentificationError{
			ClientType: payload.ClientType,
			Error:      "unknown client_type: " + payload.ClientType,
		})
		return
	}

	if role == registry.RoleInferenceEngine {
		h.identifyEngine(rec, &payload)
		return
	}

	rec.SetRole(role, false)
	if h.reg.ReleaseEngine(rec.ID) {
		h.engineLost(rec.ID, "re-identified as "+string(role))
	}
	log.Printf("[INFO] Client %s identified as %s", rec.ID, role)
	h.send(rec, protocol.TypeIdentificationSuccess, &protocol.IdentificationSuccess{
		ClientID:   rec.ID,
		ClientType: payload.ClientType,
	})
}

// identifyEngine admits an engine connection. The token must validate and the
// binding must be free, already held by this connection, or held by one that
// is no longer alive.
func (h *Hub) identifyEngine(rec *registry.Record, payload *protocol.IdentifyPayload) {
	if h.chain.Validate(payload.AuthToken) != auth.AuthSuccess {
		log.Printf("[WARN] Engine identification from %s rejected: invalid token", rec.ID)
		h.stats.Error()
		rec.IncErrors()
		h.send(rec, protocol.TypeIdentificationError, &protocol.IdentificationError{
			ClientType: string(registry.RoleInferenceEngine),
			Error:      "engine token rejected",
		})
		return
	}

	if err := h.reg.BindEngine(rec.ID); err != nil {
		reason := "engine binding unavailable"
		if errors.Is(err, registry.ErrEngineBound) {
			reason = "another inference engine is already connected"
		}
		log.Printf("[WARN] Engine identification from %s rejected: %v", rec.ID, err)
		h.stats.Error()
		rec.IncErrors()
		h.send(rec, protocol.TypeIdentificationError, &protocol.IdentificationError{
			ClientType: string(registry.RoleInferenceEngine),
			Error:      reason,
		})
		return
	}

	rec.SetRole(registry.RoleInferenceEngine, true)
	h.stats.SetEngineBound(true)
	log.Printf("[INFO] Inference engine %s bound (%d capabilities)", rec.ID, len(payload.Capabilities))
	h.send(rec, protocol.TypeIdentificationSuccess, &protocol.IdentificationSuccess{
		ClientID:      rec.ID,
		ClientType:    string(registry.RoleInferenceEngine),
		Authenticated: true,
	})
	h.broadcastEngineStatus(protocol.EngineConnected)
}

// handleHeartbeat refreshes the liveness stamp and echoes the client clock.
func (h *Hub) handleHeartbeat(rec *registry.Record, env *protocol.Envelope) {
	var payload protocol.HeartbeatPayload
	if !h.decodePayload(rec, env, &payload) {
		return
	}
	rec.Touch()
	h.send(rec, protocol.TypeHeartbeatAck, &protocol.HeartbeatAck{
		ServerTime: protocol.Now(),
		ClientTime: payload.ClientTime,
	})
}

// handleSubscription adds or removes a camera topic. Both directions are
// idempotent and always acknowledged.
func (h *Hub) handleSubscription(rec *registry.Record, env *protocol.Envelope, subscribe bool) {
	var payload protocol.CameraPayload
	if !h.decodePayload(rec, env, &payload) {
		return
	}
	if payload.CameraID == "" {
		h.protocolError(rec, &protocol.ProtocolError{Code: protocol.CodeValidation, Message: "camera_id is required"})
		return
	}

	topic := registry.CameraTopic(payload.CameraID)
	ack := &protocol.CameraSubscription{CameraID: payload.CameraID, Topic: topic}
	if subscribe {
		if rec.Subscribe(topic) {
			log.Printf("[INFO] Client %s subscribed to %s", rec.ID, topic)
		}
		h.send(rec, protocol.TypeCameraSubscribed, ack)
		return
	}
	if rec.Unsubscribe(topic) {
		log.Printf("[INFO] Client %s unsubscribed from %s", rec.ID, topic)
	}
	h.send(rec, protocol.TypeCameraUnsubscribed, ack)
}

func (h *Hub) handleStreamStart(rec *registry.Record, env *protocol.Envelope) {
	var req protocol.StreamStartRequest
	if !h.decodePayload(rec, env, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = env.RequestID
	}
	h.coord.StartStream(rec, &req)
}

func (h *Hub) handleStreamStop(rec *registry.Record, env *protocol.Envelope) {
	var req protocol.StreamStopRequest
	if !h.decodePayload(rec, env, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = env.RequestID
	}
	h.coord.StopStream(rec, &req)
}

func (h *Hub) handleStreamQuality(rec *registry.Record, env *protocol.Envelope) {
	var req protocol.StreamQualityChange
	if !h.decodePayload(rec, env, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = env.RequestID
	}
	h.coord.ChangeQuality(rec, &req)
}

// handleClientError records a client-reported failure for diagnostics.
func (h *Hub) handleClientError(rec *registry.Record, env *protocol.Envelope) {
	var payload protocol.ClientError
	if !h.decodePayload(rec, env, &payload) {
		return
	}
	if payload.Code != "" {
		log.Printf("[WARN] Client %s reported error %s: %s", rec.ID, payload.Code, payload.Message)
		return
	}
	log.Printf("[WARN] Client %s reported error: %s", rec.ID, payload.Message)
}

// dispatchEngine gates the privileged message types on the engine binding.
// Payloads of the right shape from any other connection are dropped without a
// reply.
func (h *Hub) dispatchEngine(rec *registry.Record, env *protocol.Envelope) {
	if !h.reg.IsEngine(rec.ID) {
		role, _ := rec.RoleInfo()
		log.Printf("[WARN] Dropping %s from %s: sender role %s does not hold the engine binding",
			env.Type, rec.ID, role)
		h.stats.Error()
		rec.IncErrors()
		return
	}

	switch env.Type {
	case protocol.TypeDetectionResult:
		h.handleDetectionResult(rec, env)
	case protocol.TypeFaceDetectionResult:
		h.handleFaceDetectionResult(rec, env)
	case protocol.TypeAlertTriggered:
		h.handleAlertTriggered(rec, env)
	default:
		h.handleStreamEvent(rec, env)
	}
}

// handleDetectionResult relays an object detection frame to its camera topic.
func (h *Hub) handleDetectionResult(rec *registry.Record, env *protocol.Envelope) {
	var result protocol.DetectionResult
	if !h.decodePayload(rec, env, &result) {
		return
	}
	if result.CameraID == "" {
		h.protocolError(rec, &protocol.ProtocolError{Code: protocol.CodeValidation, Message: "camera_id is required"})
		return
	}

	n := h.broadcastToTopic(registry.CameraTopic(result.CameraID), env.Type, env.Data)
	h.stats.DetectionForwarded()
	log.Printf("[DEBUG] Forwarded %s for camera %s to %d subscribers (%d detections)",
		env.Type, result.CameraID, n, len(result.Detections))
}

// handleFaceDetectionResult relays a face recognition frame to its camera
// topic and raises an unknown-person alert when unrecognized faces are
// present.
func (h *Hub) handleFaceDetectionResult(rec *registry.Record, env *protocol.Envelope) {
	var result protocol.FaceDetectionResult
	if !h.decodePayload(rec, env, &result) {
		return
	}
	if result.CameraID == "" {
		h.protocolError(rec, &protocol.ProtocolError{Code: protocol.CodeValidation, Message: "camera_id is required"})
		return
	}

	n := h.broadcastToTopic(registry.CameraTopic(result.CameraID), env.Type, env.Data)
	h.stats.DetectionForwarded()
	log.Printf("[DEBUG] Forwarded %s for camera %s to %d subscribers (%d faces)",
		env.Type, result.CameraID, n, len(result.Faces))

	if a := alert.DeriveFromFaces(&result); a != nil {
		h.raiseAlert(a)
	}
}

// handleAlertTriggered normalizes an engine-raised alert and feeds it into
// the alert path.
func (h *Hub) handleAlertTriggered(rec *registry.Record, env *protocol.Envelope) {
	var payload protocol.AlertTriggered
	if !h.decodePayload(rec, env, &payload) {
		return
	}
	if payload.CameraID == "" {
		h.protocolError(rec, &protocol.ProtocolError{Code: protocol.CodeValidation, Message: "camera_id is required"})
		return
	}
	h.raiseAlert(alert.FromPayload(&payload))
}

// handleStreamEvent correlates an engine stream response back to the waiting
// request.
func (h *Hub) handleStreamEvent(rec *registry.Record, env *protocol.Envelope) {
	var ev protocol.EngineStreamEvent
	if !h.decodePayload(rec, env, &ev) {
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = env.RequestID
	}
	h.coord.HandleEngineEvent(env.Type, &ev)
}

// raiseAlert counts, broadcasts and hands one alert to the sink pipeline.
// Alerts are urgent and therefore role-addressed, not subscription-gated.
func (h *Hub) raiseAlert(a *alert.Alert) {
	h.stats.AlertRaised(string(a.Severity))
	log.Printf("[INFO] Alert %s: %s on camera %s (severity: %s)", a.ID, a.Type, a.CameraID, a.Severity)

	n := h.broadcastToRole(protocol.TypeAlertTriggered, a.Payload(),
		registry.RoleOperatorDashboard, registry.RoleDesktopShell)
	log.Printf("[DEBUG] Alert %s delivered to %d clients", a.ID, n)

	if h.alerts != nil {
		h.alerts.Enqueue(a)
	}
}

// decodePayload decodes env's data into v, answering the sender with a parse
// notice on failure.
func (h *Hub) decodePayload(rec *registry.Record, env *protocol.Envelope, v any) bool {
	if err := env.DecodeData(v); err != nil {
		h.protocolError(rec, err)
		return false
	}
	return true
}

// protocolError counts and reports one malformed inbound frame.
func (h *Hub) protocolError(rec *registry.Record, err error) {
	h.stats.Error()
	rec.IncErrors()

	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		log.Printf("[WARN] Protocol error from %s: %s", rec.ID, perr.Message)
		h.send(rec, protocol.TypeError, perr.Notice())
		return
	}
	log.Printf("[WARN] Protocol error from %s: %v", rec.ID, err)
	h.send(rec, protocol.TypeError, &protocol.ErrorNotice{Code: protocol.CodeParseError, Message: err.Error()})
}
