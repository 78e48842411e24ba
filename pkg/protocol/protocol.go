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

// Package protocol defines the JSON wire protocol spoken between the hub and
// its clients: the envelope framing, the message type constants, and the typed
// payloads carried inside envelopes. The same envelope shape is used in both
// directions; the `type` field selects the payload schema.
package protocol

import (
	"encoding/json"
	"time"
)

// Message types sent by consumer clients (dashboards, shells, mobile).
const (
	TypeIdentify            = "identify"
	TypeHeartbeat           = "heartbeat"
	TypeSubscribeCamera     = "subscribe_camera"
	TypeUnsubscribeCamera   = "unsubscribe_camera"
	TypeStreamStartRequest  = "stream_start_request"
	TypeStreamStopRequest   = "stream_stop_request"
	TypeStreamQualityChange = "stream_quality_change"
	TypeClientError         = "client_error"
)

// Message types sent by the bound inference engine. The dispatcher accepts
// these only from the connection currently holding the engine binding.
const (
	TypeDetectionResult         = "detection_result"
	TypeFaceDetectionResult     = "face_detection_result"
	TypeAlertTriggered          = "alert_triggered"
	TypeStreamProcessingStarted = "stream_processing_started"
	TypeStreamProcessingStopped = "stream_processing_stopped"
	TypeStreamQualityChanged    = "stream_quality_changed"
	TypeStreamProcessingError   = "stream_processing_error"
)

// Message types sent by the hub to clients.
const (
	TypeConnectionEstablished = "connection_established"
	TypeIdentificationSuccess = "identification_success"
	TypeIdentificationError   = "identification_error"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeCameraSubscribed      = "camera_subscribed"
	TypeCameraUnsubscribed    = "camera_unsubscribed"
	TypeStreamStartSuccess    = "stream_start_success"
	TypeStreamStartError      = "stream_start_error"
	TypeStreamStopSuccess     = "stream_stop_success"
	TypeStreamStopError       = "stream_stop_error"
	TypeStreamQualitySuccess  = "stream_quality_success"
	TypeStreamQualityError    = "stream_quality_error"
	TypeAIEngineStatus        = "ai_engine_status"
	TypeError                 = "error"
)

// Message types sent by the hub to the bound engine to drive stream
// processing.
const (
	TypeStartStreamProcessing = "start_stream_processing"
	TypeStopStreamProcessing  = "stop_stream_processing"
	TypeChangeStreamQuality   = "change_stream_quality"
)

// Envelope is the outer frame of every wire message. Data holds the typed
// payload and is decoded lazily once the type is known. Timestamp is Unix
// seconds with fractional precision, matching what the engine emits.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Now returns the current time in the wire timestamp format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewEnvelope builds an envelope of the given type around data, which is
// marshaled immediately. A nil data produces an envelope with no payload.
func NewEnvelope(msgType string, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType, Timestamp: Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// Decode parses a raw wire frame into an envelope. It returns a
// *ProtocolError for frames that are not valid JSON or that lack the
// mandatory type field, so callers can relay the structured notice without
// dropping the connection.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Message: "invalid JSON frame: " + err.Error()}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Code: CodeParseError, Message: "missing message type"}
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v. An envelope with no
// payload decodes into the zero value.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Code: CodeParseError, Message: "invalid " + e.Type + " payload: " + err.Error()}
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
