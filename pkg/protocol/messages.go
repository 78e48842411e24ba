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

package protocol

// IdentifyPayload is sent by a client immediately after connecting to declare
// its role. AuthToken and Capabilities are only meaningful when ClientType is
// the inference engine; consumer roles identify with the bare type.
type IdentifyPayload struct {
	ClientType   string          `json:"client_type"`
	AuthToken    string          `json:"auth_token,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// ConnectionEstablished is the first message the hub sends on every new
// connection. HeartbeatInterval tells the client how often to send
// heartbeats, in seconds.
type ConnectionEstablished struct {
	ClientID          string  `json:"client_id"`
	ServerTime        float64 `json:"server_time"`
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// IdentificationSuccess acknowledges a processed identify message.
type IdentificationSuccess struct {
	ClientID      string `json:"client_id"`
	ClientType    string `json:"client_type"`
	Authenticated bool   `json:"authenticated"`
}

// IdentificationError reports a rejected identify attempt. The connection
// stays open with its previous role.
type IdentificationError struct {
	ClientType string `json:"client_type"`
	Error      string `json:"error"`
}

// HeartbeatPayload carries the sender's local clock so the hub can echo it
// back for round-trip estimation.
type HeartbeatPayload struct {
	ClientTime float64 `json:"client_time"`
	ClientID   string  `json:"client_id,omitempty"`
}

// HeartbeatAck echoes the client clock alongside the server clock.
type HeartbeatAck struct {
	ServerTime float64 `json:"server_time"`
	ClientTime float64 `json:"client_time"`
}

// CameraPayload addresses a single camera in subscribe and unsubscribe
// messages.
type CameraPayload struct {
	CameraID string `json:"camera_id"`
}

// CameraSubscription confirms a subscription change, naming the topic the
// registry recorded.
type CameraSubscription struct {
	CameraID string `json:"camera_id"`
	Topic    string `json:"topic"`
}

// StreamStartRequest asks the hub to have the engine start processing a
// camera feed. RequestID correlates the eventual success or error reply; the
// hub generates one when the client omits it.
type StreamStartRequest struct {
	CameraID  string `json:"camera_id"`
	RequestID string `json:"request_id,omitempty"`
	RTSPURL   string `json:"rtsp_url"`
	Quality   string `json:"quality,omitempty"`
}

// Validate checks the fields the hub requires before the request may be
// forwarded to the engine.
func (r *StreamStartRequest) Validate() error {
	if r.CameraID == "" {
		return &ProtocolError{Code: CodeValidation, Message: "camera_id is required"}
	}
	if r.RTSPURL == "" {
		return &ProtocolError{Code: CodeValidation, Message: "rtsp_url is required"}
	}
	return nil
}

// StreamStopRequest asks the hub to have the engine stop processing a camera
// feed.
type StreamStopRequest struct {
	CameraID  string `json:"camera_id"`
	RequestID string `json:"request_id,omitempty"`
}

// Validate checks the fields the hub requires.
func (r *StreamStopRequest) Validate() error {
	if r.CameraID == "" {
		return &ProtocolError{Code: CodeValidation, Message: "camera_id is required"}
	}
	return nil
}

// StreamQualityChange asks the hub to have the engine switch the processing
// quality of a running stream.
type StreamQualityChange struct {
	CameraID  string `json:"camera_id"`
	RequestID string `json:"request_id,omitempty"`
	Quality   string `json:"quality"`
}

// Validate checks the fields the hub requires.
func (r *StreamQualityChange) Validate() error {
	if r.CameraID == "" {
		return &ProtocolError{Code: CodeValidation, Message: "camera_id is required"}
	}
	if r.Quality == "" {
		return &ProtocolError{Code: CodeValidation, Message: "quality is required"}
	}
	return nil
}

// StreamCommand is the hub-to-engine instruction derived from a client stream
// request. NewQuality is set only for quality changes.
type StreamCommand struct {
	CameraID   string `json:"camera_id"`
	RTSPURL    string `json:"rtsp_url,omitempty"`
	Quality    string `json:"quality,omitempty"`
	NewQuality string `json:"new_quality,omitempty"`
	RequestID  string `json:"request_id"`
}

// StreamResult is the hub-to-client resolution of a stream request, used for
// both success and error replies. Mode distinguishes a live engine resolution
// from a degraded simulated one.
type StreamResult struct {
	RequestID string `json:"request_id"`
	CameraID  string `json:"camera_id"`
	Quality   string `json:"quality,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stream resolution modes.
const (
	ModeLive     = "live"
	ModeDegraded = "degraded"
)

// EngineStreamEvent is the engine's response to a stream command, correlated
// back to the originating request by RequestID.
type EngineStreamEvent struct {
	RequestID string `json:"request_id"`
	CameraID  string `json:"camera_id"`
	Quality   string `json:"quality,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BoundingBox locates a detection inside the frame, in normalized
// coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single object detection produced by the engine.
type Detection struct {
	DetectionID   string      `json:"detection_id,omitempty"`
	DetectionType string      `json:"detection_type"`
	Confidence    float64     `json:"confidence"`
	BoundingBox   BoundingBox `json:"bounding_box"`
	AlertLevel    string      `json:"alert_level,omitempty"`
	Timestamp     float64     `json:"timestamp,omitempty"`
}

// DetectionResult is the engine's per-frame object detection payload for one
// camera.
type DetectionResult struct {
	CameraID   string      `json:"camera_id"`
	Detections []Detection `json:"detections"`
	Timestamp  float64     `json:"timestamp"`
}

// Face is a single face recognition result. PersonID and Name are null for
// faces the engine could not match against the known-person gallery.
type Face struct {
	FaceID      string      `json:"face_id,omitempty"`
	PersonID    *string     `json:"person_id"`
	Name        *string     `json:"name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
	IsKnown     bool        `json:"is_known"`
	ThreatLevel string      `json:"threat_level,omitempty"`
	Timestamp   float64     `json:"timestamp,omitempty"`
}

// FaceDetectionResult is the engine's face recognition payload for one
// camera.
type FaceDetectionResult struct {
	CameraID  string  `json:"camera_id"`
	Faces     []Face  `json:"faces"`
	Timestamp float64 `json:"timestamp"`
}

// AlertTriggered is a security alert, either raised by the engine directly or
// derived by the hub from a detection payload. AlertType uses the wire name
// "type" inside the payload for compatibility with existing consumers.
type AlertTriggered struct {
	AlertType string         `json:"type"`
	CameraID  string         `json:"camera_id"`
	Severity  string         `json:"severity"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EngineStatus announces inference engine availability to operator-facing
// clients.
type EngineStatus struct {
	Status string `json:"status"`
}

// Engine status values.
const (
	EngineConnected    = "connected"
	EngineDisconnected = "disconnected"
)

// ErrorNotice is the structured notice the hub sends for malformed or
// unsupported inbound messages. The connection is kept open.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientError is a client-reported error forwarded to the hub for logging
// and diagnostics.
type ClientError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
