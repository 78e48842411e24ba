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

// Package alert defines the security alert vocabulary shared by the hub's
// broadcast path and the outbound sinks: alert types, the four-level severity
// scale, and the normalization of raw engine payloads into Alert values.
package alert

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/apexsec/apexhub/pkg/protocol"
)

// Alert types raised by the inference engine or derived by the hub.
const (
	TypeUnknownPerson      = "unknown_person"
	TypeSuspiciousActivity = "suspicious_activity"
	TypeWeaponDetected     = "weapon_detected"
	TypePerimeterBreach    = "perimeter_breach"
	TypeLoiteringDetected  = "loitering_detected"
)

// Severity grades an alert. The scale is ordered: low < medium < high <
// critical. Unknown values rank below low so they never cross a notification
// threshold by accident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity maps a wire severity string onto a Severity. The second
// return is false for unknown values.
func ParseSeverity(s string) (Severity, bool) {
	if _, ok := severityRank[Severity(s)]; ok {
		return Severity(s), true
	}
	return "", false
}

func (s Severity) String() string {
	return string(s)
}

// AtLeast reports whether s is at or above min on the severity scale.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Alert is the normalized form carried from the hub to the sinks. The JSON
// shape matches what dashboards already receive on the wire, so a sink can
// forward it verbatim.
type Alert struct {
	ID          string         `json:"alert_id"`
	Type        string         `json:"type"`
	CameraID    string         `json:"camera_id"`
	Severity    Severity       `json:"severity"`
	Timestamp   float64        `json:"timestamp"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// FromPayload normalizes a raw alert_triggered payload. Missing or unknown
// severity falls back to medium, matching the engine client's own default; a
// missing alert_id gets a generated one so sinks always have a key.
func FromPayload(p *protocol.AlertTriggered) *Alert {
	severity, ok := ParseSeverity(p.Severity)
	if !ok {
		severity = SeverityMedium
	}

	a := &Alert{
		ID:        stringField(p.Data, "alert_id"),
		Type:      p.AlertType,
		CameraID:  p.CameraID,
		Severity:  severity,
		Timestamp: p.Timestamp,
		Data:      p.Data,
	}
	if a.ID == "" {
		a.ID = "alert_" + uuid.NewString()
	}
	if a.Timestamp == 0 {
		a.Timestamp = protocol.Now()
	}
	a.Description = stringField(p.Data, "description")
	a.Location = stringField(p.Data, "location")
	a.Confidence = floatField(p.Data, "confidence")
	return a
}

// DeriveFromFaces inspects a face_detection_result and raises an
// unknown_person alert when at least one face is not recognized. It returns
// nil when every face is known.
func DeriveFromFaces(r *protocol.FaceDetectionResult) *Alert {
	var (
		unknown    int
		confidence float64
		faceIDs    []string
	)
	for _, f := range r.Faces {
		if f.IsKnown {
			continue
		}
		unknown++
		faceIDs = append(faceIDs, f.FaceID)
		if f.Confidence > confidence {
			confidence = f.Confidence
		}
	}
	if unknown == 0 {
		return nil
	}

	ts := r.Timestamp
	if ts == 0 {
		ts = protocol.Now()
	}
	return &Alert{
		ID:          "alert_" + uuid.NewString(),
		Type:        TypeUnknownPerson,
		CameraID:    r.CameraID,
		Severity:    SeverityHigh,
		Timestamp:   ts,
		Description: fmt.Sprintf("%d unrecognized person(s) on %s", unknown, r.CameraID),
		Location:    "Camera " + r.CameraID,
		Confidence:  confidence,
		Data:        map[string]any{"face_ids": faceIDs},
	}
}

// Payload converts the alert back into the wire payload broadcast to
// dashboard and desktop roles. The descriptive fields travel inside data,
// keyed the way engine clients already send them.
func (a *Alert) Payload() *protocol.AlertTriggered {
	data := make(map[string]any, len(a.Data)+4)
	for k, v := range a.Data {
		data[k] = v
	}
	data["alert_id"] = a.ID
	if a.Description != "" {
		data["description"] = a.Description
	}
	if a.Location != "" {
		data["location"] = a.Location
	}
	if a.Confidence > 0 {
		data["confidence"] = a.Confidence
	}

	return &protocol.AlertTriggered{
		AlertType: a.Type,
		CameraID:  a.CameraID,
		Severity:  string(a.Severity),
		Timestamp: a.Timestamp,
		Data:      data,
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func floatField(data map[string]any, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}
