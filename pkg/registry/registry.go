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

// Package registry provides the authoritative, thread-safe, in-memory table
// of live hub connections. It owns the connection records, their per-camera
// topic subscriptions, and the single optional inference engine binding. All
// state is process-lifetime; nothing survives a restart.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexsec/apexhub/pkg/protocol"
)

var (
	// ErrNotFound is returned when no record exists for a connection id.
	ErrNotFound = errors.New("registry: connection not found")

	// ErrNoEngine is returned when an operation needs the inference engine
	// and no live connection holds the binding. Callers treat this as the
	// upstream-unavailable condition and may fall back to degraded mode.
	ErrNoEngine = errors.New("registry: no inference engine bound")

	// ErrEngineBound is returned when a connection attempts to take the
	// engine binding while another live connection still holds it.
	ErrEngineBound = errors.New("registry: engine binding held by a live connection")
)

// Role classifies a connection for authorization and role-addressed fan-out.
type Role string

// Connection roles. The wire client_type values are identical.
const (
	RoleOperatorDashboard Role = "operator-dashboard"
	RoleDesktopShell      Role = "desktop-shell"
	RoleMobileClient      Role = "mobile-client"
	RoleInferenceEngine   Role = "inference-engine"
)

// ParseRole maps a wire client_type value onto a Role. The second return is
// false for unknown values.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleOperatorDashboard, RoleDesktopShell, RoleMobileClient, RoleInferenceEngine:
		return Role(s), true
	}
	return "", false
}

// CameraTopic returns the subscription topic for a camera id.
func CameraTopic(cameraID string) string {
	return "camera:" + cameraID
}

// Link is the transport handle attached to a record. The hub's WebSocket
// connection implements it; tests substitute in-memory fakes. WriteEnvelope
// must be safe for concurrent use.
type Link interface {
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Registry is the connection table. A single RWMutex guards the id map and
// the engine binding so that removal and binding changes observe each other
// atomically; per-record mutable state is guarded by the record itself.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	engineID string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register admits a new connection and returns its record. Ids are random
// UUIDs, so an id removed from the table is never reused for a later
// connection. The record starts in the default operator-dashboard role,
// unauthenticated, with an empty subscription set.
func (r *Registry) Register(link Link) *Record {
	now := time.Now()
	rec := &Record{
		ID:            uuid.NewString(),
		ConnectedAt:   now,
		role:          RoleOperatorDashboard,
		subscriptions: make(map[string]struct{}),
		link:          link,
	}
	rec.lastHeartbeat.Store(now.UnixNano())

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	return rec
}

// Get returns the record for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Remove deletes the record for id and reports whether it held the engine
// binding, which is cleared in the same critical section. Removing an unknown
// id is a no-op. Client-initiated disconnects and liveness evictions both
// converge on this path.
func (r *Registry) Remove(id string) (rec *Record, wasEngine bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	delete(r.records, id)
	if r.engineID == id {
		r.engineID = ""
		wasEngine = true
	}
	return rec, wasEngine
}

// BindEngine installs id as the engine binding with compare-and-swap
// semantics: the bind succeeds when the slot is free, already held by id, or
// held by a connection that is no longer registered. A live holder causes
// ErrEngineBound, so a racing or stale reconnect cannot hijack the slot from
// a healthy engine connection.
func (r *Registry) BindEngine(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	if r.engineID != "" && r.engineID != id {
		if _, live := r.records[r.engineID]; live {
			return ErrEngineBound
		}
	}
	r.engineID = id
	return nil
}

// ReleaseEngine clears the binding only if id currently holds it, reporting
// whether it did.
func (r *Registry) ReleaseEngine(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engineID != id || id == "" {
		return false
	}
	r.engineID = ""
	return true
}

// EngineID returns the id of the bound engine connection, or "" when the
// slot is free.
func (r *Registry) EngineID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engineID
}

// Engine returns the record of the bound engine connection, or ErrNoEngine.
func (r *Registry) Engine() (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.engineID == "" {
		return nil, ErrNoEngine
	}
	rec, ok := r.records[r.engineID]
	if !ok {
		return nil, ErrNoEngine
	}
	return rec, nil
}

// IsEngine reports whether id currently holds the engine binding.
func (r *Registry) IsEngine(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id != "" && r.engineID == id
}

// Snapshot returns the records matching pred, collected under the read lock.
// Callers act on the returned slice outside any registry lock, so delivery
// work never blocks the table. A nil pred matches everything.
func (r *Registry) Snapshot(pred func(*Record) bool) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// SubscribersOf returns the records subscribed to topic.
func (r *Registry) SubscribersOf(topic string) []*Record {
	return r.Snapshot(func(rec *Record) bool { return rec.IsSubscribed(topic) })
}

// ByRole returns the records currently holding role.
func (r *Registry) ByRole(roles ...Role) []*Record {
	return r.Snapshot(func(rec *Record) bool {
		got, _ := rec.RoleInfo()
		for _, role := range roles {
			if got == role {
				return true
			}
		}
		return false
	})
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CountByRole returns the number of live records per role.
func (r *Registry) CountByRole() map[Role]int {
	out := make(map[Role]int)
	for _, rec := range r.Snapshot(nil) {
		role, _ := rec.RoleInfo()
		out[role]++
	}
	return out
}
