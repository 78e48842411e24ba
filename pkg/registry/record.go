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

package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Record is the registry entry for one live connection. ID and ConnectedAt
// are immutable after Register; role, authentication and the subscription set
// are guarded by the record mutex; the activity counters and heartbeat stamp
// are atomics so the dispatcher and diagnostics never contend on a lock.
type Record struct {
	ID          string
	ConnectedAt time.Time

	mu            sync.RWMutex
	role          Role
	authenticated bool
	subscriptions map[string]struct{}
	link          Link

	lastHeartbeat atomic.Int64
	messageCount  atomic.Int64
	errorCount    atomic.Int64
}

// Link returns the transport handle used by the delivery layer.
func (rec *Record) Link() Link {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.link
}

// SetRole records the role a connection identified as and whether its
// credentials were validated.
func (rec *Record) SetRole(role Role, authenticated bool) {
	rec.mu.Lock()
	rec.role = role
	rec.authenticated = authenticated
	rec.mu.Unlock()
}

// RoleInfo returns the current role and authentication flag.
func (rec *Record) RoleInfo() (Role, bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.role, rec.authenticated
}

// Subscribe adds topic to the subscription set, reporting whether it was
// newly added.
func (rec *Record) Subscribe(topic string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.subscriptions[topic]; ok {
		return false
	}
	rec.subscriptions[topic] = struct{}{}
	return true
}

// Unsubscribe removes topic from the subscription set, reporting whether it
// was present.
func (rec *Record) Unsubscribe(topic string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.subscriptions[topic]; !ok {
		return false
	}
	delete(rec.subscriptions, topic)
	return true
}

// IsSubscribed reports whether topic is in the subscription set.
func (rec *Record) IsSubscribed(topic string) bool {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	_, ok := rec.subscriptions[topic]
	return ok
}

// Subscriptions returns a sorted copy of the subscription set.
func (rec *Record) Subscriptions() []string {
	rec.mu.RLock()
	out := make([]string, 0, len(rec.subscriptions))
	for topic := range rec.subscriptions {
		out = append(out, topic)
	}
	rec.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Touch updates the heartbeat stamp to now.
func (rec *Record) Touch() {
	rec.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the most recent heartbeat (or the
// connect time if none arrived yet).
func (rec *Record) LastHeartbeat() time.Time {
	return time.Unix(0, rec.lastHeartbeat.Load())
}

// StaleSince reports whether the record has not heartbeated within ttl of
// now.
func (rec *Record) StaleSince(now time.Time, ttl time.Duration) bool {
	return now.Sub(rec.LastHeartbeat()) > ttl
}

// IncMessages counts one processed inbound message.
func (rec *Record) IncMessages() { rec.messageCount.Add(1) }

// IncErrors counts one error attributed to this connection.
func (rec *Record) IncErrors() { rec.errorCount.Add(1) }

// Messages returns the processed inbound message count.
func (rec *Record) Messages() int64 { return rec.messageCount.Load() }

// Errors returns the error count.
func (rec *Record) Errors() int64 { return rec.errorCount.Load() }

// Info is the diagnostics view of a record, shaped for the admin API.
type Info struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Authenticated bool      `json:"authenticated"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MessageCount  int64     `json:"message_count"`
	ErrorCount    int64     `json:"error_count"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
}

// Info captures a consistent snapshot of the record for diagnostics.
func (rec *Record) Info() Info {
	role, authed := rec.RoleInfo()
	info := Info{
		ID:            rec.ID,
		Role:          string(role),
		Authenticated: authed,
		Subscriptions: rec.Subscriptions(),
		ConnectedAt:   rec.ConnectedAt,
		LastHeartbeat: rec.LastHeartbeat(),
		MessageCount:  rec.Messages(),
		ErrorCount:    rec.Errors(),
	}
	if link := rec.Link(); link != nil {
		info.RemoteAddr = link.RemoteAddr()
	}
	return info
}
