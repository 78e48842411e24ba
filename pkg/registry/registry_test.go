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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsec/apexhub/pkg/protocol"
)

type fakeLink struct {
	closed bool
}

func (f *fakeLink) WriteEnvelope(env *protocol.Envelope) error { return nil }
func (f *fakeLink) Close() error                               { f.closed = true; return nil }
func (f *fakeLink) RemoteAddr() string                         { return "127.0.0.1:9999" }

func TestRegisterAndRemove(t *testing.T) {
	reg := New()

	a := reg.Register(&fakeLink{})
	b := reg.Register(&fakeLink{})
	c := reg.Register(&fakeLink{})
	assert.Equal(t, 3, reg.Count())
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)

	role, authed := a.RoleInfo()
	assert.Equal(t, RoleOperatorDashboard, role)
	assert.False(t, authed)

	removed, wasEngine := reg.Remove(b.ID)
	require.NotNil(t, removed)
	assert.Equal(t, b.ID, removed.ID)
	assert.False(t, wasEngine)
	assert.Equal(t, 2, reg.Count())

	_, err := reg.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := reg.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Removing the same id again is a no-op.
	removed, _ = reg.Remove(b.ID)
	assert.Nil(t, removed)
	assert.Equal(t, 2, reg.Count())
}

func TestEngineBindingCAS(t *testing.T) {
	reg := New()

	first := reg.Register(&fakeLink{})
	second := reg.Register(&fakeLink{})

	require.NoError(t, reg.BindEngine(first.ID))
	assert.Equal(t, first.ID, reg.EngineID())
	assert.True(t, reg.IsEngine(first.ID))

	// Rebinding the same connection is idempotent.
	require.NoError(t, reg.BindEngine(first.ID))

	// A second live engine cannot hijack the slot.
	err := reg.BindEngine(second.ID)
	assert.ErrorIs(t, err, ErrEngineBound)
	assert.Equal(t, first.ID, reg.EngineID())

	// Once the holder disconnects the slot opens up.
	_, wasEngine := reg.Remove(first.ID)
	assert.True(t, wasEngine)
	assert.Empty(t, reg.EngineID())
	require.NoError(t, reg.BindEngine(second.ID))
	assert.Equal(t, second.ID, reg.EngineID())
}

func TestEngineRelease(t *testing.T) {
	reg := New()
	rec := reg.Register(&fakeLink{})

	require.NoError(t, reg.BindEngine(rec.ID))
	assert.False(t, reg.ReleaseEngine("someone-else"))
	assert.Equal(t, rec.ID, reg.EngineID())
	assert.True(t, reg.ReleaseEngine(rec.ID))
	assert.Empty(t, reg.EngineID())

	_, err := reg.Engine()
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestBindUnknownConnection(t *testing.T) {
	reg := New()
	assert.ErrorIs(t, reg.BindEngine("ghost"), ErrNotFound)
}

func TestSubscriptions(t *testing.T) {
	reg := New()

	a := reg.Register(&fakeLink{})
	b := reg.Register(&fakeLink{})
	c := reg.Register(&fakeLink{})

	topic := CameraTopic("7")
	assert.Equal(t, "camera:7", topic)

	assert.True(t, a.Subscribe(topic))
	assert.False(t, a.Subscribe(topic), "double subscribe is not a new add")
	assert.True(t, b.Subscribe(topic))
	assert.True(t, c.Subscribe(CameraTopic("9")))

	subs := reg.SubscribersOf(topic)
	require.Len(t, subs, 2)
	ids := []string{subs[0].ID, subs[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	assert.True(t, b.Unsubscribe(topic))
	assert.False(t, b.Unsubscribe(topic))
	assert.Len(t, reg.SubscribersOf(topic), 1)

	assert.Equal(t, []string{"camera:9"}, c.Subscriptions())
}

func TestByRoleAndCounts(t *testing.T) {
	reg := New()

	dash := reg.Register(&fakeLink{})
	shell := reg.Register(&fakeLink{})
	engine := reg.Register(&fakeLink{})

	shell.SetRole(RoleDesktopShell, false)
	engine.SetRole(RoleInferenceEngine, true)

	both := reg.ByRole(RoleOperatorDashboard, RoleDesktopShell)
	assert.Len(t, both, 2)
	assert.ElementsMatch(t, []string{dash.ID, shell.ID}, []string{both[0].ID, both[1].ID})

	counts := reg.CountByRole()
	assert.Equal(t, 1, counts[RoleOperatorDashboard])
	assert.Equal(t, 1, counts[RoleDesktopShell])
	assert.Equal(t, 1, counts[RoleInferenceEngine])
}

func TestRecordActivity(t *testing.T) {
	reg := New()
	rec := reg.Register(&fakeLink{})

	rec.IncMessages()
	rec.IncMessages()
	rec.IncErrors()
	assert.Equal(t, int64(2), rec.Messages())
	assert.Equal(t, int64(1), rec.Errors())

	before := rec.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	rec.Touch()
	assert.True(t, rec.LastHeartbeat().After(before))
	assert.False(t, rec.StaleSince(time.Now(), time.Minute))
	assert.True(t, rec.StaleSince(time.Now().Add(2*time.Minute), time.Minute))

	info := rec.Info()
	assert.Equal(t, rec.ID, info.ID)
	assert.Equal(t, string(RoleOperatorDashboard), info.Role)
	assert.Equal(t, int64(2), info.MessageCount)
	assert.Equal(t, "127.0.0.1:9999", info.RemoteAddr)
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole("inference-engine")
	assert.True(t, ok)
	assert.Equal(t, RoleInferenceEngine, role)

	_, ok = ParseRole("toaster")
	assert.False(t, ok)
}
