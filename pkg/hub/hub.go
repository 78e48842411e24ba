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

// Package hub implements the WebSocket front door of apexhub. It upgrades
// client connections, runs one read loop per connection, dispatches the wire
// protocol to the registry, the stream coordinator and the alert pipeline,
// and evicts connections whose heartbeat has gone silent.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexsec/apexhub/pkg/auth"
	"github.com/apexsec/apexhub/pkg/config"
	"github.com/apexsec/apexhub/pkg/delivery"
	"github.com/apexsec/apexhub/pkg/metrics"
	"github.com/apexsec/apexhub/pkg/protocol"
	"github.com/apexsec/apexhub/pkg/registry"
	"github.com/apexsec/apexhub/pkg/sink"
	"github.com/apexsec/apexhub/pkg/stream"
)

// Hub ties the connection registry, the dispatcher, the stream coordinator
// and the delivery layer together behind a single WebSocket endpoint.
type Hub struct {
	cfg    *config.Config
	reg    *registry.Registry
	sender *delivery.Sender
	coord  *stream.Coordinator
	chain  *auth.Chain
	stats  *metrics.SystemStats
	alerts *sink.Dispatcher

	upgrader websocket.Upgrader
	server   *http.Server
}

// New assembles a hub from its configuration. chain validates engine tokens.
// alerts receives every raised alert and may be nil when no sinks are
// configured.
func New(cfg *config.Config, chain *auth.Chain, alerts *sink.Dispatcher) *Hub {
	stats := metrics.NewSystemStats()
	reg := registry.New()
	sender := delivery.NewSender(cfg.Hub.SendMaxAttempts, cfg.SendRetryBase(), stats)
	return &Hub{
		cfg:    cfg,
		reg:    reg,
		sender: sender,
		coord:  stream.NewCoordinator(reg, sender, cfg.StreamTimeout(), stats),
		chain:  chain,
		stats:  stats,
		alerts: alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection table for the admin API.
func (h *Hub) Registry() *registry.Registry { return h.reg }

// Stats exposes the counter set for the admin API.
func (h *Hub) Stats() *metrics.SystemStats { return h.stats }

// Coordinator exposes the stream coordinator for the admin API.
func (h *Hub) Coordinator() *stream.Coordinator { return h.coord }

// NodeID returns the configured hub node name.
func (h *Hub) NodeID() string { return h.cfg.Hub.NodeID }

// Connections returns the diagnostics view of every live connection.
func (h *Hub) Connections() []registry.Info {
	recs := h.reg.Snapshot(nil)
	infos := make([]registry.Info, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.Info())
	}
	return infos
}

// DisconnectClient force-closes a connection by id. The read loop performs
// the registry cleanup, so engine loss handling and accounting run on the
// normal disconnect path.
func (h *Hub) DisconnectClient(id string) error {
	rec, err := h.reg.Get(id)
	if err != nil {
		return err
	}
	log.Printf("[INFO] Admin disconnect of client %s", id)
	return rec.Link().Close()
}

// EngineID returns the bound engine connection id, or empty when the hub is
// degraded.
func (h *Hub) EngineID() string { return h.reg.EngineID() }

// PendingStreams returns the number of unresolved stream requests.
func (h *Hub) PendingStreams() int { return h.coord.PendingCount() }

// StatsSnapshot returns the current counter values.
func (h *Hub) StatsSnapshot() metrics.Snapshot { return h.stats.Snapshot() }

// CountByRole returns the live connection count per role.
func (h *Hub) CountByRole() map[registry.Role]int { return h.reg.CountByRole() }

// StartServer runs the WebSocket listener and the liveness monitor until ctx
// is canceled. It blocks for the lifetime of the server.
func (h *Hub) StartServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Hub.WSPath, h.ServeWS)
	h.server = &http.Server{Addr: h.cfg.Hub.Listen, Handler: mux}

	go h.runSweeper(ctx)
	go func() {
		<-ctx.Done()
		h.Shutdown()
	}()

	log.Printf("[INFO] Hub %s listening on %s%s", h.cfg.Hub.NodeID, h.cfg.Hub.Listen, h.cfg.Hub.WSPath)
	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown fails every pending stream request, stops the listener and closes
// all live connections.
func (h *Hub) Shutdown() {
	log.Printf("[INFO] Hub shutting down")
	h.coord.FailAll("hub shutting down")
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(ctx)
	}
	for _, rec := range h.reg.Snapshot(nil) {
		_ = rec.Link().Close()
	}
}

// wsLink adapts a gorilla connection to the registry Link. Gorilla permits a
// single concurrent writer, so writes are serialized by the mutex and bounded
// by the configured write deadline.
type wsLink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (l *wsLink) WriteEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.timeout))
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Close() error {
	return l.conn.Close()
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// ServeWS upgrades an HTTP request and runs the connection until it closes.
// It is mounted at the configured WebSocket path.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	link := &wsLink{conn: ws, timeout: h.cfg.WriteTimeout()}
	rec := h.reg.Register(link)
	h.stats.ConnectionOpened()
	log.Printf("[INFO] Client %s connected from %s", rec.ID, link.RemoteAddr())

	h.send(rec, protocol.TypeConnectionEstablished, &protocol.ConnectionEstablished{
		ClientID:          rec.ID,
		ServerTime:        protocol.Now(),
		HeartbeatInterval: h.cfg.HeartbeatInterval().Seconds(),
	})

	h.readLoop(rec, ws)
}

// readLoop consumes frames until the peer goes away. Malformed frames are
// answered with a structured notice and the connection stays open.
func (h *Hub) readLoop(rec *registry.Record, ws *websocket.Conn) {
	defer h.disconnect(rec)

	ws.SetReadLimit(h.cfg.Hub.MaxMessageBytes)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] Read error on %s: %v", rec.ID, err)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			h.protocolError(rec, err)
			continue
		}
		h.dispatch(rec, env)
	}
}

// disconnect tears down a connection once its read loop exits. The sweeper
// may have removed the record already; in that case the accounting has been
// done and there is nothing left to do.
func (h *Hub) disconnect(rec *registry.Record) {
	removed, wasEngine := h.reg.Remove(rec.ID)
	if removed == nil {
		return
	}
	_ = rec.Link().Close()
	h.stats.ConnectionClosed()
	role, _ := rec.RoleInfo()
	log.Printf("[INFO] Client %s disconnected (role: %s)", rec.ID, role)
	if wasEngine {
		h.engineLost(rec.ID, "disconnected")
	}
}

// engineLost handles the loss of the engine binding from any path: peer
// disconnect, staleness eviction or a re-identify away from the engine role.
// Pending stream requests can no longer be answered, so they are failed
// immediately instead of waiting out their timers.
func (h *Hub) engineLost(id, reason string) {
	h.stats.SetEngineBound(false)
	log.Printf("[WARN] Inference engine %s %s, hub degraded", id, reason)
	h.coord.FailAll("inference engine disconnected")
	h.broadcastEngineStatus(protocol.EngineDisconnected)
}

// runSweeper periodically evicts connections whose heartbeat went silent.
func (h *Hub) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval())
	defer ticker.Stop()
	log.Printf("[INFO] Liveness monitor started (sweep: %v, stale after: %v)",
		h.cfg.SweepInterval(), h.cfg.StaleAfter())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] Liveness monitor stopped")
			return
		case <-ticker.C:
			h.evictStale(time.Now())
		}
	}
}

// evictStale removes every record that has not heartbeated within the stale
// TTL, closing its transport so the read loop unwinds. Records removed
// concurrently by their own disconnect path are skipped, so a connection is
// never evicted twice. Returns the number of evictions.
func (h *Hub) evictStale(now time.Time) int {
	ttl := h.cfg.StaleAfter()
	stale := h.reg.Snapshot(func(rec *registry.Record) bool {
		return rec.StaleSince(now, ttl)
	})

	evicted := 0
	for _, rec := range stale {
		removed, wasEngine := h.reg.Remove(rec.ID)
		if removed == nil {
			continue
		}
		evicted++
		role, _ := rec.RoleInfo()
		log.Printf("[WARN] Evicting stale connection %s (role: %s, silent for %v)",
			rec.ID, role, now.Sub(rec.LastHeartbeat()).Round(time.Second))
		_ = rec.Link().Close()
		h.stats.Evicted()
		h.stats.ConnectionClosed()
		if wasEngine {
			h.engineLost(rec.ID, "evicted as stale")
		}
	}
	return evicted
}

// send delivers one message to a single connection. Delivery failures are
// logged and counted by the sender, so callers treat sends as fire and
// forget.
func (h *Hub) send(rec *registry.Record, msgType string, payload any) {
	_ = h.sender.SendMessage(rec, msgType, payload)
}

// broadcast delivers env to every record in recs, returning the number of
// successful deliveries.
func (h *Hub) broadcast(recs []*registry.Record, env *protocol.Envelope) int {
	delivered := 0
	for _, rec := range recs {
		if err := h.sender.Send(rec, env); err == nil {
			delivered++
		}
	}
	return delivered
}

// broadcastToTopic fans one event out to every subscriber of topic. The raw
// payload is re-framed untouched, so engine-side payload extensions survive
// the hop.
func (h *Hub) broadcastToTopic(topic, msgType string, data json.RawMessage) int {
	env := &protocol.Envelope{Type: msgType, Data: data, Timestamp: protocol.Now()}
	return h.broadcast(h.reg.SubscribersOf(topic), env)
}

// broadcastToRole fans a message out to every connection holding one of the
// given roles, regardless of subscriptions.
func (h *Hub) broadcastToRole(msgType string, payload any, roles ...registry.Role) int {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("[ERROR] Failed to encode %s broadcast: %v", msgType, err)
		return 0
	}
	return h.broadcast(h.reg.ByRole(roles...), env)
}

// broadcastEngineStatus tells operator-facing clients whether the inference
// engine is available.
func (h *Hub) broadcastEngineStatus(status string) {
	n := h.broadcastToRole(protocol.TypeAIEngineStatus, &protocol.EngineStatus{Status: status},
		registry.RoleOperatorDashboard, registry.RoleDesktopShell)
	log.Printf("[INFO] Engine status %q broadcast to %d clients", status, n)
}
