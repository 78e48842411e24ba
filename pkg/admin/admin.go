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

// Package admin provides the REST diagnostics API for hub operations:
// counter snapshots, connection listing and teardown, and inference engine
// binding state.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apexsec/apexhub/pkg/metrics"
	"github.com/apexsec/apexhub/pkg/monitor"
	"github.com/apexsec/apexhub/pkg/protocol"
	"github.com/apexsec/apexhub/pkg/registry"
)

// Version is reported by the status endpoint.
const Version = "1.0.0"

// HubInterface defines the hub operations the API server needs.
type HubInterface interface {
	NodeID() string
	Connections() []registry.Info
	DisconnectClient(id string) error
	EngineID() string
	PendingStreams() int
	StatsSnapshot() metrics.Snapshot
	CountByRole() map[registry.Role]int
}

// NodeInfo describes the hub process for the status endpoint.
type NodeInfo struct {
	Node          string    `json:"node"`
	Version       string    `json:"version"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Datetime      time.Time `json:"datetime"`
}

// EngineInfo describes the inference engine binding. Mode is "live" while an
// engine is bound and "degraded" otherwise.
type EngineInfo struct {
	Bound          bool   `json:"bound"`
	EngineID       string `json:"engine_id,omitempty"`
	Mode           string `json:"mode"`
	PendingStreams int    `json:"pending_streams"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginationMeta describes one page of a list response.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// APIServer serves the diagnostics endpoints on top of a hub.
type APIServer struct {
	hub HubInterface
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(hub HubInterface) *APIServer {
	return &APIServer{hub: hub}
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/connections", s.handleConnections)
	mux.HandleFunc("/api/v1/connections/", s.handleConnectionByID)
	mux.HandleFunc("/api/v1/engine", s.handleEngine)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
}

// handleStats handles /api/v1/stats.
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeSuccess(w, s.hub.StatsSnapshot())
}

// handleConnections handles /api/v1/connections.
func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	connections := s.hub.Connections()

	page, limit := s.getPagination(r)
	start := (page - 1) * limit
	end := start + limit

	if start > len(connections) {
		start = len(connections)
	}
	if end > len(connections) {
		end = len(connections)
	}

	result := struct {
		Data []registry.Info `json:"data"`
		Meta PaginationMeta  `json:"meta"`
	}{
		Data: connections[start:end],
		Meta: PaginationMeta{
			Page:  page,
			Limit: limit,
			Count: len(connections[start:end]),
			Total: len(connections),
		},
	}

	s.writeSuccess(w, result)
}

// handleConnectionByID handles /api/v1/connections/{id}. GET returns the
// record, DELETE force-closes the connection.
func (s *APIServer) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id := s.extractIDFromPath(r.URL.Path, "/api/v1/connections/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, conn := range s.hub.Connections() {
			if conn.ID == id {
				s.writeSuccess(w, conn)
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Connection not found")

	case http.MethodDelete:
		if err := s.hub.DisconnectClient(id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "Connection not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeSuccess(w, map[string]string{"result": "disconnected"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleEngine handles /api/v1/engine.
func (s *APIServer) handleEngine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeSuccess(w, s.engineInfo())
}

// handleStatus handles /api/v1/status.
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.hub.StatsSnapshot()
	status := map[string]interface{}{
		"node": NodeInfo{
			Node:          s.hub.NodeID(),
			Version:       Version,
			UptimeSeconds: snap.UptimeSeconds,
			Datetime:      time.Now(),
		},
		"connections": snap.ConnectionsCurrent,
		"roles":       s.hub.CountByRole(),
		"engine":      s.engineInfo(),
	}

	s.writeSuccess(w, status)
}

func (s *APIServer) engineInfo() EngineInfo {
	id := s.hub.EngineID()
	info := EngineInfo{
		Bound:          id != "",
		EngineID:       id,
		Mode:           protocol.ModeDegraded,
		PendingStreams: s.hub.PendingStreams(),
	}
	if info.Bound {
		info.Mode = protocol.ModeLive
	}
	return info
}

// Helper methods

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Code: 0,
		Data: data,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	response := APIResponse{
		Code:    statusCode,
		Message: message,
	}
	s.writeJSON(w, statusCode, response)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}

// Serve starts the admin API server with the health probe endpoints mounted
// on the same listener.
func Serve(addr string, hub HubInterface, health *monitor.HealthServer) error {
	server := NewAPIServer(hub)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	health.RegisterRoutes(mux)

	log.Printf("[INFO] Admin API listening on %s (stats, connections, engine, status, healthz)", addr)
	return http.ListenAndServe(addr, mux)
}
