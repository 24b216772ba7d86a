// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package healthapi exposes the client's own HTTP surface: a root
// identity endpoint and the liveness/readiness probes an orchestrator
// (or the teacher's own deployment tooling) polls to decide whether to
// route traffic to this agent's policy store. It's a thin stdlib
// net/http.ServeMux rather than a chi router — the agent module has no
// other reason to depend on chi, and this surface is five static routes.
package healthapi

import (
	"encoding/json"
	"log"
	"net/http"
)

// stateEngine is the subset of the sync engine's API this surface
// reports on, kept as a narrow interface so this package doesn't need
// to import sync directly.
type stateEngine interface {
	Ready() bool
	Healthy() bool
}

// Server serves the client health/identity HTTP surface.
type Server struct {
	addr        string
	engine      stateEngine
	stateString func() string
	storeURL    string
}

// New builds a Server. stateString reports the engine's current
// lifecycle state as a plain string for the root endpoint.
func New(addr string, engine stateEngine, stateString func() string, storeURL string) *Server {
	return &Server{addr: addr, engine: engine, stateString: stateString, storeURL: storeURL}
}

// Routes builds the http.Handler for this surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthcheck", s.handleHealthcheck)
	mux.HandleFunc("/healthy", s.handleHealthy)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/policy-store/config", s.handlePolicyStoreConfig)
	return mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "opal-client", "state": s.stateString()})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthy(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handlePolicyStoreConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": s.storeURL})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("healthapi: failed to encode response: %v", err)
	}
}
