// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package api wires the server's HTTP surface: token issuance, the
// websocket subscription endpoint, policy/data bootstrap endpoints, the
// tracker's webhook receiver, data update ingestion, scope CRUD, and
// basic statistics — all routed with go-chi, the teacher's HTTP router
// of choice elsewhere in the pack.
package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/vutetech/opal/server/internal/authgate"
	"github.com/vutetech/opal/server/internal/broadcast"
	"github.com/vutetech/opal/server/internal/bundle"
	"github.com/vutetech/opal/server/internal/datarouter"
	"github.com/vutetech/opal/server/internal/pubsub"
	"github.com/vutetech/opal/server/internal/scope"
	"github.com/vutetech/opal/server/internal/tracker"
	"github.com/vutetech/opal/server/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opal_server_ws_connections",
		Help: "Current number of connected websocket clients.",
	})
	envelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opal_server_envelopes_sent_total",
		Help: "Total envelopes sent to clients, by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(wsConnections, envelopesSent)
}

// Server holds every dependency the HTTP handlers need.
type Server struct {
	Gate      *authgate.Gate
	Hub       *pubsub.Hub
	Tracker   *tracker.Tracker
	Builder   *bundle.Builder
	Router    *datarouter.Router
	Scopes    *scope.Store
	Keepalive *broadcast.Keepalive

	rateLimitPerSecond int
	limiters           sync.Map // client id -> *rate.Limiter

	mu      sync.RWMutex
	clients map[string]wire.ClientRegistration
}

// New constructs the Server. scopes may be nil when the scope manager
// is disabled.
func New(gate *authgate.Gate, hub *pubsub.Hub, trk *tracker.Tracker, builder *bundle.Builder, router *datarouter.Router, scopes *scope.Store, keepalive *broadcast.Keepalive, rateLimitPerSecond int) *Server {
	return &Server{
		Gate:               gate,
		Hub:                hub,
		Tracker:            trk,
		Builder:            builder,
		Router:             router,
		Scopes:             scopes,
		Keepalive:          keepalive,
		rateLimitPerSecond: rateLimitPerSecond,
		clients:            make(map[string]wire.ClientRegistration),
	}
}

// Routes builds the full chi.Router for the OPAL server HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/token", s.handleToken)
	r.Get("/policy", s.handlePolicy)
	r.Get("/data/config", s.handleDataConfig)
	r.Post("/data/config", s.withAuth(s.handleDataUpdate))
	r.Post("/data/update", s.withAuth(s.handleDataUpdate))
	r.Post("/webhook", s.handleWebhook)
	r.Get("/statistics", s.handleStatistics)

	r.Route("/scopes", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleScopesList)
		r.Put("/{scopeID}", s.handleScopePut)
		r.Delete("/{scopeID}", s.handleScopeDelete)
	})

	r.Get("/ws", s.handleWebsocket)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "opal-server"})
}

// keepaliveSilenceThreshold is how long a missing backbone heartbeat is
// tolerated before healthcheck reports the backbone as suspect.
const keepaliveSilenceThreshold = 5 * time.Minute

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	if s.Keepalive != nil && !s.Keepalive.Healthy(keepaliveSilenceThreshold) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "backbone keepalive silent"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	master := bearerToken(r)
	var req wire.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	peerType := authgate.PeerClient
	if req.Type == string(authgate.PeerDataSource) {
		peerType = authgate.PeerDataSource
	}

	token, err := s.Gate.Mint(master, peerType, req.Peer, req.Claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, wire.TokenResponse{Token: token})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	dirs := r.URL.Query()["path"]
	baseHash := r.URL.Query().Get("base_hash")

	bdl, err := s.Builder.BuildFromBase(baseHash, dirs)
	if err != nil {
		log.Printf("api: bundle build failed: %v", err)
		http.Error(w, "bundle build failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bdl)
}

func (s *Server) handleDataConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Router.BaseConfig())
}

func (s *Server) handleDataUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason         string                     `json:"reason"`
		Entries        []wire.DataUpdateDirective `json:"entries"`
		Callbacks      []string                   `json:"callbacks"`
		CallbackConfig *wire.CallbackConfig       `json:"callback_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.Router.PublishUpdate(r.Context(), req.Reason, req.Entries, req.Callbacks, req.CallbackConfig)
	if err != nil {
		log.Printf("api: publish update failed: %v", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.Tracker.HandleWebhook(r.Context(), r.Header, body); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"revision":          s.Hub.Revision(),
		"subscriber_count":  s.Hub.SubscriberCount(),
		"clients":           s.clients,
		"current_source_commit": s.Tracker.CurrentCommit(),
	})
}

func (s *Server) handleScopesList(w http.ResponseWriter, r *http.Request) {
	if s.Scopes == nil {
		http.Error(w, "scope manager disabled", http.StatusNotImplemented)
		return
	}
	scopes, err := s.Scopes.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scopes)
}

func (s *Server) handleScopePut(w http.ResponseWriter, r *http.Request) {
	if s.Scopes == nil {
		http.Error(w, "scope manager disabled", http.StatusNotImplemented)
		return
	}
	var sc scope.Scope
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sc.ID = chi.URLParam(r, "scopeID")
	saved, err := s.Scopes.Put(r.Context(), sc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleScopeDelete(w http.ResponseWriter, r *http.Request) {
	if s.Scopes == nil {
		http.Error(w, "scope manager disabled", http.StatusNotImplemented)
		return
	}
	if err := s.Scopes.Delete(r.Context(), chi.URLParam(r, "scopeID")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebsocket upgrades the connection, authenticates the bearer
// token passed as a query parameter (browsers can't set headers on the
// websocket handshake), performs the initial sync (the delta since
// last_known_revision, or a resync envelope on a gap), then streams live
// updates until the connection closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.Gate.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = claims.Subject
	}
	if !s.allow(clientID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	topics := strings.Split(r.URL.Query().Get("topics"), ",")
	lastKnown, _ := strconv.ParseInt(r.URL.Query().Get("last_known_revision"), 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	wsConnections.Inc()
	defer wsConnections.Dec()

	s.mu.Lock()
	s.clients[clientID] = wire.ClientRegistration{
		ClientID:    clientID,
		Topics:      topics,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
	}()

	if err := s.sendInitialSync(conn, topics, lastKnown); err != nil {
		log.Printf("api: initial sync for client %s failed: %v", clientID, err)
		return
	}

	ch, cancel := s.Hub.Subscribe(clientID, topics)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if pubsub.IsResyncSignal(env) {
				if err := conn.WriteJSON(env); err != nil {
					log.Printf("api: resync for client %s failed: %v", clientID, err)
					return
				}
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("api: write to client %s failed: %v", clientID, err)
				return
			}
			envelopesSent.WithLabelValues(env.Topic).Inc()
		}
	}
}

// sendInitialSync sends, per topic, the events after lastKnown, or a
// resync envelope when lastKnown has been compacted out of the log. It
// sends nothing when lastKnown is 0; the client then bootstraps over
// the bundle and data/config endpoints.
func (s *Server) sendInitialSync(conn *websocket.Conn, topics []string, lastKnown int64) error {
	for _, topic := range topics {
		if lastKnown == 0 {
			continue // no prior state: the bundle endpoint covers bootstrap for policy, data/config for data.
		}
		events, ok := s.Hub.EventsSince(topic, lastKnown)
		if !ok {
			// gap detected: tell the client to fetch a fresh snapshot itself.
			if err := conn.WriteJSON(&wire.Envelope{Type: wire.UpdateTypeResync, Topic: topic}); err != nil {
				return err
			}
			continue
		}
		for _, env := range events {
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) allow(clientID string) bool {
	if s.rateLimitPerSecond <= 0 {
		return true
	}
	v, _ := s.limiters.LoadOrStore(clientID, rate.NewLimiter(rate.Limit(s.rateLimitPerSecond), s.rateLimitPerSecond))
	return v.(*rate.Limiter).Allow()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Gate.Verify(bearerToken(r)); err != nil && !s.Gate.IsMasterToken(bearerToken(r)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if _, err := s.Gate.Verify(token); err != nil && !s.Gate.IsMasterToken(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}
