// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vutetech/opal/server/internal/authgate"
	"github.com/vutetech/opal/server/internal/broadcast"
	"github.com/vutetech/opal/server/internal/bundle"
	"github.com/vutetech/opal/server/internal/datarouter"
	"github.com/vutetech/opal/server/internal/pubsub"
	"github.com/vutetech/opal/server/internal/tracker"
	"github.com/vutetech/opal/server/pkg/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gate := authgate.New("master-secret", "jwt-secret", "aud", "iss", time.Hour)
	hub := pubsub.New()
	trk := tracker.New(tracker.Config{Type: "bundle", BundleURL: "http://unused"}, tracker.AlwaysLeader{}, func(string, string) {})
	builder := bundle.New(t.TempDir())
	router := datarouter.New(hub, broadcast.NewLocal(), "data_updates", wire.DataSourceConfig{})
	return New(gate, hub, trk, builder, router, nil, &broadcast.Keepalive{}, 0)
}

func TestHandleHealthcheck(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestHandleTokenRequiresMasterToken(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(wire.TokenRequest{Type: "client", Peer: "agent-1"})

	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a wrong master token", rr.Code)
	}
}

func TestHandleTokenMintsOnValidMasterToken(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(wire.TokenRequest{Type: "client", Peer: "agent-1"})

	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer master-secret")
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp wire.TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a non-empty token")
	}

	claims, err := s.Gate.Verify(resp.Token)
	if err != nil {
		t.Fatalf("minted token failed to verify: %v", err)
	}
	if claims.PeerType != authgate.PeerClient {
		t.Errorf("PeerType = %q, want %q", claims.PeerType, authgate.PeerClient)
	}
}

func TestHandlePolicyReturnsBundle(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/policy", nil)
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var bdl wire.Bundle
	if err := json.Unmarshal(rr.Body.Bytes(), &bdl); err != nil {
		t.Fatalf("failed to decode bundle: %v", err)
	}
}

func TestScopesRouteDisabledWithoutScopeManager(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/scopes/", nil)
	req.Header.Set("Authorization", "Bearer master-secret")
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 when the scope manager is nil", rr.Code)
	}
}
