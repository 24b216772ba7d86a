// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPutPolicySendsExpectedRequest(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL, AuthType: "token", Token: "abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.PutPolicy(context.Background(), "rbac.rego", "package rbac"); err != nil {
		t.Fatalf("PutPolicy() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != "/v1/policies/rbac.rego" {
		t.Errorf("path = %q, want /v1/policies/rbac.rego", gotPath)
	}
	if gotAuth != "Bearer abc123" {
		t.Errorf("Authorization = %q, want Bearer abc123", gotAuth)
	}
}

func TestHealthcheckReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Healthcheck(context.Background(), ""); err == nil {
		t.Error("Healthcheck() should fail on a 503 response")
	}
}

func TestNewRejectsUnknownAuthType(t *testing.T) {
	if _, err := New(Config{URL: "http://x", AuthType: "ldap"}); err == nil {
		t.Error("New() should reject an unrecognized auth type")
	}
}
