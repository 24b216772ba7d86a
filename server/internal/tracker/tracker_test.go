// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package tracker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPollBundleDetectsChangeViaETag(t *testing.T) {
	etag := "v1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var seen []string
	tr := New(Config{Type: "bundle", BundleURL: srv.URL}, AlwaysLeader{}, func(old, newCommit string) {
		seen = append(seen, newCommit)
	})

	if err := tr.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if err := tr.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}

	if len(seen) != 1 || seen[0] != etag {
		t.Fatalf("onChange calls = %v, want exactly one call with %q", seen, etag)
	}
}

func TestHandleWebhookRejectsBadToken(t *testing.T) {
	tr := New(Config{Type: "bundle", WebhookScheme: "token", WebhookSecret: "s3cret"}, AlwaysLeader{}, func(string, string) {})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer wrong")
	if err := tr.HandleWebhook(context.Background(), headers, nil); err == nil {
		t.Error("HandleWebhook() should reject a mismatched bearer token")
	}
}

func TestHandleWebhookAcceptsGoodToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "v1")
	}))
	defer srv.Close()

	tr := New(Config{Type: "bundle", BundleURL: srv.URL, WebhookScheme: "token", WebhookSecret: "s3cret"}, AlwaysLeader{}, func(string, string) {})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer s3cret")
	if err := tr.HandleWebhook(context.Background(), headers, nil); err != nil {
		t.Errorf("HandleWebhook() error = %v", err)
	}
}

func TestHandleWebhookValidatesHMACSignature(t *testing.T) {
	if !validHMACSignature("secret", []byte("body"), hmacSigFor("secret", []byte("body"))) {
		t.Error("validHMACSignature() = false for a matching signature")
	}
	if validHMACSignature("secret", []byte("body"), "sha256=deadbeef") {
		t.Error("validHMACSignature() = true for a mismatched signature")
	}
}

func hmacSigFor(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewParsesBundlePollCron(t *testing.T) {
	tr := New(Config{Type: "bundle", BundleURL: "http://example.invalid", BundlePollCron: "*/5 * * * *"}, AlwaysLeader{}, func(string, string) {})
	if tr.schedule == nil {
		t.Fatal("schedule should be set for a valid BundlePollCron")
	}
}

func TestNewIgnoresInvalidBundlePollCron(t *testing.T) {
	tr := New(Config{Type: "bundle", BundleURL: "http://example.invalid", BundlePollCron: "not a cron expr"}, AlwaysLeader{}, func(string, string) {})
	if tr.schedule != nil {
		t.Fatal("schedule should stay nil for an invalid BundlePollCron, falling back to the ticker")
	}
}

func TestNewIgnoresBundlePollCronForGitSource(t *testing.T) {
	tr := New(Config{Type: "git", GitURL: "http://example.invalid", BundlePollCron: "*/5 * * * *"}, AlwaysLeader{}, func(string, string) {})
	if tr.schedule != nil {
		t.Fatal("BundlePollCron only applies to bundle sources")
	}
}

func TestHandleWebhookIgnoresUnrelatedBranch(t *testing.T) {
	polled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polled = true
		w.Header().Set("ETag", "v1")
	}))
	defer srv.Close()

	tr := New(Config{Type: "bundle", BundleURL: srv.URL, WebhookSecret: "s3cret", WebhookBranch: "main"}, AlwaysLeader{}, func(string, string) {})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer s3cret")
	body := []byte(`{"ref":"refs/heads/feature-x"}`)
	if err := tr.HandleWebhook(context.Background(), headers, body); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if polled {
		t.Error("HandleWebhook() polled the source for a push to an unrelated branch")
	}
}

func TestHandleWebhookAcceptsTrackedBranch(t *testing.T) {
	polled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polled = true
		w.Header().Set("ETag", "v1")
	}))
	defer srv.Close()

	tr := New(Config{Type: "bundle", BundleURL: srv.URL, WebhookSecret: "s3cret", WebhookBranch: "main"}, AlwaysLeader{}, func(string, string) {})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer s3cret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	if err := tr.HandleWebhook(context.Background(), headers, body); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if !polled {
		t.Error("HandleWebhook() should poll the source for a push to the tracked branch")
	}
}
