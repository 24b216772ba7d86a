// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vutetech/opal/server/internal/api"
	"github.com/vutetech/opal/server/internal/authgate"
	"github.com/vutetech/opal/server/internal/broadcast"
	"github.com/vutetech/opal/server/internal/bundle"
	"github.com/vutetech/opal/server/internal/config"
	"github.com/vutetech/opal/server/internal/database"
	"github.com/vutetech/opal/server/internal/datarouter"
	"github.com/vutetech/opal/server/internal/pubsub"
	"github.com/vutetech/opal/server/internal/scope"
	"github.com/vutetech/opal/server/internal/tracker"
	"github.com/vutetech/opal/server/pkg/wire"
)

const (
	policyBackboneChannelSuffix = ":policy"
	dataBackboneChannelSuffix   = ":data"
	policyTopicPrefix           = "policy:"
	rootPolicyTopic             = policyTopicPrefix + "."
)

func main() {
	log.Println("OPAL Server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	backbone, err := broadcast.New(cfg.Broadcast.URI, cfg.Broadcast.KeepaliveInterval())
	if err != nil {
		log.Fatalf("Failed to build backbone broker adapter: %v", err)
	}
	defer backbone.Close()

	hub := pubsub.New()
	builder := bundle.New(cfg.Source.GitClonePath)

	policyChannel := cfg.Broadcast.Channel + policyBackboneChannelSuffix
	if err := backbone.Subscribe(context.Background(), policyChannel, func(msg broadcast.Message) {
		var bdl wire.Bundle
		if err := json.Unmarshal(msg.Payload, &bdl); err != nil {
			log.Printf("main: failed to decode policy update from backbone: %v", err)
			return
		}
		touched := bundle.TouchedDirs(&bdl)
		if len(touched) == 0 {
			touched = []string{"."}
		}
		for _, dir := range touched {
			topic := policyTopicFor(dir)
			hub.Publish(topic, &wire.Envelope{
				Type:   wire.UpdateTypePolicy,
				Topic:  topic,
				SentAt: time.Now(),
				Bundle: &bdl,
			})
		}
		// root subscribers always see every policy change regardless of
		// which subdirectory it touched.
		hub.Publish(rootPolicyTopic, &wire.Envelope{
			Type:   wire.UpdateTypePolicy,
			Topic:  rootPolicyTopic,
			SentAt: time.Now(),
			Bundle: &bdl,
		})
	}); err != nil {
		log.Fatalf("Failed to subscribe to policy backbone channel: %v", err)
	}

	elector := tracker.NewFileElector(cfg.Source.LeaderLockPath)

	var lastBundle *wire.Bundle
	onSourceChange := func(oldCommit, newCommit string) {
		log.Printf("tracker: policy source advanced %s -> %s", oldCommit, newCommit)

		var bdl *wire.Bundle
		var buildErr error
		if lastBundle != nil {
			bdl, buildErr = builder.BuildDelta(lastBundle, nil)
		} else {
			bdl, buildErr = builder.BuildComplete(nil)
		}
		if buildErr != nil {
			log.Printf("main: bundle build after source change failed: %v", buildErr)
			return
		}
		lastBundle = bdl

		payload, err := json.Marshal(bdl)
		if err != nil {
			log.Printf("main: bundle marshal failed: %v", err)
			return
		}
		if err := backbone.Publish(context.Background(), policyChannel, payload); err != nil {
			log.Printf("main: failed to publish bundle to backbone: %v", err)
		}
	}

	trk := tracker.New(tracker.Config{
		Type:             cfg.Source.Type,
		GitURL:           cfg.Source.GitURL,
		GitBranch:        cfg.Source.GitBranch,
		GitClonePath:     cfg.Source.GitClonePath,
		PollingInterval:  cfg.Source.PollingInterval,
		BundleURL:        cfg.Source.BundleURL,
		BundlePollPeriod: cfg.Source.BundlePollPeriod,
		BundlePollCron:   cfg.Source.BundlePollCron,
		WebhookSecret:    cfg.Source.WebhookSecret,
		WebhookScheme:    cfg.Source.WebhookScheme,
		WebhookBranch:    cfg.Source.WebhookBranch,
	}, elector, onSourceChange)

	router := datarouter.New(hub, backbone, cfg.Broadcast.Channel+dataBackboneChannelSuffix, cfg.DataSrc)

	// The scope manager is the only component that uses this database
	// connection (a postgres backbone dials its own broadcast URI), so the
	// connection is opened lazily: a single-instance, single-scope
	// deployment (the default) never dials a database at all.
	var scopes *scope.Store
	if cfg.Scopes.Enabled {
		db, err := database.New(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.EnsureScopesSchema(); err != nil {
			log.Fatalf("Failed to set up scope schema: %v", err)
		}

		scopes = scope.New(db.DB, cfg.Scopes.ShardCount)
		log.Println("Scope manager enabled")
	}

	gate := authgate.New(cfg.Auth.MasterToken, cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	keepalive := &broadcast.Keepalive{}

	srv := api.New(gate, hub, trk, builder, router, scopes, keepalive, cfg.PubSub.RateLimitPerSecond)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keepaliveInterval := cfg.Broadcast.KeepaliveInterval()
	if keepaliveInterval <= 0 {
		keepaliveInterval = time.Minute
	}
	keepalive.Start(ctx, backbone, keepaliveInterval)

	go func() {
		if err := trk.Run(ctx); err != nil {
			log.Printf("tracker stopped: %v", err)
		}
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Printf("HTTP listening on %s", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// policyTopicFor maps a touched repository directory to its pub/sub
// topic name. "." (the repository root) maps to rootPolicyTopic so it
// doesn't collide with a real top-level directory named "." — which
// can't occur, but keeps the prefix scheme unambiguous either way.
func policyTopicFor(dir string) string {
	if dir == "." {
		return rootPolicyTopic
	}
	return policyTopicPrefix + dir
}
