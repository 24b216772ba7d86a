// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vutetech/opal/agent/internal/client"
	"github.com/vutetech/opal/agent/internal/config"
	"github.com/vutetech/opal/agent/internal/fetch"
	"github.com/vutetech/opal/agent/internal/healthapi"
	"github.com/vutetech/opal/agent/internal/store"
	"github.com/vutetech/opal/agent/internal/sync"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("OPAL Agent starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Server: %s", cfg.Server.URL)
	log.Printf("Client ID: %s", cfg.Client.ClientID)

	c := client.New(cfg.Server.URL, cfg.Server.WSURL, cfg.Server.Token, cfg.Server.InsecureSkipVerify)

	registry := fetch.NewRegistry(&http.Client{})
	fetchEngine := fetch.New(registry, cfg.Fetch.WorkerCount, cfg.Fetch.QueueSize, cfg.Fetch.FetchTimeout, cfg.Fetch.RatePerSecond)

	policyStore, err := store.New(store.Config{
		URL:             cfg.Store.URL,
		AuthType:        cfg.Store.AuthType,
		Token:           cfg.Store.Token,
		OAuth2ClientID:  cfg.Store.OAuth2ClientID,
		OAuth2Secret:    cfg.Store.OAuth2Secret,
		OAuth2TokenURL:  cfg.Store.OAuth2TokenURL,
		HealthcheckPath: cfg.Store.HealthcheckPath,
	})
	if err != nil {
		log.Fatalf("Failed to build policy store adapter: %v", err)
	}

	engine := sync.New(sync.Config{
		ClientID:           cfg.Client.ClientID,
		Topics:             cfg.Client.Topics,
		PolicyDirs:         cfg.Client.PolicyDirs,
		BackupPath:         cfg.Backup.Path,
		BackupInterval:     cfg.Backup.Interval,
		OfflineMode:        cfg.Offline.Enabled,
		EnqueueTimeout:     cfg.Fetch.EnqueueTimeout,
		MasterToken:        cfg.Server.MasterToken,
		HealthcheckDocPath: cfg.Store.HealthcheckPath,
	}, c, fetchEngine, policyStore)

	healthSrv := healthapi.New(cfg.HTTP.Addr, engine, func() string { return string(engine.State()) }, cfg.Store.URL)
	httpServer := &http.Server{
		Addr:              healthSrv.Addr(),
		Handler:           healthSrv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health API server error: %v", err)
		}
	}()
	log.Printf("Health API listening on %s", cfg.HTTP.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %s, shutting down...", sig)
		cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		log.Fatalf("Sync engine stopped with error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Health API server shutdown error: %v", err)
	}

	log.Println("OPAL Agent stopped")
}
