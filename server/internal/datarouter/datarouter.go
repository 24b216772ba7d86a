// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package datarouter implements the data update router (C5): datasource
// callers POST a topic-scoped data update, which gets republished to
// every subscribed client through the pub/sub hub (and, transitively,
// the backbone broker so every server replica's clients receive it).
package datarouter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vutetech/opal/server/pkg/wire"

	"github.com/vutetech/opal/server/internal/broadcast"
	"github.com/vutetech/opal/server/internal/pubsub"
)

// Router accepts data update requests and publishes them.
type Router struct {
	hub        *pubsub.Hub
	backbone   broadcast.Adapter
	channel    string
	baseConfig wire.DataSourceConfig
}

// New builds a Router that publishes through hub locally and
// republishes through backbone so sibling replicas' hubs stay in sync.
func New(hub *pubsub.Hub, backbone broadcast.Adapter, channel string, baseConfig wire.DataSourceConfig) *Router {
	r := &Router{hub: hub, backbone: backbone, channel: channel, baseConfig: baseConfig}
	_ = backbone.Subscribe(context.Background(), channel, r.onBackboneMessage)
	return r
}

// BaseConfig returns the bootstrap data-source configuration served at
// GET /data/config.
func (r *Router) BaseConfig() wire.DataSourceConfig {
	return r.baseConfig
}

// PublishUpdate republishes a data update to every subscriber of the
// update's topics, both locally and (via the backbone) on every other
// replica. It returns the id minted for the update so the caller can
// hand it back to whoever POSTed the update.
func (r *Router) PublishUpdate(ctx context.Context, reason string, entries []wire.DataUpdateDirective, callbacks []string, callbackConfig *wire.CallbackConfig) (string, error) {
	update := wire.DataUpdate{
		ID:             uuid.NewString(),
		Reason:         reason,
		Entries:        entries,
		Callbacks:      callbacks,
		CallbackConfig: callbackConfig,
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return "", fmt.Errorf("datarouter: marshal failed: %w", err)
	}

	if err := r.backbone.Publish(ctx, r.channel, payload); err != nil {
		return "", fmt.Errorf("datarouter: backbone publish failed: %w", err)
	}
	return update.ID, nil
}

func (r *Router) onBackboneMessage(msg broadcast.Message) {
	var update wire.DataUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		return
	}

	topics := topicsOf(update.Entries)
	sentAt := time.Now()
	for _, topic := range topics {
		r.hub.Publish(topic, &wire.Envelope{
			Type:       wire.UpdateTypeData,
			SentAt:     sentAt,
			DataUpdate: &update,
		})
	}
}

func topicsOf(entries []wire.DataUpdateDirective) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		for _, t := range e.Topics {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}
