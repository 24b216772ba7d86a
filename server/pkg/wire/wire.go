// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package wire defines the JSON types exchanged between the OPAL server
// and its clients over the pub/sub websocket and the bootstrap HTTP
// endpoints. Both server and agent modules import this package so the
// two sides never drift out of sync on field names.
package wire

import (
	"encoding/json"
	"time"
)

// PolicyModule is a single rego module as published in a bundle.
type PolicyModule struct {
	Path    string `json:"path"`
	Package string `json:"package,omitempty"` // the module's "package" declaration, e.g. "rbac.authz"
	Rego    string `json:"rego"`
	Hash    string `json:"hash"`
}

// DataModule is a single data.json file committed alongside policy,
// merged into the policy store's data tree at Path on bundle apply.
type DataModule struct {
	Path string          `json:"path"` // document path, e.g. "/static"
	Data json.RawMessage `json:"data"`
	Hash string          `json:"hash"`
}

// DataUpdateDirective tells a client how to fetch and where to place a
// piece of external data.
type DataUpdateDirective struct {
	URL        string            `json:"url"`
	Config     map[string]any    `json:"config,omitempty"`
	Topics     []string          `json:"topics"`
	DstPath    string            `json:"dst_path"`
	SaveMethod string            `json:"save_method,omitempty"` // "PUT" or "PATCH", default "PUT"
	Headers    map[string]string `json:"headers,omitempty"`
}

// Bundle is a complete or delta policy bundle as produced by the bundle
// builder and applied by the client sync engine.
type Bundle struct {
	OldHash       string                `json:"old_hash,omitempty"`
	NewHash       string                `json:"new_hash"`
	Manifest      []string              `json:"manifest"`
	PolicyModules []PolicyModule        `json:"policy_modules"`
	DataModules   []DataModule          `json:"data_modules,omitempty"`
	Deleted       []string              `json:"deleted_files,omitempty"`
	DeletedData   []string              `json:"deleted_data,omitempty"` // document paths, already in "/a/b" form
	DataUpdates   []DataUpdateDirective `json:"data_updates,omitempty"`
}

// UpdateType enumerates the kinds of events carried in an Envelope.
type UpdateType string

const (
	UpdateTypePolicy      UpdateType = "policy"
	UpdateTypeData        UpdateType = "data"
	UpdateTypeResync      UpdateType = "resync"
	UpdateTypeMetadataReq UpdateType = "metadata_request"
)

// Envelope is the message type carried over the pub/sub websocket
// connection, in both the initial-sync stream and the live watch stream.
type Envelope struct {
	Type       UpdateType  `json:"type"`
	Topic      string      `json:"topic"`
	Revision   int64       `json:"revision"`
	SentAt     time.Time   `json:"sent_at"`
	Bundle     *Bundle     `json:"bundle,omitempty"`
	DataUpdate *DataUpdate `json:"data_update,omitempty"`
	Complete   bool        `json:"snapshot_complete,omitempty"`
}

// DataUpdate carries a single topic-scoped external-data change,
// published by the data update router (C5) and consumed by the fetch
// engine (C7).
type DataUpdate struct {
	ID             string                `json:"id"`
	Reason         string                `json:"reason,omitempty"`
	Entries        []DataUpdateDirective `json:"entries"`
	Callbacks      []string              `json:"callbacks,omitempty"`
	CallbackConfig *CallbackConfig       `json:"callback_config,omitempty"`
}

// CallbackConfig controls how the client reports the outcome of an
// update back to its originating callback URLs.
type CallbackConfig struct {
	Method      string            `json:"method,omitempty"` // default "POST"
	Headers     map[string]string `json:"headers,omitempty"`
	IncludeData bool              `json:"include_data,omitempty"`
}

// DataSourceConfig is the JSON-encoded base configuration handed to
// clients at bootstrap via GET /data/config.
type DataSourceConfig struct {
	Entries []DataSourceEntry `json:"entries"`
}

// DataSourceEntry mirrors a single directive in the base data config.
type DataSourceEntry struct {
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
	Dst    string   `json:"dst_path"`
}

// Subscription describes what a single websocket connection wants to
// receive.
type Subscription struct {
	ClientID          string   `json:"client_id"`
	Topics            []string `json:"topics"`
	LastKnownRevision int64    `json:"last_known_revision"`
	ScopeID           string   `json:"scope_id,omitempty"`
}

// ClientRegistration is the payload the server records for every
// connected client, surfaced on GET /statistics.
type ClientRegistration struct {
	ClientID    string    `json:"client_id"`
	Topics      []string  `json:"topics"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr"`
}

// Transaction is a single applied-or-rejected change in the client's
// transaction log (C6), used to derive health/ready status. Kind
// distinguishes the two transaction families the health predicate (P7)
// reasons over; Detail is a free-form description (a path or URL) for
// display only.
type Transaction struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "policy" or "data"
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenRequest is the POST /token request body.
type TokenRequest struct {
	Type   string         `json:"type"` // "client" or "datasource"
	Peer   string         `json:"peer,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// TokenResponse is the POST /token response body.
type TokenResponse struct {
	Token string `json:"token"`
}
