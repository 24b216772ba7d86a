// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package store implements the policy store adapter (C8): an HTTP
// client that applies policy and data changes to an external policy
// engine (e.g. OPA), supporting none/bearer/OAuth2-client-credentials
// authentication against the store itself.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/vutetech/opal/server/pkg/wire"
)

// Adapter applies policy and data changes to the policy engine, and
// answers healthcheck queries against it.
type Adapter struct {
	baseURL string
	client  *http.Client
	token   string
}

// Config configures the store adapter's connection and auth mode.
type Config struct {
	URL             string
	AuthType        string // "none" | "token" | "oauth2"
	Token           string
	OAuth2ClientID  string
	OAuth2Secret    string
	OAuth2TokenURL  string
	HealthcheckPath string
}

// New builds an Adapter from cfg, constructing an oauth2-wrapped HTTP
// client when AuthType is "oauth2".
func New(cfg Config) (*Adapter, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	token := ""

	switch cfg.AuthType {
	case "", "none":
	case "token":
		token = cfg.Token
	case "oauth2":
		ccCfg := clientcredentials.Config{
			ClientID:     cfg.OAuth2ClientID,
			ClientSecret: cfg.OAuth2Secret,
			TokenURL:     cfg.OAuth2TokenURL,
		}
		httpClient = ccCfg.Client(context.Background())
		httpClient.Timeout = 15 * time.Second
	default:
		return nil, fmt.Errorf("store: unknown auth type %q", cfg.AuthType)
	}

	return &Adapter{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  httpClient,
		token:   token,
	}, nil
}

// PutPolicy writes a rego module to the given path.
func (a *Adapter) PutPolicy(ctx context.Context, path, rego string) error {
	return a.do(ctx, http.MethodPut, "/v1/policies/"+strings.TrimPrefix(path, "/"), []byte(rego), "text/plain")
}

// DeletePolicy removes a rego module.
func (a *Adapter) DeletePolicy(ctx context.Context, path string) error {
	return a.do(ctx, http.MethodDelete, "/v1/policies/"+strings.TrimPrefix(path, "/"), nil, "")
}

// PutData replaces the document at path.
func (a *Adapter) PutData(ctx context.Context, path string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: marshal data failed: %w", err)
	}
	return a.do(ctx, http.MethodPut, "/v1/data/"+strings.TrimPrefix(path, "/"), body, "application/json")
}

// GetData reads the document at path, returning its raw JSON encoding.
// Used to export the full data tree for offline backup.
func (a *Adapter) GetData(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/data/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("store: build get-data request failed: %w", err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: get-data request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store: get-data returned status %d", resp.StatusCode)
	}

	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store: read get-data response failed: %w", err)
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Result == nil {
		// not every policy engine wraps the document in a "result" envelope.
		return json.RawMessage(raw), nil
	}
	return wrapper.Result, nil
}

// PutHealthcheck writes doc into the store at path, so a rego policy can
// reason over this client's own transaction health. Called after each
// applied bundle or data update.
func (a *Adapter) PutHealthcheck(ctx context.Context, path string, doc any) error {
	return a.PutData(ctx, path, doc)
}

// PatchData applies a JSON Patch document at path. If the path doesn't
// yet exist, it falls back to a PUT of an empty object first, matching
// the "create implicit parents" semantics most policy engines expect.
func (a *Adapter) PatchData(ctx context.Context, path string, patch []map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("store: marshal patch failed: %w", err)
	}
	err = a.do(ctx, http.MethodPatch, "/v1/data/"+strings.TrimPrefix(path, "/"), body, "application/json-patch+json")
	if err != nil && strings.Contains(err.Error(), "404") {
		if putErr := a.PutData(ctx, path, map[string]any{}); putErr != nil {
			return fmt.Errorf("store: implicit parent creation failed: %w", putErr)
		}
		return a.do(ctx, http.MethodPatch, "/v1/data/"+strings.TrimPrefix(path, "/"), body, "application/json-patch+json")
	}
	return err
}

// DeleteData removes the document at path.
func (a *Adapter) DeleteData(ctx context.Context, path string) error {
	return a.do(ctx, http.MethodDelete, "/v1/data/"+strings.TrimPrefix(path, "/"), nil, "")
}

// Healthcheck GETs path on the store's base URL ("/health" when path is
// empty) and reports an error unless the store answers 200.
func (a *Adapter) Healthcheck(ctx context.Context, path string) error {
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("store: build healthcheck request failed: %w", err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store: healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// ApplyDataUpdate writes an entire data update's directives to the
// store, taking each directive's data from fetched (keyed by directive
// URL); directives with no fetched data are skipped. It returns one
// error per failed write.
func (a *Adapter) ApplyDataUpdate(ctx context.Context, update *wire.DataUpdate, fetched map[string]any) []error {
	var errs []error
	for _, entry := range update.Entries {
		data, ok := fetched[entry.URL]
		if !ok {
			continue
		}
		var err error
		if entry.SaveMethod == "PATCH" {
			err = a.PatchData(ctx, entry.DstPath, []map[string]any{
				{"op": "replace", "path": "", "value": data},
			})
		} else {
			err = a.PutData(ctx, entry.DstPath, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("store: apply %s -> %s failed: %w", entry.URL, entry.DstPath, err))
		}
	}
	return errs
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, contentType string) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("store: build request failed: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("store: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}
