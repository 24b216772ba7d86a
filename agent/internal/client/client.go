// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package client wraps the OPAL server's HTTP and websocket surface for
// the agent side, replacing the teacher's gRPC policyclient with a
// plain HTTP client plus a gorilla/websocket connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/vutetech/opal/server/pkg/wire"
)

// Client talks to a single OPAL server.
type Client struct {
	baseURL string
	wsURL   string
	token   string
	http    *http.Client
}

// New builds a Client. wsURL may be "" to derive it from baseURL by
// swapping the scheme (http->ws, https->wss). insecureSkipVerify is
// accepted but not applied: both the HTTP client and the websocket
// dialer always verify the server's TLS certificate.
func New(baseURL, wsURL, token string, insecureSkipVerify bool) *Client {
	if wsURL == "" {
		wsURL = deriveWSURL(baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   strings.TrimRight(wsURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func deriveWSURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// FetchToken exchanges a master token for a fresh client JWT; rotation
// calls it again with the same master token.
func (c *Client) FetchToken(ctx context.Context, masterToken, clientID string) (string, error) {
	reqBody, err := json.Marshal(wire.TokenRequest{Type: "client", Peer: clientID})
	if err != nil {
		return "", fmt.Errorf("client: marshal token request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("client: build token request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+masterToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: token request returned status %d", resp.StatusCode)
	}

	var tokenResp wire.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("client: decode token response failed: %w", err)
	}
	c.token = tokenResp.Token
	return tokenResp.Token, nil
}

// FetchPolicyBundle fetches a policy bundle via GET /policy, scoped to
// dirs (nil/empty subscribes to everything) and, when baseHash is
// non-empty, relative to that previously-seen bundle hash (the server
// returns a delta, or falls back to a complete bundle if it no longer
// has baseHash on hand).
func (c *Client) FetchPolicyBundle(ctx context.Context, baseHash string, dirs []string) (*wire.Bundle, error) {
	u, err := url.Parse(c.baseURL + "/policy")
	if err != nil {
		return nil, fmt.Errorf("client: invalid policy url: %w", err)
	}
	q := u.Query()
	for _, d := range dirs {
		q.Add("path", d)
	}
	if baseHash != "" {
		q.Set("base_hash", baseHash)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: build policy request failed: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: policy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: policy request returned status %d", resp.StatusCode)
	}

	var bundle wire.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("client: decode policy bundle failed: %w", err)
	}
	return &bundle, nil
}

// FetchDataConfig fetches the bootstrap data-source configuration via
// GET /data/config.
func (c *Client) FetchDataConfig(ctx context.Context) (*wire.DataSourceConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/config", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build data config request failed: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: data config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: data config request returned status %d", resp.StatusCode)
	}

	var cfg wire.DataSourceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("client: decode data config failed: %w", err)
	}
	return &cfg, nil
}

// Healthcheck issues a lightweight GET /healthcheck against the server,
// used to distinguish "server unreachable" (offline-restore territory)
// from a normal reconnect backoff.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("client: build healthcheck request failed: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: server healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// PostCallback reports the outcome of an applied data update back to a
// single callback URL, using cfg to pick the HTTP method and headers
// (defaults to a plain POST). Failures are the caller's to log; they
// never affect the update's own transaction outcome.
func (c *Client) PostCallback(ctx context.Context, callbackURL string, cfg *wire.CallbackConfig, report any) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("client: marshal callback report failed: %w", err)
	}

	method := http.MethodPost
	var headers map[string]string
	if cfg != nil {
		if cfg.Method != "" {
			method = cfg.Method
		}
		headers = cfg.Headers
	}

	req, err := http.NewRequestWithContext(ctx, method, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build callback request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: callback request to %s failed: %w", callbackURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client: callback %s returned status %d", callbackURL, resp.StatusCode)
	}
	return nil
}

// TokenExpiry reports the expiry of the client's current token, read
// from the JWT's exp claim without verifying the signature (the agent
// doesn't hold the signing secret). It reports ok=false if there is no
// token or it isn't a JWT with an exp claim.
func (c *Client) TokenExpiry() (expiry time.Time, ok bool) {
	if c.token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Stream opens the websocket subscription and invokes onEnvelope for
// every message received. It blocks until ctx is cancelled or the
// connection errors out.
func (c *Client) Stream(ctx context.Context, clientID string, topics []string, lastKnownRevision int64, onEnvelope func(*wire.Envelope)) error {
	u, err := url.Parse(c.wsURL + "/ws")
	if err != nil {
		return fmt.Errorf("client: invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("topics", strings.Join(topics, ","))
	q.Set("last_known_revision", strconv.FormatInt(lastKnownRevision, 10))
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: websocket dial failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: websocket read failed: %w", err)
		}
		onEnvelope(&env)
	}
}
