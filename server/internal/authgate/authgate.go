// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package authgate mints and verifies the JWTs that authenticate clients
// and datasources against the server. Unlike the teacher's service, OPAL
// has no interactive user login: a single master token authorizes the
// holder to mint any peer token.
package authgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidMasterToken is returned when a caller presents a master
// token that doesn't match the configured one.
var ErrInvalidMasterToken = errors.New("authgate: invalid master token")

// PeerType distinguishes the two kinds of machine identity OPAL issues
// tokens for.
type PeerType string

const (
	PeerClient     PeerType = "client"
	PeerDataSource PeerType = "datasource"
)

// Claims is the custom claim set embedded in every minted token.
type Claims struct {
	jwt.RegisteredClaims
	PeerType PeerType       `json:"peer_type"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Gate mints and verifies tokens for a single server instance.
type Gate struct {
	masterToken string
	secret      []byte
	audience    string
	issuer      string
	ttl         time.Duration
}

// New builds a Gate from the configured master token, HMAC secret,
// audience/issuer, and default token lifetime.
func New(masterToken, secret, audience, issuer string, ttl time.Duration) *Gate {
	return &Gate{
		masterToken: masterToken,
		secret:      []byte(secret),
		audience:    audience,
		issuer:      issuer,
		ttl:         ttl,
	}
}

// Mint issues a signed JWT for the given peer type, provided the caller
// supplied the correct master token. peerID becomes the subject claim;
// extra is merged into the claim set verbatim (e.g. scope_id).
func (g *Gate) Mint(presentedMasterToken string, peerType PeerType, peerID string, extra map[string]any) (string, error) {
	if presentedMasterToken == "" || presentedMasterToken != g.masterToken {
		return "", ErrInvalidMasterToken
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			Audience:  jwt.ClaimStrings{g.audience},
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		PeerType: peerType,
		Extra:    extra,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("authgate: failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (g *Gate) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithAudience(g.audience), jwt.WithIssuer(g.issuer))
	if err != nil {
		return nil, fmt.Errorf("authgate: token invalid: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("authgate: token invalid")
	}
	return claims, nil
}

// IsMasterToken reports whether the presented token matches the
// configured master token, for endpoints that accept the master token
// directly as an alternative to a signed JWT.
func (g *Gate) IsMasterToken(presented string) bool {
	return presented != "" && presented == g.masterToken
}
