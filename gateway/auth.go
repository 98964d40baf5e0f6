// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"datatrust/platform/policy"
)

// AuthConfig selects how HTTP callers authenticate.
type AuthConfig struct {
	Mode        string    `yaml:"mode" json:"mode"` // none, bearer, jwt, bearer_or_jwt
	BearerToken string    `yaml:"bearerToken,omitempty" json:"-"`
	JWT         JWTConfig `yaml:"jwt,omitempty" json:"jwt,omitempty"`
}

// JWTConfig verifies HS256 or RS256 tokens.
type JWTConfig struct {
	Algorithm        string            `yaml:"algorithm,omitempty" json:"algorithm,omitempty"` // HS256, RS256
	HMACSecret       string            `yaml:"hmacSecret,omitempty" json:"-"`
	RSAPublicKeyPEM  string            `yaml:"rsaPublicKeyPem,omitempty" json:"-"`
	Issuer           string            `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience         string            `yaml:"audience,omitempty" json:"audience,omitempty"`
	ClockSkewSeconds int               `yaml:"clockSkewSeconds,omitempty" json:"clock_skew_seconds,omitempty"`
	RequiredClaims   map[string]string `yaml:"requiredClaims,omitempty" json:"required_claims,omitempty"`
	RolesClaim       string            `yaml:"rolesClaim,omitempty" json:"roles_claim,omitempty"`
	ScopesClaim      string            `yaml:"scopesClaim,omitempty" json:"scopes_claim,omitempty"`
	TenantClaim      string            `yaml:"tenantClaim,omitempty" json:"tenant_claim,omitempty"`
}

// authenticator turns an HTTP request into an identity.
type authenticator struct {
	cfg    AuthConfig
	rsaKey *rsa.PublicKey
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	a := &authenticator{cfg: cfg}
	switch cfg.Mode {
	case "", "none", "bearer", "jwt", "bearer_or_jwt":
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	if cfg.Mode == "bearer" || cfg.Mode == "bearer_or_jwt" {
		if cfg.BearerToken == "" {
			return nil, fmt.Errorf("auth mode %q requires a bearer token", cfg.Mode)
		}
	}
	if cfg.Mode == "jwt" || cfg.Mode == "bearer_or_jwt" {
		switch cfg.JWT.Algorithm {
		case "HS256":
			if cfg.JWT.HMACSecret == "" {
				return nil, fmt.Errorf("HS256 requires an HMAC secret")
			}
		case "RS256":
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWT.RSAPublicKeyPEM))
			if err != nil {
				return nil, fmt.Errorf("parse RSA public key: %w", err)
			}
			a.rsaKey = key
		default:
			return nil, fmt.Errorf("unsupported JWT algorithm %q", cfg.JWT.Algorithm)
		}
	}
	return a, nil
}

// Authenticate resolves the caller identity, or an error for a 401.
func (a *authenticator) Authenticate(r *http.Request) (policy.Identity, error) {
	if a.cfg.Mode == "" || a.cfg.Mode == "none" {
		return policy.Identity{Subject: "anonymous"}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return policy.Identity{}, fmt.Errorf("missing bearer credentials")
	}

	switch a.cfg.Mode {
	case "bearer":
		return a.checkBearer(raw)
	case "jwt":
		return a.checkJWT(raw)
	case "bearer_or_jwt":
		if id, err := a.checkBearer(raw); err == nil {
			return id, nil
		}
		return a.checkJWT(raw)
	}
	return policy.Identity{}, fmt.Errorf("unauthenticated")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (a *authenticator) checkBearer(raw string) (policy.Identity, error) {
	if subtle.ConstantTimeCompare([]byte(raw), []byte(a.cfg.BearerToken)) != 1 {
		return policy.Identity{}, fmt.Errorf("invalid bearer token")
	}
	return policy.Identity{Subject: "bearer"}, nil
}

func (a *authenticator) checkJWT(raw string) (policy.Identity, error) {
	cfg := a.cfg.JWT
	keyFunc := func(t *jwt.Token) (any, error) {
		if cfg.Algorithm == "RS256" {
			return a.rsaKey, nil
		}
		return []byte(cfg.HMACSecret), nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Duration(cfg.ClockSkewSeconds) * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	token, err := jwt.Parse(raw, keyFunc, opts...)
	if err != nil {
		return policy.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return policy.Identity{}, fmt.Errorf("unexpected claim shape")
	}

	for name, want := range cfg.RequiredClaims {
		got, ok := claims[name].(string)
		if !ok || got != want {
			return policy.Identity{}, fmt.Errorf("claim %q is missing or mismatched", name)
		}
	}

	id := policy.Identity{}
	if sub, ok := claims["sub"].(string); ok {
		id.Subject = sub
	}
	if cfg.TenantClaim != "" {
		if tenant, ok := claims[cfg.TenantClaim].(string); ok {
			id.Tenant = tenant
		}
	}
	id.Roles = stringClaim(claims, cfg.RolesClaim)
	id.Scopes = stringClaim(claims, cfg.ScopesClaim)
	return id, nil
}

// stringClaim accepts a JSON array of strings or a space-separated string,
// the two shapes identity providers actually emit.
func stringClaim(claims jwt.MapClaims, name string) []string {
	if name == "" {
		return nil
	}
	switch v := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
