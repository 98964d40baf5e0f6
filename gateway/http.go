// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"datatrust/platform/shared/logger"
)

const (
	defaultToolPath         = "/mcp"
	defaultMaxBodyBytes     = 5 << 20
	defaultBreakGlassHeader = "x-datatrust-break-glass"
)

// TLSConfig enables HTTPS and, optionally, required client certificates.
type TLSConfig struct {
	CertFile          string `yaml:"certFile,omitempty" json:"cert_file,omitempty"`
	KeyFile           string `yaml:"keyFile,omitempty" json:"key_file,omitempty"`
	ClientCAFile      string `yaml:"clientCaFile,omitempty" json:"client_ca_file,omitempty"`
	RequireClientCert bool   `yaml:"requireClientCert,omitempty" json:"require_client_cert,omitempty"`
}

// HTTPConfig tunes the HTTP transport.
type HTTPConfig struct {
	Addr           string          `yaml:"addr" json:"addr"`
	ToolPath       string          `yaml:"toolPath,omitempty" json:"tool_path,omitempty"`
	MaxBodyBytes   int64           `yaml:"maxBodyBytes,omitempty" json:"max_body_bytes,omitempty"`
	AllowedOrigins []string        `yaml:"allowedOrigins,omitempty" json:"allowed_origins,omitempty"`
	TLS            TLSConfig       `yaml:"tls,omitempty" json:"tls,omitempty"`
	Auth           AuthConfig      `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit      RateLimitConfig `yaml:"rateLimit,omitempty" json:"rate_limit,omitempty"`
}

// HTTPServer serves the tool surface plus metrics, health, and admin routes.
type HTTPServer struct {
	cfg        HTTPConfig
	dispatcher *Dispatcher
	auth       *authenticator
	limiter    *rateLimiter
	srv        *http.Server
	log        *logger.Logger
}

// NewHTTPServer wires routes and middleware but does not listen yet.
func NewHTTPServer(cfg HTTPConfig, d *Dispatcher) (*HTTPServer, error) {
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	if cfg.ToolPath == "" {
		cfg.ToolPath = defaultToolPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &HTTPServer{
		cfg:        cfg,
		dispatcher: d,
		auth:       auth,
		log:        logger.New("http"),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(cfg.RateLimit)
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.ToolPath, s.handleTool).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/admin/status", s.handleStatus).Methods(http.MethodGet)

	var handler http.Handler = r
	if len(cfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Traceparent", defaultBreakGlassHeader},
		}).Handler(r)
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	if s.cfg.TLS.CertFile != "" {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		s.srv.TLSConfig = tlsCfg
		s.log.Info("", "", "https transport listening", map[string]any{"addr": s.cfg.Addr})
		if err := s.srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile); err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	s.log.Info("", "", "http transport listening", map[string]any{"addr": s.cfg.Addr})
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *HTTPServer) Handler() http.Handler { return s.srv.Handler }

func (s *HTTPServer) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.TLS.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.TLS.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA file %q holds no certificates", s.cfg.TLS.ClientCAFile)
		}
		cfg.ClientCAs = pool
		if s.cfg.TLS.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return cfg, nil
}

func (s *HTTPServer) handleTool(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromHeader(r.Header.Get("Traceparent"))
	ctx := WithTraceID(r.Context(), traceID)

	if r.ContentLength > s.cfg.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, &Response{
			OK:      false,
			Error:   &ErrorBody{Kind: "VALIDATION_ERROR", Message: "request body exceeds the size limit"},
			TraceID: traceID,
		})
		return
	}

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Warn(traceID, "", "request rejected: authentication failed", map[string]any{
			"remote": r.RemoteAddr,
		})
		writeJSON(w, http.StatusUnauthorized, &Response{
			OK:      false,
			Error:   &ErrorBody{Kind: "UNAUTHENTICATED", Message: "authentication failed"},
			TraceID: traceID,
		})
		return
	}
	ctx = WithIdentity(ctx, identity)

	if s.limiter != nil {
		key := s.limiter.callerKey(r, identity)
		ok, remaining, reset := s.limiter.allow(key)
		setRateHeaders(w, s.limiter.limit, remaining, reset)
		if !ok {
			setRetryAfter(w, reset, time.Now())
			writeJSON(w, http.StatusTooManyRequests, &Response{
				OK:      false,
				Error:   &ErrorBody{Kind: "RATE_LIMITED", Message: "request rate limit exceeded"},
				TraceID: traceID,
			})
			return
		}
	}

	ctx = s.applyBreakGlass(ctx, r)

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, &Response{
			OK:      false,
			Error:   &ErrorBody{Kind: "VALIDATION_ERROR", Message: "request body exceeds the size limit"},
			TraceID: traceID,
		})
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{
			OK:      false,
			Error:   &ErrorBody{Kind: "VALIDATION_ERROR", Message: "request body is not valid JSON"},
			TraceID: traceID,
		})
		return
	}

	resp := s.dispatcher.Execute(ctx, &req)
	writeJSON(w, http.StatusOK, resp)
}

// applyBreakGlass marks the request when the break-glass header carries the
// configured secret. A wrong or absent secret silently leaves the flag off.
func (s *HTTPServer) applyBreakGlass(ctx context.Context, r *http.Request) context.Context {
	bg := s.dispatcher.policy.BreakGlass()
	if !bg.Enabled {
		return ctx
	}
	secret := bg.Secret()
	if secret == "" {
		return ctx
	}
	header := bg.Header
	if header == "" {
		header = defaultBreakGlassHeader
	}
	presented := r.Header.Get(header)
	if presented == "" {
		return ctx
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1 {
		return WithBreakGlass(ctx, true)
	}
	return ctx
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStatus reports the operational state of the gateway.
func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	reg := s.dispatcher.Registry()
	sink := s.dispatcher.DecisionSinkStatus()
	authMode := s.cfg.Auth.Mode
	if authMode == "" {
		authMode = "none"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors":         reg.List(),
		"health":             reg.Health(),
		"policy_version":     s.dispatcher.PolicyVersion(),
		"decision_sink":      sink,
		"auth_mode":          authMode,
		"break_glass":        s.dispatcher.policy.BreakGlass().Enabled,
		"rate_limit_enabled": s.limiter != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
