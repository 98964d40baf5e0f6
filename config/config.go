// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the server configuration file. The
// file is YAML with ${NAME} / ${NAME:-default} environment substitution,
// so credentials stay out of the file itself.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"datatrust/platform/gateway"
)

// File is the root of the configuration document.
type File struct {
	Server     Server           `yaml:"server" validate:"required"`
	Connectors []ConnectorEntry `yaml:"connectors" validate:"dive"`
}

// Server configures the transport, policy, and storage directories.
type Server struct {
	Transport string             `yaml:"transport" validate:"omitempty,oneof=http stdio"`
	HTTP      gateway.HTTPConfig `yaml:"http"`

	PolicyBundle string `yaml:"policyBundle" validate:"required"`

	AuditDir           string `yaml:"auditDir"`
	AuditRetentionDays int    `yaml:"auditRetentionDays" validate:"gte=0"`
	SnapshotDir        string `yaml:"snapshotDir"`

	DecisionLog DecisionLog `yaml:"decisionLog"`
	Tools       Tools       `yaml:"tools"`
}

// DecisionLog configures the hash-chained policy decision sink.
type DecisionLog struct {
	Dir          string `yaml:"dir"`
	MaxFileBytes int64  `yaml:"maxFileBytes" validate:"gte=0"`
	RemoteURL    string `yaml:"remoteUrl" validate:"omitempty,url"`
	RemoteWaitMs int    `yaml:"remoteWaitMs" validate:"gte=0"`
}

// Tools tunes the dispatch pipeline.
type Tools struct {
	MaxConcurrent  int64 `yaml:"maxConcurrent" validate:"gte=0"`
	TimeoutSeconds int   `yaml:"timeoutSeconds" validate:"gte=0"`
}

// Governance overrides the per-connector pipeline defaults.
type Governance struct {
	MaxConcurrent      int64 `yaml:"maxConcurrent" validate:"gte=0"`
	TimeoutSeconds     int   `yaml:"timeoutSeconds" validate:"gte=0"`
	MaxRetries         int   `yaml:"maxRetries" validate:"gte=0"`
	BreakerThreshold   int   `yaml:"breakerThreshold" validate:"gte=0"`
	BreakerOpenSeconds int   `yaml:"breakerOpenSeconds" validate:"gte=0"`
}

// ConnectorEntry declares one data source. The type field decides which
// option fields apply; unknown combinations fail at build time, not here.
type ConnectorEntry struct {
	ID       string `yaml:"id" validate:"required"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type" validate:"required,oneof=csv json excel postgresql mysql hubspot odoo"`
	ReadOnly bool   `yaml:"readOnly"`

	// File connectors.
	Path             string `yaml:"path,omitempty"`
	Delimiter        string `yaml:"delimiter,omitempty"`
	HasHeader        *bool  `yaml:"hasHeader,omitempty"` // default true
	Sheet            string `yaml:"sheet,omitempty"`
	RecordsPath      string `yaml:"recordsPath,omitempty"`
	KeyField         string `yaml:"keyField,omitempty"`
	SanitizeFormulas *bool  `yaml:"sanitizeFormulas,omitempty"` // default true

	// SQL connectors.
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	Database string `yaml:"database,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslMode,omitempty"`
	Table    string `yaml:"table,omitempty"`
	Schema   string `yaml:"schema,omitempty"`

	// HubSpot.
	AccessToken string `yaml:"accessToken,omitempty"`
	ObjectType  string `yaml:"objectType,omitempty"`
	BaseURL     string `yaml:"baseUrl,omitempty"`

	// Odoo.
	Username string `yaml:"username,omitempty"`
	Model    string `yaml:"model,omitempty"`

	TimeoutSeconds int         `yaml:"timeoutSeconds,omitempty" validate:"gte=0"`
	Governance     *Governance `yaml:"governance,omitempty"`
}

// Load reads, substitutes, parses, and validates one config file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load without the file read; tests and embedders use it directly.
func Parse(raw []byte) (*File, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkUniqueIDs(f.Connectors); err != nil {
		return nil, err
	}
	applyDefaults(&f)
	return &f, nil
}

func checkUniqueIDs(entries []ConnectorEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("invalid config: duplicate connector id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func applyDefaults(f *File) {
	if f.Server.Transport == "" {
		f.Server.Transport = "stdio"
	}
	if f.Server.AuditDir == "" {
		f.Server.AuditDir = "data/audit"
	}
	if f.Server.SnapshotDir == "" {
		f.Server.SnapshotDir = "data/snapshots"
	}
	if f.Server.DecisionLog.Dir == "" {
		f.Server.DecisionLog.Dir = "data/decisions"
	}
}
