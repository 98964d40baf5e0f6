// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/csvfile"
	"datatrust/platform/connectors/excel"
	"datatrust/platform/connectors/governed"
	"datatrust/platform/connectors/hubspot"
	"datatrust/platform/connectors/jsonfile"
	"datatrust/platform/connectors/mysql"
	"datatrust/platform/connectors/odoo"
	"datatrust/platform/connectors/postgres"
)

// BuildConnector turns one config entry into a governed connector, ready
// for registration.
func BuildConnector(e ConnectorEntry) (*governed.Connector, error) {
	inner, err := buildInner(e)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", e.ID, err)
	}
	return governed.Wrap(inner, governanceOptions(e.Governance)), nil
}

func governanceOptions(g *Governance) *governed.Options {
	if g == nil {
		return nil
	}
	return &governed.Options{
		MaxConcurrent:    g.MaxConcurrent,
		Timeout:          time.Duration(g.TimeoutSeconds) * time.Second,
		MaxRetries:       g.MaxRetries,
		BreakerThreshold: g.BreakerThreshold,
		BreakerOpenFor:   time.Duration(g.BreakerOpenSeconds) * time.Second,
	}
}

func buildInner(e ConnectorEntry) (base.Connector, error) {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	timeout := time.Duration(e.TimeoutSeconds) * time.Second

	switch e.Type {
	case "csv":
		return csvfile.New(csvfile.Config{
			ID:               e.ID,
			Name:             name,
			Path:             e.Path,
			Delimiter:        e.Delimiter,
			HasHeader:        boolOr(e.HasHeader, true),
			ReadOnly:         e.ReadOnly,
			KeyField:         e.KeyField,
			SanitizeFormulas: boolOr(e.SanitizeFormulas, true),
		})
	case "json":
		return jsonfile.New(jsonfile.Config{
			ID:          e.ID,
			Name:        name,
			Path:        e.Path,
			RecordsPath: e.RecordsPath,
			ReadOnly:    e.ReadOnly,
			KeyField:    e.KeyField,
		})
	case "excel":
		return excel.New(excel.Config{
			ID:        e.ID,
			Name:      name,
			Path:      e.Path,
			Sheet:     e.Sheet,
			HasHeader: boolOr(e.HasHeader, true),
			ReadOnly:  e.ReadOnly,
			KeyField:  e.KeyField,
		})
	case "postgresql":
		return postgres.New(postgres.Config{
			ID:       e.ID,
			Name:     name,
			Host:     e.Host,
			Port:     e.Port,
			Database: e.Database,
			User:     e.User,
			Password: e.Password,
			SSLMode:  e.SSLMode,
			Table:    e.Table,
			Schema:   e.Schema,
			ReadOnly: e.ReadOnly,
		})
	case "mysql":
		return mysql.New(mysql.Config{
			ID:       e.ID,
			Name:     name,
			Host:     e.Host,
			Port:     e.Port,
			Database: e.Database,
			User:     e.User,
			Password: e.Password,
			Table:    e.Table,
			ReadOnly: e.ReadOnly,
		})
	case "hubspot":
		return hubspot.New(hubspot.Config{
			ID:          e.ID,
			Name:        name,
			AccessToken: e.AccessToken,
			ObjectType:  e.ObjectType,
			BaseURL:     e.BaseURL,
			Timeout:     timeout,
			ReadOnly:    e.ReadOnly,
		})
	case "odoo":
		return odoo.New(odoo.Config{
			ID:       e.ID,
			Name:     name,
			BaseURL:  e.BaseURL,
			Database: e.Database,
			Username: e.Username,
			Password: e.Password,
			Model:    e.Model,
			Timeout:  timeout,
			ReadOnly: e.ReadOnly,
		})
	default:
		return nil, fmt.Errorf("unknown connector type %q", e.Type)
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
