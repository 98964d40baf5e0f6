// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package base defines the connector contract shared by every data source
// adapter: the Connector interface, the record envelope, schema and filter
// models, typed errors, and the security helpers used at ingestion points.
//
// The package is intentionally dependency-free; adapters, the governance
// wrapper, the registry, and the trust primitives all build on it.
package base
