// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging for DataTrust components.

# Overview

Log entries are single-line JSON written to stderr. Stdout is reserved for
the stdio tool channel, so nothing in the server may log there.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, policy, registry, etc.)
  - Trace ID (for request correlation across the pipeline)
  - Decision ID (for joining log lines to policy decisions)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with trace context:

	log.Info(traceID, decisionID, "tool dispatched", map[string]any{
	    "tool":      "read_records",
	    "connector": "crm",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration(traceID, decisionID, "tool completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
