// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

/*
Package registry provides a thread-safe registry for managing governed
connectors.

# Overview

The Registry is the single lookup point between the gateway and the data
sources. It handles:

  - Connector registration and lifecycle management
  - Metadata listing for the list_connectors tool and the admin endpoint
  - Governance health snapshots per connector
  - Graceful teardown on shutdown

Connectors always enter the registry wrapped by the governed decorator, so
every operation dispatched through it carries breaker, concurrency, timeout
and retry handling.

# Registering Connectors

	conn, err := csvfile.New(cfg)
	if err != nil {
	    return err
	}
	err = reg.Register(ctx, governed.Wrap(conn, nil))

Register connects the connector; a failed Connect leaves the registry
unchanged.

# Using Connectors

	conn, err := reg.Get("sales-db")
	if err != nil {
	    return err
	}
	result, err := conn.ReadRecords(ctx, filter)

# Graceful Shutdown

	reg.DisconnectAll(ctx)

# Thread Safety

The Registry is safe for concurrent use. All methods use sync.RWMutex for
synchronization.
*/
package registry
