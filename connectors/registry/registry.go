// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/governed"
	"datatrust/platform/shared/logger"
)

const disconnectTimeout = 5 * time.Second

// Info is the metadata row returned for listing and admin views.
type Info struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Type     string               `json:"type"`
	ReadOnly bool                 `json:"read_only"`
	State    base.ConnectionState `json:"state"`
}

// Registry manages all registered connectors.
// Thread-safe for concurrent access.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*governed.Connector
	log        *logger.Logger
}

// New creates an empty connector registry.
func New() *Registry {
	return &Registry{
		connectors: make(map[string]*governed.Connector),
		log:        logger.New("registry"),
	}
}

// Register connects the connector and adds it under its own id.
// Returns CONFIGURATION_ERROR if the id is already taken.
func (r *Registry) Register(ctx context.Context, conn *governed.Connector) error {
	id := conn.ID()

	r.mu.Lock()
	if _, exists := r.connectors[id]; exists {
		r.mu.Unlock()
		return base.NewError(base.ErrConfiguration, id,
			"a connector with this id is already registered",
			"connector ids must be unique across the configuration")
	}
	// Reserve the slot before connecting so a concurrent Register with the
	// same id fails fast instead of double-connecting.
	r.connectors[id] = conn
	r.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.connectors, id)
		r.mu.Unlock()
		r.log.ErrorWithErr("", "", "connector failed to connect", err, map[string]any{
			"connector": id, "type": conn.Type(),
		})
		return err
	}

	r.log.Info("", "", "connector registered", map[string]any{
		"connector": id, "type": conn.Type(), "read_only": conn.ReadOnly(),
	})
	return nil
}

// Unregister disconnects and removes a connector.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	conn, exists := r.connectors[id]
	if !exists {
		r.mu.Unlock()
		return base.NewError(base.ErrNotFound, id, "connector is not registered",
			"list connectors to see the registered ids")
	}
	delete(r.connectors, id)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		r.log.ErrorWithErr("", "", "error disconnecting connector", err, map[string]any{
			"connector": id,
		})
	}
	r.log.Info("", "", "connector unregistered", map[string]any{"connector": id})
	return nil
}

// Get retrieves a connector by id.
func (r *Registry) Get(id string) (*governed.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.connectors[id]
	if !exists {
		return nil, base.NewError(base.ErrNotFound, id, "connector is not registered",
			"use list_connectors to see the available ids")
	}
	return conn, nil
}

// List returns metadata for all registered connectors, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.connectors))
	for _, conn := range r.connectors {
		infos = append(infos, Info{
			ID:       conn.ID(),
			Name:     conn.Name(),
			Type:     conn.Type(),
			ReadOnly: conn.ReadOnly(),
			State:    conn.State(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// IDs returns the registered connector ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered connectors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}

// Health returns the governance health snapshot per connector id.
func (r *Registry) Health() map[string]governed.Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]governed.Health, len(r.connectors))
	for id, conn := range r.connectors {
		out[id] = conn.Health()
	}
	return out
}

// DisconnectAll disconnects every connector; used on graceful shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	conns := make(map[string]*governed.Connector, len(r.connectors))
	for id, conn := range r.connectors {
		conns[id] = conn
	}
	r.connectors = make(map[string]*governed.Connector)
	r.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			r.log.ErrorWithErr("", "", "error disconnecting connector", err, map[string]any{
				"connector": id,
			})
			continue
		}
		r.log.Info("", "", "connector disconnected", map[string]any{"connector": id})
	}
}
