// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"datatrust/platform/policy"
	"datatrust/platform/shared/logger"
)

// reloadDebounce absorbs the write/rename bursts editors and atomic
// replacers emit for a single save.
const reloadDebounce = 250 * time.Millisecond

// PolicyReloader hot-reloads the policy bundle when its file changes.
// A bundle that fails to parse leaves the running policy untouched.
type PolicyReloader struct {
	path   string
	engine *policy.Engine
	log    *logger.Logger
}

func NewPolicyReloader(path string, engine *policy.Engine) *PolicyReloader {
	return &PolicyReloader{path: path, engine: engine, log: logger.New("policy-reload")}
}

// Watch blocks until the context is canceled. The parent directory is
// watched, not the file: atomic renames replace the inode.
func (r *PolicyReloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			r.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.ErrorWithErr("", "", "policy watcher error", err, nil)
		}
	}
}

func (r *PolicyReloader) reload() {
	p, err := policy.LoadBundle(r.path)
	if err != nil {
		r.log.ErrorWithErr("", "", "policy bundle rejected, keeping previous version", err, map[string]any{
			"path": r.path,
		})
		return
	}
	previous := r.engine.Version()
	r.engine.Reload(p)
	r.log.Info("", "", "policy bundle reloaded", map[string]any{
		"path": r.path, "previous_version": previous, "version": p.Version,
	})
}
