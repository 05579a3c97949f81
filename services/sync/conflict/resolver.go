// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"context"
	"log/slog"
	"time"
)

// DefaultResolverTick is the cadence of the deferred-resolution timer.
const DefaultResolverTick = time.Second

// Resolver drives the deferred-resolution queue.
//
// # Description
//
// A single periodic ticker polls the durable queue and executes any
// resolution whose expiry has elapsed. Because the queue is durable,
// starting the resolver after a restart replays choices made before
// the crash.
//
// # Thread Safety
//
// Start and Stop must be called from the same goroutine. The tick
// body is safe against concurrent queue mutations.
type Resolver struct {
	store  *Store
	tick   time.Duration
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewResolver creates the resolver. tick <= 0 selects the default.
func NewResolver(store *Store, tick time.Duration, logger *slog.Logger) *Resolver {
	if tick <= 0 {
		tick = DefaultResolverTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		tick:   tick,
		logger: logger.With(slog.String("component", "conflict-resolver")),
	}
}

// Start launches the ticker goroutine.
func (r *Resolver) Start(ctx context.Context) {
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := r.store.ExecuteDue(ctx)
				if err != nil {
					r.logger.Error("resolver tick failed",
						slog.String("error", err.Error()))
				} else if n > 0 {
					r.logger.Debug("resolver executed due resolutions",
						slog.Int("count", n))
				}
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Info("conflict resolver started",
		slog.Duration("tick", r.tick))
}

// Stop halts the ticker and waits for the in-flight tick to finish.
func (r *Resolver) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil
}
