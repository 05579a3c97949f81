// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianSync/services/sync/acquire"
	"github.com/AleutianAI/AleutianSync/services/sync/api"
	"github.com/AleutianAI/AleutianSync/services/sync/authority"
	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/controller"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/identity"
	"github.com/AleutianAI/AleutianSync/services/sync/realtime"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/syncer"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// daemon owns every long-lived component of a running replica.
type daemon struct {
	cfg    Config
	logger *slog.Logger

	st         *store.Store
	engine     *engine.Engine
	controller *controller.Controller
	conflicts  *conflict.Store
	resolver   *conflict.Resolver
	pusher     *syncer.Pusher
	puller     *syncer.Puller
	consumer   *realtime.Consumer
	server     *http.Server
}

// newDaemon assembles the replica from cfg. Nothing starts running
// until run is called.
func newDaemon(cfg Config, logger *slog.Logger) (*daemon, error) {
	st, err := store.Open(store.DefaultConfig(expandHome(cfg.DataDir)), logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	idm := identity.NewManager(st, logger)
	if err := idm.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("restore identity: %w", err)
	}

	lockdown := guard.NewLockdown()
	g := guard.New(idm, lockdown, nil, nil)
	eng := engine.New(st, lockdown, metrics, logger)

	client := authority.New(authority.Config{
		BaseURL:   cfg.Authority.BaseURL,
		AuthToken: cfg.Authority.AuthToken,
		Timeout:   cfg.authorityTimeout(),
	}, logger)

	ctl := controller.New(eng, idm, g, lockdown,
		acquire.NewIdentity(client, logger),
		acquire.NewBulk(client, cfg.Sync.PullPageSize, logger),
		acquire.NewRealtime(st, logger),
		acquire.NewTargeted(client, logger),
		metrics, logger)

	det := conflict.NewDetector(st, eng, metrics, logger)
	cs := conflict.NewStore(st, eng, det, metrics, logger)

	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		st:         st,
		engine:     eng,
		controller: ctl,
		conflicts:  cs,
		resolver:   conflict.NewResolver(cs, time.Second, logger),
		pusher:     syncer.NewPusher(st, eng, client, g, metrics, logger),
		puller:     syncer.NewPuller(st, eng, client, g, idm, cfg.Sync.PullPageSize, metrics, logger),
	}
	if cfg.Realtime.Enabled {
		d.consumer = realtime.New(cfg.Realtime.URL, ctl.HandleRealtimeEvent, logger)
	}

	router := api.NewRouter(api.Deps{
		Controller: ctl,
		Conflicts:  cs,
		Pusher:     d.pusher,
		Puller:     d.puller,
		Store:      st,
		Lockdown:   lockdown,
		Registry:   registry,
		Logger:     logger,
	})
	d.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// run operates the replica until ctx is cancelled: serve the control
// surface, hydrate, then keep the background loops going.
func (d *daemon) run(ctx context.Context) error {
	// Wipe guarded memory (the authority bearer token) on the way out.
	defer memguard.Purge()

	d.resolver.Start(ctx)
	defer d.resolver.Stop()

	if d.consumer != nil {
		d.consumer.Start(ctx)
		defer d.consumer.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("control surface listening", "addr", d.cfg.Listen)
		if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Initial hydration runs in the background; the control surface
	// stays responsive (and can report FAILED) while gates execute.
	go func() {
		res := d.controller.FullHydration(ctx, false)
		if res.State == controller.StateFailed {
			d.logger.Error("initial hydration failed",
				"failed_gate", res.FailedGate, "error", res.Error)
		}
	}()

	go d.syncLoop(ctx)
	go d.sweepLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.logger.Error("control surface failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("control surface shutdown", "error", err)
	}
	return d.st.Close()
}

// syncLoop drives the periodic push and pull passes. Each pass does
// its own guard preflight, so offline or lockdown states simply skip.
func (d *daemon) syncLoop(ctx context.Context) {
	push := time.NewTicker(d.cfg.pushInterval())
	pull := time.NewTicker(d.cfg.pullInterval())
	defer push.Stop()
	defer pull.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-push.C:
			if res := d.pusher.Push(ctx); !res.Success {
				d.logger.Debug("push pass skipped", "errors", len(res.Errors))
			}
		case <-pull.C:
			if res := d.puller.Pull(ctx); !res.Success {
				d.logger.Debug("pull pass skipped", "errors", len(res.Errors))
			}
		}
	}
}

// sweepLoop hard-deletes tombstones the authority has acknowledged,
// once they age past the undo window.
func (d *daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepTombstones(ctx)
		}
	}
}

func (d *daemon) sweepTombstones(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.undoWindow())
	for _, kind := range []record.Kind{record.KindItem, record.KindCollection} {
		all, err := d.st.ListAll(ctx, kind)
		if err != nil {
			d.logger.Warn("tombstone sweep list failed", "kind", kind, "error", err)
			continue
		}
		var cids []string
		for _, r := range all {
			if r.Tombstoned.Bool() && r.State() == record.StateSynced {
				cids = append(cids, r.CID)
			}
		}
		if len(cids) == 0 {
			continue
		}
		removed, err := d.engine.HardDeleteSynced(ctx, kind, cids, cutoff)
		if err != nil {
			d.logger.Warn("tombstone sweep failed", "kind", kind, "error", err)
			continue
		}
		if removed > 0 {
			d.logger.Info("tombstone sweep", "kind", kind, "removed", removed)
		}
	}
}

// expandHome expands a leading ~ in paths from the config file.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
