// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller is the public API surface of the sync core.
//
// Every consumer-facing operation goes through the Controller: full
// hydration with its ordered gates, targeted single-record repair,
// realtime event handling, and local mutation ingestion. The
// controller owns the hydration state machine and the lockdown
// self-healing path; everything it commits flows through the engine.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/acquire"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/identity"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// GateState is the hydration state machine's position.
type GateState string

const (
	StateIdle            GateState = "IDLE"
	StateProfileGate     GateState = "PROFILE_GATE"
	StateCollectionsGate GateState = "COLLECTIONS_GATE"
	StateItemsGate       GateState = "ITEMS_GATE"
	StateComplete        GateState = "COMPLETE"
	StateFailed          GateState = "FAILED"
)

// HydrationResult reports one full-hydration run.
type HydrationResult struct {
	State GateState `json:"state"`

	// FailedGate names the gate that aborted the run, empty on success.
	FailedGate string `json:"failed_gate,omitempty"`

	// Committed counts records committed per gate.
	Committed map[string]int `json:"committed"`

	Error string `json:"error,omitempty"`
}

// Controller orchestrates the acquisition slices behind one surface.
//
// # Thread Safety
//
// Safe for concurrent use. Hydration runs are serialized by an
// internal mutex; concurrent FullHydration calls queue up.
type Controller struct {
	eng      *engine.Engine
	idm      *identity.Manager
	guard    *guard.Guard
	lockdown *guard.Lockdown
	profile  *acquire.Identity
	bulk     *acquire.Bulk
	realtime *acquire.Realtime
	targeted *acquire.Targeted
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	hydrateMu sync.Mutex

	stateMu sync.RWMutex
	state   GateState
}

// New creates the controller.
func New(eng *engine.Engine, idm *identity.Manager, g *guard.Guard, lockdown *guard.Lockdown,
	profile *acquire.Identity, bulk *acquire.Bulk, rt *acquire.Realtime, targeted *acquire.Targeted,
	metrics *telemetry.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Controller{
		eng:      eng,
		idm:      idm,
		guard:    g,
		lockdown: lockdown,
		profile:  profile,
		bulk:     bulk,
		realtime: rt,
		targeted: targeted,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "controller")),
		state:    StateIdle,
	}
}

// State returns the current hydration state.
func (c *Controller) State() GateState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(s GateState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// FullHydration runs the three ordered gates: Profile, then
// Collections, then Items. Each gate must fully succeed before the
// next starts; items reference collections by id, so committing items
// first would flag spurious orphans. force re-runs hydration even
// when a previous run completed.
//
// If the replica is in lockdown from an earlier failed profile gate,
// a fresh profile-only attempt is permitted as the escape hatch;
// success clears the lockdown before the normal sequence resumes.
func (c *Controller) FullHydration(ctx context.Context, force bool) HydrationResult {
	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()

	res := HydrationResult{Committed: map[string]int{}}
	if !force && c.State() == StateComplete {
		res.State = StateComplete
		return res
	}

	if c.lockdown.Active() {
		// Self-healing: only the profile gate may run under lockdown.
		c.logger.Warn("hydrating under lockdown, attempting profile escape hatch",
			slog.String("reason", c.lockdown.Reason()))
		if err := c.profileGate(ctx, &res); err != nil {
			return c.failGate(&res, StateProfileGate, err)
		}
		c.lockdown.Release()
		c.logger.Info("profile gate succeeded, lockdown released")
	} else {
		if err := c.profileGate(ctx, &res); err != nil {
			// A failed profile gate engages lockdown: no business data
			// moves until the identity is healthy again.
			c.lockdown.Engage("emergency profile hydration failed")
			return c.failGate(&res, StateProfileGate, err)
		}
	}

	if err := c.bulkGate(ctx, StateCollectionsGate, record.KindCollection, &res); err != nil {
		return c.failGate(&res, StateCollectionsGate, err)
	}
	if err := c.bulkGate(ctx, StateItemsGate, record.KindItem, &res); err != nil {
		return c.failGate(&res, StateItemsGate, err)
	}

	c.setState(StateComplete)
	res.State = StateComplete
	c.logger.Info("full hydration complete",
		slog.Int("collections", res.Committed[string(StateCollectionsGate)]),
		slog.Int("items", res.Committed[string(StateItemsGate)]))
	return res
}

func (c *Controller) failGate(res *HydrationResult, gate GateState, err error) HydrationResult {
	c.setState(StateFailed)
	res.State = StateFailed
	res.FailedGate = string(gate)
	res.Error = err.Error()
	c.logger.Error("hydration gate failed",
		slog.String("gate", string(gate)), slog.String("error", err.Error()))
	return *res
}

// profileGate fetches (or bootstraps) the profile and commits it.
func (c *Controller) profileGate(ctx context.Context, res *HydrationResult) error {
	c.setState(StateProfileGate)
	start := time.Now()

	if err := c.guard.Check(guard.ScopeProfileBootstrap); err != nil {
		c.observeGate(StateProfileGate, start, false)
		return fmt.Errorf("profile gate preflight: %w", err)
	}
	id := c.idm.Current()
	if id == nil {
		c.observeGate(StateProfileGate, start, false)
		return fmt.Errorf("profile gate: no active identity")
	}

	prof, bootstrapped, err := c.profile.FetchProfile(ctx, id.Owner)
	if err != nil {
		c.observeGate(StateProfileGate, start, false)
		return err
	}
	out, err := c.eng.Commit(ctx, record.KindProfile, []*record.Record{prof}, "hydration-profile")
	if err != nil {
		c.observeGate(StateProfileGate, start, false)
		return err
	}
	if bootstrapped {
		c.logger.Info("bootstrapped default profile for new identity",
			slog.String("owner", id.Owner))
	}
	if id.ProfileCID != prof.CID {
		updated := *id
		updated.ProfileCID = prof.CID
		if err := c.idm.Set(ctx, updated); err != nil {
			c.observeGate(StateProfileGate, start, false)
			return fmt.Errorf("adopt profile cid: %w", err)
		}
	}

	res.Committed[string(StateProfileGate)] = out.Count
	c.observeGate(StateProfileGate, start, true)
	return nil
}

// bulkGate runs the Collections or Items gate.
func (c *Controller) bulkGate(ctx context.Context, gate GateState, kind record.Kind, res *HydrationResult) error {
	c.setState(gate)
	start := time.Now()

	if err := c.guard.Check(guard.ScopeFull); err != nil {
		c.observeGate(gate, start, false)
		return fmt.Errorf("%s preflight: %w", gate, err)
	}
	id := c.idm.Current()
	if id == nil {
		// Sign-out can clear the identity between the guard preflight
		// and this read.
		c.observeGate(gate, start, false)
		return fmt.Errorf("%s: no active identity", gate)
	}

	records, err := c.bulk.FetchAll(ctx, kind, id.Owner)
	if err != nil {
		c.observeGate(gate, start, false)
		return err
	}
	out, err := c.eng.Commit(ctx, kind, records, "hydration-"+string(kind))
	if err != nil {
		c.observeGate(gate, start, false)
		return err
	}

	res.Committed[string(gate)] = out.Count
	c.observeGate(gate, start, true)
	return nil
}

func (c *Controller) observeGate(gate GateState, start time.Time, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.metrics.HydrationGateDuration.WithLabelValues(string(gate), outcome).
		Observe(time.Since(start).Seconds())
}

// HydrateSingleItem repairs one record just in time.
//
// # Outputs
//
//   - bool: false when the authority reported the record gone (a
//     ghost); the caller drops the stale reference silently.
//   - error: preflight, transport, or commit failure.
func (c *Controller) HydrateSingleItem(ctx context.Context, kind record.Kind, id string) (bool, error) {
	if err := c.guard.Check(guard.ScopeFull); err != nil {
		return false, err
	}
	r, found, err := c.targeted.FetchOne(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	_, err = c.eng.Commit(ctx, kind, []*record.Record{r}, "targeted")
	return err == nil, err
}

// HandleRealtimeEvent runs one inbound channel event through the
// realtime slice and commits it when the verdict says apply.
func (c *Controller) HandleRealtimeEvent(ctx context.Context, evt acquire.Event) error {
	v, err := c.realtime.Normalize(ctx, evt)
	if err != nil {
		c.metrics.RealtimeEventsTotal.WithLabelValues(string(evt.Type), "error").Inc()
		return err
	}
	c.metrics.RealtimeEventsTotal.WithLabelValues(string(evt.Type), v.Reason).Inc()
	if !v.Apply {
		return nil
	}
	_, err = c.eng.Commit(ctx, v.Record.Kind, []*record.Record{v.Record}, "realtime")
	return err
}

// IngestLocalMutation is the only entry point UI code may use to
// persist a user-driven change.
func (c *Controller) IngestLocalMutation(ctx context.Context, kind record.Kind, records []*record.Record) (engine.Result, error) {
	if err := c.guard.Check(guard.ScopeLocalWrite); err != nil {
		return engine.Result{}, err
	}
	return c.eng.Commit(ctx, kind, records, "local")
}

// IngestBatchMutation is IngestLocalMutation across entity types in
// one transaction, e.g. an item create plus its parent touch.
func (c *Controller) IngestBatchMutation(ctx context.Context, ops []engine.Operation) (engine.Result, error) {
	if err := c.guard.Check(guard.ScopeLocalWrite); err != nil {
		return engine.Result{}, err
	}
	return c.eng.CommitBatch(ctx, ops, "local-batch")
}
