// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the sync core's control surface over localhost
// HTTP: hydration, local mutations, conflict listing and resolution,
// sync triggers, status, and metrics. UI code and collaborating
// processes talk to the replica exclusively through these endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/controller"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/syncer"
)

// Deps are the collaborators behind the control surface.
type Deps struct {
	Controller *controller.Controller
	Conflicts  *conflict.Store
	Pusher     *syncer.Pusher
	Puller     *syncer.Puller
	Store      *store.Store
	Lockdown   *guard.Lockdown
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// NewRouter builds the gin engine with every control route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", handleHealth())
	r.GET("/status", handleStatus(d))
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	r.POST("/hydration/run", handleHydrate(d))
	r.POST("/records/:kind", handleIngest(d))
	r.POST("/records/:kind/:id/hydrate", handleHydrateOne(d))

	r.GET("/conflicts", handleListConflicts(d))
	r.POST("/conflicts/resolve", handleResolveAll(d))
	r.POST("/conflicts/:cid/resolve", handleResolveOne(d))
	r.POST("/conflicts/:cid/cancel", handleCancel(d))

	r.POST("/sync/push", handlePush(d))
	r.POST("/sync/pull", handlePull(d))
	return r
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStatus(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"hydration_state": d.Controller.State(),
			"lockdown":        d.Lockdown.Active(),
			"lockdown_reason": d.Lockdown.Reason(),
			"query_strategy":  d.Store.Strategy(),
		})
	}
}

type hydrateRequest struct {
	Force bool `json:"force"`
}

func handleHydrate(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req hydrateRequest
		if c.Request.ContentLength > 0 {
			if err := c.BindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		res := d.Controller.FullHydration(c.Request.Context(), req.Force)
		status := http.StatusOK
		if res.State == controller.StateFailed {
			status = http.StatusConflict
		}
		c.JSON(status, res)
	}
}

type ingestRequest struct {
	Records []*record.Record `json:"records"`
}

func handleIngest(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := record.Kind(c.Param("kind"))
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown record kind"})
			return
		}
		var req ingestRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(req.Records) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no records provided"})
			return
		}

		res, err := d.Controller.IngestLocalMutation(c.Request.Context(), kind, req.Records)
		if err != nil {
			writeGuardError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleHydrateOne(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := record.Kind(c.Param("kind"))
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown record kind"})
			return
		}
		found, err := d.Controller.HydrateSingleItem(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			writeGuardError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "found": found})
	}
}

func handleListConflicts(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conflicts, err := d.Conflicts.Conflicts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conflicts == nil {
			conflicts = []conflict.Conflict{}
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
	}
}

type resolveRequest struct {
	Kind   record.Kind     `json:"kind"`
	Choice conflict.Choice `json:"choice"`
}

func handleResolveAll(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		n, err := d.Conflicts.ResolveAll(c.Request.Context(), req.Choice)
		if err != nil {
			writeResolveError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": n, "window_seconds": conflict.DefaultWindow.Seconds()})
	}
}

func handleResolveOne(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if !req.Kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown record kind"})
			return
		}
		err := d.Conflicts.ResolveOne(c.Request.Context(), req.Kind, c.Param("cid"), req.Choice)
		if err != nil {
			writeResolveError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": true, "window_seconds": conflict.DefaultWindow.Seconds()})
	}
}

func handleCancel(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := d.Conflicts.Cancel(c.Request.Context(), c.Param("cid"))
		if errors.Is(err, conflict.ErrNoPending) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	}
}

func handlePush(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := d.Pusher.Push(c.Request.Context())
		c.JSON(syncStatus(res), res)
	}
}

func handlePull(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := d.Puller.Pull(c.Request.Context())
		c.JSON(syncStatus(res), res)
	}
}

func syncStatus(res syncer.Result) int {
	if res.Success {
		return http.StatusOK
	}
	return http.StatusConflict
}

func writeGuardError(c *gin.Context, err error) {
	switch {
	case guard.IsSecurityError(err) || errors.Is(err, engine.ErrGateClosed):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, guard.ErrNetworkUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conflict.ErrBadChoice), errors.Is(err, conflict.ErrNotConflicted):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
