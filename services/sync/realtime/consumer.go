// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime consumes the authority's push channel.
//
// The transport is a websocket delivering JSON events with the same
// payload shape as the REST endpoints, at-least-once and unordered
// across event types. The consumer's only job is to keep a connection
// alive and hand each decoded event to the controller; all sync
// semantics live behind that handler.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSync/services/sync/acquire"
)

const (
	// reconnectBase is the first reconnect delay; it doubles per
	// consecutive failure up to reconnectMax.
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	readTimeout = 90 * time.Second
)

// Handler receives each decoded event.
type Handler func(ctx context.Context, evt acquire.Event) error

// Consumer maintains the channel subscription.
//
// # Thread Safety
//
// Run is single-goroutine; Start/Stop manage it. The handler is
// invoked from the read loop, one event at a time.
type Consumer struct {
	url     string
	handler Handler
	logger  *slog.Logger

	// dial is replaceable in tests.
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a consumer for the channel at url (ws:// or wss://).
func New(url string, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		url:     url,
		handler: handler,
		logger:  logger.With(slog.String("component", "realtime")),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Start launches the consume loop until Stop or ctx cancellation.
func (c *Consumer) Start(ctx context.Context) {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(ctx)
	c.logger.Info("realtime consumer started", slog.String("url", c.url))
}

// Stop closes the loop and waits for it to exit.
func (c *Consumer) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.doneCh)

	delay := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial(ctx, c.url)
		if err != nil {
			c.logger.Warn("channel dial failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			if !c.sleep(ctx, delay) {
				return
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		delay = reconnectBase
		c.consume(ctx, conn)
		_ = conn.Close()
	}
}

// consume reads events until the connection breaks or the consumer
// stops.
func (c *Consumer) consume(ctx context.Context, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Unblock ReadMessage when stopping.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		case <-done:
			return
		}
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-c.stopCh:
			default:
				c.logger.Warn("channel read failed, reconnecting",
					slog.String("error", err.Error()))
			}
			return
		}

		var evt acquire.Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.logger.Warn("dropping undecodable channel message",
				slog.String("error", err.Error()))
			continue
		}
		if err := c.handler(ctx, evt); err != nil {
			// At-least-once delivery: the authority redelivers, and
			// the freshness rules make replays harmless.
			c.logger.Error("event handler failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}
