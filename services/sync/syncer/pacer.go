// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	// BaseDelay follows a fast, successful batch.
	BaseDelay = 250 * time.Millisecond

	// MaxDelay caps the exponential backoff after failures.
	MaxDelay = 8 * time.Second

	// SlowBatchThreshold marks a successful batch as slow; slow
	// batches raise the delay by half as adaptive throttling.
	SlowBatchThreshold = 2 * time.Second
)

// pacer spaces sync batches to protect the authority and local
// bandwidth. A token-bucket limiter enforces a hard floor under the
// adaptive delay so that even a stream of fast successes cannot hammer
// the authority.
//
// Not safe for concurrent use; each push/pull run owns its pacer.
type pacer struct {
	delay   time.Duration
	limiter *rate.Limiter

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer() *pacer {
	return &pacer{
		delay:   BaseDelay,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		sleep:   sleepCtx,
	}
}

// wait blocks for the current inter-batch delay.
func (p *pacer) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.sleep(ctx, p.delay)
}

// observe adjusts the delay from the last batch's outcome: failure
// doubles it up to the cap, a slow success raises it by half, a fast
// success resets it to base.
func (p *pacer) observe(elapsed time.Duration, failed bool) {
	switch {
	case failed:
		p.delay *= 2
		if p.delay > MaxDelay {
			p.delay = MaxDelay
		}
	case elapsed > SlowBatchThreshold:
		p.delay += p.delay / 2
		if p.delay > MaxDelay {
			p.delay = MaxDelay
		}
	default:
		p.delay = BaseDelay
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
