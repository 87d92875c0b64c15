// Package backoff implements the capped exponential delay with bounded
// jitter shared by every reconnect and retry path in the agent (§4.11).
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy holds the bounds for Delay; attempt numbers start at 0.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns min(initial*2^attempt, max) plus uniform jitter in
// [0, 25%] of the capped value, satisfying
// min(initial*2^attempt, max) <= Delay(attempt) <= min(initial*2^attempt, max)*1.25.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 || p.Max < p.Initial {
		p.Max = p.Initial
	}
	if attempt < 0 {
		attempt = 0
	}
	capped := p.Max
	// Avoid overflowing time.Duration (int64) by bailing out to the cap as
	// soon as doubling would exceed it.
	scaled := p.Initial
	for i := 0; i < attempt; i++ {
		if scaled > p.Max {
			break
		}
		if scaled > p.Max/2 {
			scaled = p.Max + 1
			break
		}
		scaled *= 2
	}
	if scaled <= p.Max {
		capped = scaled
	}
	jitter := time.Duration(rand.Int63n(int64(capped)/4 + 1))
	return capped + jitter
}

// Outcome distinguishes a sleep that ran to completion from one cut short
// by cancellation.
type Outcome int

const (
	Completed Outcome = iota
	Aborted
)

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) Outcome {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return Aborted
		default:
			return Completed
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return Completed
	case <-ctx.Done():
		return Aborted
	}
}
