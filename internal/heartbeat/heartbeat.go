// Package heartbeat implements the Heartbeat Loop (§4.9): periodic liveness
// writes that accept server-side cadence updates and classify a 401 as
// terminal for the loop (device revoked).
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/myndhyve/relay-agent/internal/logging"
	"github.com/myndhyve/relay-agent/internal/metrics"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

// ErrRevoked is returned by Run when the cloud reports the device token as
// no longer valid.
var ErrRevoked = errors.New("heartbeat: device revoked")

// Loop periodically reports liveness; its interval can be updated by the
// cloud's response without restarting the loop.
type Loop struct {
	client  *relayclient.Client
	relayID string
	version string
	log     *logging.Logger
	metrics *metrics.Collector

	started   time.Time
	firstDone chan struct{}
}

func New(client *relayclient.Client, relayID, version string) *Loop {
	return &Loop{
		client:    client,
		relayID:   relayID,
		version:   version,
		log:       logging.New("Heartbeat"),
		started:   time.Now(),
		firstDone: make(chan struct{}),
	}
}

// SetMetrics attaches an optional local metrics collector; nil (the
// default) disables all instrumentation.
func (l *Loop) SetMetrics(c *metrics.Collector) { l.metrics = c }

// FirstAttemptDone is closed once Run has sent its first heartbeat attempt
// (successful or not) — the other half of the starting -> running gate
// (§4.10), alongside a plugin's onReady callback.
func (l *Loop) FirstAttemptDone() <-chan struct{} { return l.firstDone }

// Run blocks until ctx is cancelled or the loop hits a terminal error
// (ErrRevoked). intervalSeconds is the starting cadence; it may be updated
// by each response's heartbeatIntervalSeconds. The first heartbeat fires
// immediately rather than waiting a full interval, so a fresh run's
// liveness is reported without delay.
func (l *Loop) Run(ctx context.Context, intervalSeconds int) error {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	interval := time.Duration(intervalSeconds) * time.Second

	if ctx.Err() != nil {
		close(l.firstDone)
		return nil
	}
	var err error
	interval, err = l.beat(ctx, interval)
	close(l.firstDone)
	if err != nil {
		return err
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			interval, err = l.beat(ctx, interval)
			if err != nil {
				return err
			}
			timer.Reset(interval)
		}
	}
}

// beat sends one heartbeat and returns the (possibly updated) interval to
// use for the next one. A non-revoked failure is logged and leaves interval
// unchanged so the loop retries on the same cadence.
func (l *Loop) beat(ctx context.Context, interval time.Duration) (time.Duration, error) {
	result, err := l.client.Heartbeat(ctx, l.relayID, l.snapshot())
	if l.metrics != nil {
		l.metrics.Heartbeats.Inc()
	}
	if err != nil {
		if errors.Is(err, relayclient.ErrDeviceRevoked) {
			return interval, ErrRevoked
		}
		l.log.Warnf("heartbeat failed, will retry on next tick", "err", err)
		return interval, nil
	}
	if result.HeartbeatIntervalSeconds > 0 {
		interval = time.Duration(result.HeartbeatIntervalSeconds) * time.Second
	}
	if result.HasPendingOutbound {
		l.log.Debugf("cloud reports pending outbound work")
	}
	return interval, nil
}

// snapshot builds the optional status payload from a gopsutil host/memory
// read; failures there are non-fatal — heartbeat proceeds without it.
func (l *Loop) snapshot() relayclient.HeartbeatSnapshot {
	snap := relayclient.HeartbeatSnapshot{
		Version:       l.version,
		UptimeSeconds: int64(time.Since(l.started).Seconds()),
	}
	if info, err := host.Info(); err == nil {
		if vm, err := mem.VirtualMemory(); err == nil {
			snap.PlatformStatus = fmt.Sprintf("%s/%s uptime=%ds memUsed=%.0f%%", info.Platform, info.KernelVersion, info.Uptime, vm.UsedPercent)
		} else {
			snap.PlatformStatus = fmt.Sprintf("%s/%s uptime=%ds", info.Platform, info.KernelVersion, info.Uptime)
		}
	}
	return snap
}
