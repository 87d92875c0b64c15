// Package supervisor implements the state machine and concurrency owner
// (§4.10, §5): it boots the active plugin, serializes start/stop
// transitions, handles classified disconnects, and coordinates cancellation
// across the inbound, outbound, and heartbeat loops. Shutdown sequencing —
// cancel, then wait for all loops with a bounded drain deadline — is
// grounded on the teacher's Server.Shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/myndhyve/relay-agent/internal/backoff"
	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/config"
	"github.com/myndhyve/relay-agent/internal/heartbeat"
	"github.com/myndhyve/relay-agent/internal/inbound"
	"github.com/myndhyve/relay-agent/internal/logging"
	"github.com/myndhyve/relay-agent/internal/metrics"
	"github.com/myndhyve/relay-agent/internal/outbound"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

// State is one node of the lifecycle state machine (§4.10).
type State int

const (
	Unconfigured State = iota
	Activating
	Idle
	Starting
	Running
	Draining
	Stopped
	Revoked
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Activating:
		return "activating"
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

const drainDeadline = 5 * time.Second

// Supervisor owns the single active plugin and the three loops that depend
// on it for the lifetime of one run.
type Supervisor struct {
	store    *config.Store
	client   *relayclient.Client
	registry *channel.Registry
	version  string
	log      *logging.Logger

	mu      sync.Mutex
	state   State
	metrics *metrics.Collector
}

func New(store *config.Store, client *relayclient.Client, registry *channel.Registry, version string) *Supervisor {
	return &Supervisor{store: store, client: client, registry: registry, version: version, log: logging.New("Supervisor"), state: Unconfigured}
}

// SetMetrics attaches an optional local metrics collector, propagated to
// every loop this supervisor constructs.
func (s *Supervisor) SetMetrics(c *metrics.Collector) { s.metrics = c }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Infof("state transition", "from", prev, "to", st)
}

// Activate registers and activates a device for the given channel, then
// persists relayId/deviceToken/channel atomically (§4.1, §4.10).
func (s *Supervisor) Activate(ctx context.Context, channelTag, label, userIdentityToken string) error {
	s.setState(Activating)

	reg, err := s.client.Register(ctx, channelTag, label, userIdentityToken)
	if err != nil {
		s.setState(Unconfigured)
		return fmt.Errorf("supervisor: register: %w", err)
	}

	act, err := s.client.Activate(ctx, reg.RelayID, reg.ActivationCode, s.version, relayclient.DeviceMetadata{OS: runtime.GOOS})
	if err != nil {
		s.setState(Unconfigured)
		return fmt.Errorf("supervisor: activate: %w", err)
	}

	s.client.SetDeviceToken(act.DeviceToken)

	doc := s.store.Load()
	doc.Channel = channelTag
	doc.RelayID = reg.RelayID
	doc.DeviceToken = act.DeviceToken
	if act.HeartbeatIntervalSeconds > 0 {
		doc.Heartbeat.IntervalSeconds = act.HeartbeatIntervalSeconds
	}
	if act.OutboundPollIntervalSeconds > 0 {
		doc.Outbound.PollIntervalSeconds = act.OutboundPollIntervalSeconds
	}
	if err := s.store.Save(doc); err != nil {
		s.setState(Unconfigured)
		return fmt.Errorf("supervisor: persist activation: %w", err)
	}

	s.setState(Idle)
	return nil
}

// Run loads the persisted configuration and, if activated, drives the
// starting -> running -> (draining -> stopped | revoked) lifecycle until
// ctx is cancelled or the channel is revoked.
func (s *Supervisor) Run(ctx context.Context) error {
	doc := s.store.Load()
	if !doc.IsActivated() {
		s.setState(Unconfigured)
		return fmt.Errorf("supervisor: not activated, run activation first")
	}
	s.client.SetDeviceToken(doc.DeviceToken)

	plugin, ok := s.registry.Get(doc.Channel)
	if !ok {
		return fmt.Errorf("supervisor: no plugin registered for channel %q", doc.Channel)
	}

	s.setState(Idle)

	reconnectPolicy := backoff.Policy{
		Initial: time.Duration(doc.Reconnect.InitialDelayMs) * time.Millisecond,
		Max:     time.Duration(doc.Reconnect.MaxDelayMs) * time.Millisecond,
	}
	attempt := 0

	for {
		err := s.runOnce(ctx, plugin, doc)

		if ctx.Err() != nil {
			s.setState(Stopped)
			return nil
		}

		var discErr *channel.DisconnectError
		if errors.As(err, &discErr) && discErr.Reason == channel.ReasonLoggedOut {
			s.setState(Revoked)
			return fmt.Errorf("supervisor: channel logged out: %w", err)
		}
		if errors.Is(err, heartbeat.ErrRevoked) {
			s.setState(Revoked)
			return fmt.Errorf("supervisor: device revoked by cloud: %w", err)
		}

		if doc.Reconnect.MaxAttempts > 0 && attempt >= doc.Reconnect.MaxAttempts {
			s.setState(Stopped)
			return fmt.Errorf("supervisor: exhausted %d reconnect attempts: %w", doc.Reconnect.MaxAttempts, err)
		}

		delay := reconnectPolicy.Delay(attempt)
		attempt++
		if s.metrics != nil {
			s.metrics.Reconnects.Inc()
		}
		s.log.Warnf("plugin run ended, reconnecting with backoff", "err", err, "attempt", attempt, "delay", delay)
		if backoff.Sleep(ctx, delay) == backoff.Aborted {
			s.setState(Stopped)
			return nil
		}
	}
}

// runOnce enters Starting, starts the plugin and its three dependent loops,
// and returns when any one of them ends — draining the rest within the
// drain deadline. The result is that first loop's error; if it was nil, it
// is the first non-nil error among the loops that exited while draining.
func (s *Supervisor) runOnce(parent context.Context, plugin channel.Plugin, doc config.Document) error {
	s.setState(Starting)
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	pipeline := inbound.New(s.client, doc.RelayID)
	dispatcher := outbound.New(s.client, doc.RelayID,
		time.Duration(doc.Outbound.PollIntervalSeconds)*time.Second, doc.Outbound.MaxPerPoll)
	hb := heartbeat.New(s.client, doc.RelayID, s.version)
	if s.metrics != nil {
		pipeline.SetMetrics(s.metrics)
		dispatcher.SetMetrics(s.metrics)
		hb.SetMetrics(s.metrics)
	}

	errs := make(chan error, 4)
	var wg sync.WaitGroup

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn()
			if err != nil {
				s.log.Warnf("loop ended", "loop", name, "err", err)
			}
			errs <- err
		}()
	}

	var readyOnce sync.Once
	pluginReady := make(chan struct{})
	onReady := func() { readyOnce.Do(func() { close(pluginReady) }) }

	run("plugin", func() error { return plugin.Start(runCtx, pipeline.Handle, onReady) })
	run("outbound", func() error { dispatcher.Run(runCtx, plugin); return nil })
	run("heartbeat", func() error { return hb.Run(runCtx, doc.Heartbeat.IntervalSeconds) })

	// starting -> running only once the plugin has bound successfully *and*
	// the first heartbeat has been sent (§4.10). If any loop ends first,
	// skip straight to draining with that result instead of waiting forever.
	bothReady := make(chan struct{})
	go func() {
		select {
		case <-pluginReady:
		case <-runCtx.Done():
			return
		}
		select {
		case <-hb.FirstAttemptDone():
			close(bothReady)
		case <-runCtx.Done():
		}
	}()

	var first error
	select {
	case <-bothReady:
		s.setState(Running)
		first = <-errs
	case first = <-errs:
	}
	s.setState(Draining)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		s.log.Warnf("drain deadline exceeded, some loops may not have exited cleanly")
	}

	for first == nil {
		select {
		case err := <-errs:
			first = err
			continue
		default:
		}
		break
	}
	return first
}
