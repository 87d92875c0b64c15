package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/config"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

type stubPlugin struct {
	startErr error
	tag      string
}

func (p *stubPlugin) Channel() string            { return p.tag }
func (p *stubPlugin) DisplayName() string        { return p.tag }
func (p *stubPlugin) IsSupported() (bool, string) { return true, "" }
func (p *stubPlugin) IsAuthenticated() bool       { return true }
func (p *stubPlugin) Login(ctx context.Context) error  { return nil }
func (p *stubPlugin) Logout(ctx context.Context) error { return nil }
func (p *stubPlugin) GetStatus() channel.ConnectionState { return channel.Connected }
func (p *stubPlugin) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	return envelope.DeliveryResult{Success: true}
}
func (p *stubPlugin) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	return p.startErr
}

func TestActivatePersistsConfigDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			json.NewEncoder(w).Encode(relayclient.RegisterResult{RelayID: "r1", ActivationCode: "AC1"})
		case "/activate":
			json.NewEncoder(w).Encode(relayclient.ActivateResult{DeviceToken: "dt1", HeartbeatIntervalSeconds: 45})
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}
	client := relayclient.New(srv.URL)
	registry := channel.NewRegistry()
	sup := New(store, client, registry, "0.1.0")

	if err := sup.Activate(context.Background(), "signal", "MyLaptop", "user-tok"); err != nil {
		t.Fatal(err)
	}
	if sup.State() != Idle {
		t.Fatalf("expected Idle after successful activation, got %v", sup.State())
	}

	doc := store.Load()
	if doc.RelayID != "r1" || doc.DeviceToken != "dt1" || doc.Channel != "signal" {
		t.Fatalf("unexpected persisted document: %+v", doc)
	}
	if doc.Heartbeat.IntervalSeconds != 45 {
		t.Fatalf("expected server-provided heartbeat interval to persist, got %d", doc.Heartbeat.IntervalSeconds)
	}
}

// blockingPlugin's Start only returns when its context is cancelled,
// modeling a healthy long-lived connection that must be torn down rather
// than one that ends on its own.
type blockingPlugin struct {
	tag string
}

func (p *blockingPlugin) Channel() string              { return p.tag }
func (p *blockingPlugin) DisplayName() string          { return p.tag }
func (p *blockingPlugin) IsSupported() (bool, string)   { return true, "" }
func (p *blockingPlugin) IsAuthenticated() bool         { return true }
func (p *blockingPlugin) Login(ctx context.Context) error  { return nil }
func (p *blockingPlugin) Logout(ctx context.Context) error { return nil }
func (p *blockingPlugin) GetStatus() channel.ConnectionState { return channel.Connected }
func (p *blockingPlugin) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	return envelope.DeliveryResult{Success: true}
}
func (p *blockingPlugin) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	if onReady != nil {
		onReady()
	}
	<-ctx.Done()
	return ctx.Err()
}

// TestRunOnceCancellationDrainsAllLoopsWithinDeadline covers cancellation
// liveness: once the parent context is cancelled, every loop (plugin,
// outbound, heartbeat) must observe cancellation and runOnce must return
// well within the drain deadline, not merely "eventually".
func TestRunOnceCancellationDrainsAllLoopsWithinDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}
	client := relayclient.New(srv.URL)
	client.SetDeviceToken("dt1")
	registry := channel.NewRegistry()
	sup := New(store, client, registry, "0.1.0")

	doc := config.Defaults()
	doc.RelayID = "r1"
	doc.Outbound.PollIntervalSeconds = 3600
	doc.Heartbeat.IntervalSeconds = 3600

	plugin := &blockingPlugin{tag: "signal"}

	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.runOnce(parent, plugin, doc) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if elapsed >= drainDeadline {
			t.Fatalf("expected cancellation to drain well before the deadline, took %v", elapsed)
		}
		if err == nil {
			t.Fatalf("expected the plugin's context.Canceled to surface as runOnce's result")
		}
	case <-time.After(drainDeadline + time.Second):
		t.Fatal("runOnce did not return within drainDeadline after cancellation")
	}
}

// delayedReadyPlugin only calls onReady once its gate channel is closed,
// modeling a plugin whose bind takes a while to complete.
type delayedReadyPlugin struct {
	tag  string
	gate chan struct{}
}

func (p *delayedReadyPlugin) Channel() string                { return p.tag }
func (p *delayedReadyPlugin) DisplayName() string            { return p.tag }
func (p *delayedReadyPlugin) IsSupported() (bool, string)     { return true, "" }
func (p *delayedReadyPlugin) IsAuthenticated() bool           { return true }
func (p *delayedReadyPlugin) Login(ctx context.Context) error  { return nil }
func (p *delayedReadyPlugin) Logout(ctx context.Context) error { return nil }
func (p *delayedReadyPlugin) GetStatus() channel.ConnectionState { return channel.Connected }
func (p *delayedReadyPlugin) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	return envelope.DeliveryResult{Success: true}
}
func (p *delayedReadyPlugin) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if onReady != nil {
		onReady()
	}
	<-ctx.Done()
	return ctx.Err()
}

// TestRunOnceStaysStartingUntilPluginBoundAndFirstHeartbeatSent covers the
// compound starting -> running gate spec.md §4.10 spells out explicitly:
// the state must not read Running until both the plugin has bound *and*
// the first heartbeat has been sent, even though both loops are launched
// immediately.
func TestRunOnceStaysStartingUntilPluginBoundAndFirstHeartbeatSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}
	client := relayclient.New(srv.URL)
	client.SetDeviceToken("dt1")
	registry := channel.NewRegistry()
	sup := New(store, client, registry, "0.1.0")

	doc := config.Defaults()
	doc.RelayID = "r1"
	doc.Outbound.PollIntervalSeconds = 3600
	doc.Heartbeat.IntervalSeconds = 3600

	plugin := &delayedReadyPlugin{tag: "signal", gate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.runOnce(ctx, plugin, doc) }()

	time.Sleep(30 * time.Millisecond)
	if sup.State() != Starting {
		t.Fatalf("expected Starting before the plugin binds, got %v", sup.State())
	}

	close(plugin.gate)
	deadline := time.After(time.Second)
	for sup.State() != Running {
		select {
		case <-deadline:
			t.Fatalf("expected state to reach Running once bound and the first heartbeat fired, stuck at %v", sup.State())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunOnceEndsAndDrainsWhenPluginStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}
	client := relayclient.New(srv.URL)
	client.SetDeviceToken("dt1")
	registry := channel.NewRegistry()
	sup := New(store, client, registry, "0.1.0")

	doc := config.Defaults()
	doc.RelayID = "r1"
	doc.Outbound.PollIntervalSeconds = 3600
	doc.Heartbeat.IntervalSeconds = 3600

	plugin := &stubPlugin{tag: "signal"}

	start := time.Now()
	err = sup.runOnce(context.Background(), plugin, doc)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected nil error from a clean plugin stop, got %v", err)
	}
	if elapsed >= drainDeadline {
		t.Fatalf("expected runOnce to return well before the drain deadline, took %v", elapsed)
	}
}
