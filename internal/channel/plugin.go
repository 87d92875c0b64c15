// Package channel defines the plugin contract every platform adapter
// implements (§4.3) and the process-wide registry that maps a channel tag
// to its plugin instance.
package channel

import (
	"context"

	"github.com/myndhyve/relay-agent/internal/envelope"
)

// ConnectionState is the value a plugin reports from GetStatus.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// DisconnectReason classifies why a plugin's Start loop ended or needs to
// restart (§4.4, §7).
type DisconnectReason string

const (
	ReasonLoggedOut      DisconnectReason = "logged-out"
	ReasonReplaced       DisconnectReason = "replaced"
	ReasonConnectionLost DisconnectReason = "connection-lost"
	ReasonUnknown        DisconnectReason = "unknown"
)

// DisconnectError is returned by Start when it ends for a reason other than
// clean cancellation. LoggedOut is fatal (supervisor -> revoked); the other
// reasons are transient (supervisor retries with backoff).
type DisconnectError struct {
	Reason DisconnectReason
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// InboundFunc is the callback a plugin invokes once per received message,
// in the plugin's own emission order (§5: per-plugin FIFO).
type InboundFunc func(ctx context.Context, env envelope.Ingress)

// Plugin is the uniform capability set every platform adapter implements.
type Plugin interface {
	// Channel is the tag this plugin registers under (e.g. "whatsapp").
	Channel() string
	// DisplayName is a human-readable label for UX surfaces outside this
	// module's scope.
	DisplayName() string
	// IsSupported reports whether this plugin can run on the current host;
	// UnsupportedReason explains why not, when false.
	IsSupported() (ok bool, reason string)

	IsAuthenticated() bool
	Login(ctx context.Context) error

	// Start opens the live inbound pipeline and runs until ctx is
	// cancelled or a fatal/classified disconnect occurs. It must not
	// return early in any other circumstance. onReady, if non-nil, is
	// called exactly once, the moment the connection has bound
	// successfully (e.g. the bridge handshake completes, the daemon
	// reports healthy, the store opens) — before any inbound message is
	// delivered. A Start that returns before binding never calls it.
	Start(ctx context.Context, onInbound InboundFunc, onReady func()) error

	Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult
	GetStatus() ConnectionState
	Logout(ctx context.Context) error
}

// Registry is an in-memory map from channel tag to plugin instance;
// re-registration replaces the existing entry. It is not safe to mutate
// concurrently with lookups from multiple goroutines without external
// synchronization — in practice all registration happens once at startup
// before any loop begins.
type Registry struct {
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

func (r *Registry) Register(p Plugin) {
	r.plugins[p.Channel()] = p
}

func (r *Registry) Get(tag string) (Plugin, bool) {
	p, ok := r.plugins[tag]
	return p, ok
}

func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		tags = append(tags, t)
	}
	return tags
}
