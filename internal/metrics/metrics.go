// Package metrics exposes an optional, off-by-default Prometheus registry
// and loopback HTTP endpoint for local operational visibility — not part of
// the relay protocol, purely diagnostic.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/myndhyve/relay-agent/internal/logging"
)

// Collector holds the agent's local counters. New registers them on a
// private registry; nothing is exposed until Serve is called.
type Collector struct {
	InboundForwarded prometheus.Counter
	InboundDropped   prometheus.Counter
	OutboundDispatched prometheus.Counter
	OutboundAcked    prometheus.Counter
	Reconnects       prometheus.Counter
	Heartbeats       prometheus.Counter

	registry *prometheus.Registry
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		InboundForwarded:   prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_inbound_forwarded_total", Help: "Envelopes forwarded to the cloud."}),
		InboundDropped:     prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_inbound_dropped_total", Help: "Envelopes dropped after failed delivery."}),
		OutboundDispatched: prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_outbound_dispatched_total", Help: "Outbound messages handed to a plugin for delivery."}),
		OutboundAcked:      prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_outbound_acked_total", Help: "Outbound delivery acknowledgments sent."}),
		Reconnects:         prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_reconnects_total", Help: "Plugin reconnect attempts."}),
		Heartbeats:         prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_heartbeats_total", Help: "Heartbeat calls made."}),
	}
	reg.MustRegister(c.InboundForwarded, c.InboundDropped, c.OutboundDispatched, c.OutboundAcked, c.Reconnects, c.Heartbeats)
	return c
}

// Serve starts the loopback-only metrics endpoint and blocks until ctx is
// cancelled. Callers that don't want metrics simply never call this.
func (c *Collector) Serve(ctx context.Context, port int) error {
	log := logging.New("Metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.Infof("metrics endpoint listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
