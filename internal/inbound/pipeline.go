// Package inbound wires a plugin's inbound callback to the cloud relay
// client, per §4.7: forward, retry once on retryable failure, then drop.
package inbound

import (
	"context"
	"errors"

	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
	"github.com/myndhyve/relay-agent/internal/metrics"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

// Pipeline forwards one envelope at a time to the cloud; it never propagates
// an error back into the calling plugin.
type Pipeline struct {
	client  *relayclient.Client
	relayID string
	log     *logging.Logger
	metrics *metrics.Collector
}

func New(client *relayclient.Client, relayID string) *Pipeline {
	return &Pipeline{client: client, relayID: relayID, log: logging.New("Inbound")}
}

// SetMetrics attaches an optional local metrics collector; nil (the
// default) disables all instrumentation.
func (p *Pipeline) SetMetrics(c *metrics.Collector) { p.metrics = c }

// Handle is the callback passed to Plugin.Start. It swallows every error
// after logging — a plugin's own read loop must never be disrupted by a
// cloud-side failure.
func (p *Pipeline) Handle(ctx context.Context, env envelope.Ingress) {
	_, err := p.client.SendInbound(ctx, p.relayID, env)
	if err == nil {
		if p.metrics != nil {
			p.metrics.InboundForwarded.Inc()
		}
		return
	}

	if isRetryable(err) {
		_, err = p.client.SendInbound(ctx, p.relayID, env)
		if err == nil {
			if p.metrics != nil {
				p.metrics.InboundForwarded.Inc()
			}
			return
		}
		p.log.Warnf("inbound retry failed, dropping envelope", "channel", env.Channel, "platformMessageId", env.PlatformMessageID, "err", err)
		if p.metrics != nil {
			p.metrics.InboundDropped.Inc()
		}
		return
	}

	p.log.Warnf("inbound send rejected, dropping envelope", "channel", env.Channel, "platformMessageId", env.PlatformMessageID, "err", err)
	if p.metrics != nil {
		p.metrics.InboundDropped.Inc()
	}
}

func isRetryable(err error) bool {
	var apiErr *relayclient.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr *relayclient.NetworkError
	var timeoutErr *relayclient.TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &timeoutErr)
}
