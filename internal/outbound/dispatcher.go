// Package outbound implements the Outbound Poller & Dispatcher (§4.8):
// long-interval poll, bounded-concurrency per-message dispatch, and
// acknowledgment with bounded retry. The concurrency gate is grounded on
// the teacher's WorkerPool (bounded queue, backpressure instead of
// unbounded goroutines), simplified to a per-poll semaphore since a batch's
// degree is fixed by configuration rather than a long-lived pool.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/myndhyve/relay-agent/internal/backoff"
	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
	"github.com/myndhyve/relay-agent/internal/metrics"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

const (
	deliverDeadline = 60 * time.Second
	ackMaxAttempts  = 3
	ackRetryDelay   = 500 * time.Millisecond
)

// Dispatcher owns the poll/dispatch/ack loop for one active plugin.
type Dispatcher struct {
	client  *relayclient.Client
	relayID string
	log     *logging.Logger

	pollInterval time.Duration
	maxPerPoll   int

	mu       sync.Mutex
	ackedIDs map[string]bool

	metrics *metrics.Collector
}

// SetMetrics attaches an optional local metrics collector; nil (the
// default) disables all instrumentation.
func (d *Dispatcher) SetMetrics(c *metrics.Collector) { d.metrics = c }

func New(client *relayclient.Client, relayID string, pollInterval time.Duration, maxPerPoll int) *Dispatcher {
	if maxPerPoll < 1 {
		maxPerPoll = 1
	}
	return &Dispatcher{
		client:       client,
		relayID:      relayID,
		log:          logging.New("Outbound"),
		pollInterval: pollInterval,
		maxPerPoll:   maxPerPoll,
		ackedIDs:     make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, polling and dispatching against the
// currently active plugin.
func (d *Dispatcher) Run(ctx context.Context, plugin channel.Plugin) {
	pollBackoff := backoff.Policy{Initial: time.Second, Max: 30 * time.Second}
	failedPolls := 0

	for {
		if backoff.Sleep(ctx, d.pollInterval) == backoff.Aborted {
			return
		}

		messages, err := d.client.PollOutbound(ctx, d.relayID)
		if err != nil {
			failedPolls++
			d.log.Warnf("poll outbound failed", "err", err, "consecutiveFailures", failedPolls)
			if backoff.Sleep(ctx, pollBackoff.Delay(failedPolls-1)) == backoff.Aborted {
				return
			}
			continue
		}
		failedPolls = 0
		if len(messages) == 0 {
			continue
		}

		d.dispatchBatch(ctx, plugin, messages)
	}
}

// dispatchBatch delivers each message through a bounded-concurrency gate
// (degree = maxPerPoll), preserving per-poll order when the degree is 1
// (Testable Property 7).
func (d *Dispatcher) dispatchBatch(ctx context.Context, plugin channel.Plugin, messages []envelope.OutboundMessage) {
	sem := make(chan struct{}, d.maxPerPoll)
	var wg sync.WaitGroup

	for _, msg := range messages {
		msg := msg
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchOne(ctx, plugin, msg)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, plugin channel.Plugin, msg envelope.OutboundMessage) {
	deliverCtx, cancel := context.WithTimeout(ctx, deliverDeadline)
	defer cancel()

	start := time.Now()
	result := plugin.Deliver(deliverCtx, msg.Envelope)
	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.OutboundDispatched.Inc()
	}

	ack := envelope.DeliveryAck{
		OutboundMessageID: msg.ID,
		Success:           result.Success,
		PlatformMessageID: result.PlatformMessageID,
		Retryable:         result.Retryable,
		DurationMs:        elapsed.Milliseconds(),
	}
	if result.Err != nil {
		ack.Error = result.Err.Error()
	}

	d.ack(ctx, ack)
}

// ack enforces idempotence (Testable Property 5): once a success ack has
// been observed for an id, no further ack is ever sent for it. Failure acks
// are retried up to ackMaxAttempts with a short fixed delay; the final
// failure is dropped — the cloud will re-deliver.
func (d *Dispatcher) ack(ctx context.Context, ack envelope.DeliveryAck) {
	d.mu.Lock()
	if d.ackedIDs[ack.OutboundMessageID] {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for attempt := 1; attempt <= ackMaxAttempts; attempt++ {
		err := d.client.AckOutbound(ctx, ack)
		if err == nil {
			if ack.Success {
				d.mu.Lock()
				d.ackedIDs[ack.OutboundMessageID] = true
				d.mu.Unlock()
			}
			if d.metrics != nil {
				d.metrics.OutboundAcked.Inc()
			}
			return
		}
		d.log.Warnf("ack failed", "outboundMessageId", ack.OutboundMessageID, "attempt", attempt, "err", err)
		if attempt < ackMaxAttempts {
			if backoff.Sleep(ctx, ackRetryDelay) == backoff.Aborted {
				return
			}
		}
	}
	d.log.Warnf("ack dropped after exhausting retries, cloud will re-deliver", "outboundMessageId", ack.OutboundMessageID)
}
