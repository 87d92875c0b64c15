package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/relayclient"
)

type fakePlugin struct {
	mu      sync.Mutex
	order   []string
	succeed bool
}

func (f *fakePlugin) Channel() string                         { return "fake" }
func (f *fakePlugin) DisplayName() string                     { return "Fake" }
func (f *fakePlugin) IsSupported() (bool, string)              { return true, "" }
func (f *fakePlugin) IsAuthenticated() bool                    { return true }
func (f *fakePlugin) Login(ctx context.Context) error          { return nil }
func (f *fakePlugin) Logout(ctx context.Context) error         { return nil }
func (f *fakePlugin) GetStatus() channel.ConnectionState       { return channel.Connected }
func (f *fakePlugin) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	<-ctx.Done()
	return nil
}

func (f *fakePlugin) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	f.mu.Lock()
	f.order = append(f.order, env.Text)
	f.mu.Unlock()
	return envelope.DeliveryResult{Success: f.succeed, PlatformMessageID: "p-" + env.Text}
}

func TestDispatchBatchPreservesOrderWhenMaxPerPollIsOne(t *testing.T) {
	var acked []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ack" {
			var ack envelope.DeliveryAck
			json.NewDecoder(r.Body).Decode(&ack)
			mu.Lock()
			acked = append(acked, ack.OutboundMessageID)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := relayclient.New(srv.URL)
	c.SetDeviceToken("dt1")
	d := New(c, "r1", time.Hour, 1)
	plugin := &fakePlugin{succeed: true}

	messages := []envelope.OutboundMessage{
		{ID: "m1", Envelope: envelope.Egress{Text: "m1"}},
		{ID: "m2", Envelope: envelope.Egress{Text: "m2"}},
		{ID: "m3", Envelope: envelope.Egress{Text: "m3"}},
	}
	d.dispatchBatch(context.Background(), plugin, messages)

	plugin.mu.Lock()
	order := append([]string(nil), plugin.order...)
	plugin.mu.Unlock()
	want := []string{"m1", "m2", "m3"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected deliver order %v, got %v", want, order)
		}
	}
}

func TestAckIsNeverSentTwiceAfterSuccess(t *testing.T) {
	var ackCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ackCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := relayclient.New(srv.URL)
	c.SetDeviceToken("dt1")
	d := New(c, "r1", time.Hour, 4)

	ack := envelope.DeliveryAck{OutboundMessageID: "dup-1", Success: true}
	d.ack(context.Background(), ack)
	d.ack(context.Background(), ack)

	if got := atomic.LoadInt32(&ackCalls); got != 1 {
		t.Fatalf("expected exactly one ack call for an id already observed as success, got %d", got)
	}
}
