// Package signal implements Platform Adapter B (§4.5): the plugin manages
// an external daemon subprocess, speaks JSON-RPC to it over HTTP, and
// subscribes to its server-sent event stream with stream-only auto-reconnect.
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/relay-agent/internal/backoff"
	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
)

const (
	groupPrefix        = "group:"
	streamReconnectCap = 5 // attempt limit before the daemon is stopped and the error surfaced
)

// Adapter is Platform Adapter B. It owns at most one running daemon per
// instance lifetime.
type Adapter struct {
	dataDir string
	log     *logging.Logger

	mu     sync.Mutex
	d      *daemon
	rpc    *rpcClient
	status channel.ConnectionState
}

func New(dataDir string) *Adapter {
	return &Adapter{dataDir: dataDir, log: logging.New("Signal"), status: channel.Disconnected}
}

func (a *Adapter) Channel() string     { return "signal" }
func (a *Adapter) DisplayName() string { return "Signal" }
func (a *Adapter) IsSupported() (bool, string) {
	if _, err := lookBinary(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (a *Adapter) linkedMarkerPath() string { return filepath.Join(a.dataDir, "linked") }

func (a *Adapter) IsAuthenticated() bool {
	_, err := os.Stat(a.linkedMarkerPath())
	return err == nil
}

func (a *Adapter) getStatus() channel.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(s channel.ConnectionState) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Adapter) GetStatus() channel.ConnectionState { return a.getStatus() }

// Login spawns a temporary daemon, performs the link handshake, persists the
// resulting data directory, and tears the temporary daemon down.
func (a *Adapter) Login(ctx context.Context) error {
	binary, err := lookBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.dataDir, 0o700); err != nil {
		return fmt.Errorf("signal: create data dir: %w", err)
	}

	d, err := spawnDaemon(binary, a.dataDir, a.log)
	if err != nil {
		return err
	}
	defer d.stop()

	if err := d.waitHealthy(); err != nil {
		return err
	}
	rpc := newRPCClient(d.endpoint())

	var startLinkOut struct {
		URI string `json:"deviceLinkUri"`
	}
	if err := rpc.call(ctx, "startLink", nil, &startLinkOut); err != nil {
		return fmt.Errorf("signal: startLink: %w", err)
	}
	fmt.Println("Scan this code in Signal > Linked Devices:")
	fmt.Println(startLinkOut.URI)

	// finishLink blocks until the human completes the scan; honor caller
	// cancellation by racing it against the RPC call.
	done := make(chan error, 1)
	go func() { done <- rpc.call(ctx, "finishLink", nil, nil) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("signal: finishLink: %w", err)
		}
	}

	return os.WriteFile(a.linkedMarkerPath(), []byte(time.Now().UTC().Format(time.RFC3339)), 0o600)
}

func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.d != nil {
		a.d.stop()
		a.d = nil
		a.rpc = nil
	}
	a.mu.Unlock()
	if err := os.Remove(a.linkedMarkerPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Start spawns the persistent daemon, waits for health, then streams events
// with reconnect-only backoff on stream drops (the daemon itself is never
// restarted by a stream failure).
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	if !a.IsAuthenticated() {
		return fmt.Errorf("signal: not authenticated, call Login first")
	}
	binary, err := lookBinary()
	if err != nil {
		return &channel.DisconnectError{Reason: channel.ReasonUnknown, Err: err}
	}

	d, err := spawnDaemon(binary, a.dataDir, a.log)
	if err != nil {
		return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
	}
	defer d.stop()

	if err := d.waitHealthy(); err != nil {
		return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
	}

	a.mu.Lock()
	a.d = d
	a.rpc = newRPCClient(d.endpoint())
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.d = nil
		a.rpc = nil
		a.mu.Unlock()
	}()

	a.setStatus(channel.Connected)
	if onReady != nil {
		onReady()
	}

	policy := backoff.Policy{Initial: time.Second, Max: time.Duration(1<<streamReconnectCap) * time.Second}
	attempt := 0
	for {
		err := a.streamEvents(ctx, d.eventsURL(), onInbound)
		if ctx.Err() != nil {
			a.setStatus(channel.Disconnected)
			return nil
		}
		if err == nil {
			// streamEvents only returns nil on clean cancellation, handled above.
			continue
		}
		attempt++
		if attempt > streamReconnectCap {
			a.setStatus(channel.Disconnected)
			return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: fmt.Errorf("signal: event stream reconnect attempts exhausted: %w", err)}
		}
		a.log.Warnf("event stream dropped, reconnecting", "attempt", attempt, "err", err)
		if backoff.Sleep(ctx, policy.Delay(attempt-1)) == backoff.Aborted {
			a.setStatus(channel.Disconnected)
			return nil
		}
	}
}

// streamEvents opens one HTTP SSE connection and forwards parsed events
// until the body closes or ctx is cancelled. It returns nil only when ctx
// was the cause; any other termination is a reconnect-worthy error.
func (a *Adapter) streamEvents(ctx context.Context, url string, onInbound channel.InboundFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	parser := &EventParser{}
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				a.handleEvent(ctx, ev, onInbound)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == io.EOF {
				return fmt.Errorf("signal: event stream closed")
			}
			return err
		}
	}
}

type dataMessageEvent struct {
	Envelope struct {
		Source    string `json:"source"`
		Timestamp int64  `json:"timestamp"`
		DataMessage *struct {
			Message     string `json:"message"`
			GroupInfo   *struct{ GroupID string `json:"groupId"` } `json:"groupInfo"`
			Attachments []struct {
				ID          string `json:"id"`
				ContentType string `json:"contentType"`
				Filename    string `json:"filename"`
				Size        int64  `json:"size"`
			} `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (a *Adapter) handleEvent(ctx context.Context, ev Event, onInbound channel.InboundFunc) {
	if ev.Type != "message" || ev.Data == "" {
		return
	}
	var msg dataMessageEvent
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		a.log.Warnf("unparseable event payload", "err", err)
		return
	}
	// Only data messages carrying text or attachments pass through;
	// reactions and receipts have no dataMessage block.
	if msg.Envelope.DataMessage == nil {
		return
	}
	dm := msg.Envelope.DataMessage
	if dm.Message == "" && len(dm.Attachments) == 0 {
		return
	}

	conv := msg.Envelope.Source
	isGroup := dm.GroupInfo != nil
	if isGroup {
		conv = groupPrefix + dm.GroupInfo.GroupID
	}

	media := make([]envelope.Media, 0, len(dm.Attachments))
	for _, att := range dm.Attachments {
		media = append(media, envelope.Media{
			Kind:     classifyMediaKind(att.ContentType),
			Ref:      att.ID,
			MimeType: att.ContentType,
			FileName: att.Filename,
			Size:     att.Size,
		})
	}

	onInbound(ctx, envelope.Ingress{
		Channel:           "signal",
		PlatformMessageID: fmt.Sprintf("sig-%d", msg.Envelope.Timestamp),
		ConversationID:    conv,
		PeerID:            msg.Envelope.Source,
		Text:              dm.Message,
		Media:             media,
		IsGroup:           isGroup,
		Timestamp:         time.UnixMilli(msg.Envelope.Timestamp).UTC(),
	})
}

func isGroupConversation(conversationID string) bool {
	return strings.HasPrefix(conversationID, groupPrefix)
}

func classifyMediaKind(contentType string) envelope.MediaKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return envelope.MediaImage
	case strings.HasPrefix(contentType, "video/"):
		return envelope.MediaVideo
	case strings.HasPrefix(contentType, "audio/"):
		return envelope.MediaAudio
	default:
		return envelope.MediaDocument
	}
}

// Deliver routes to the "send" JSON-RPC method; a conversation id prefixed
// with groupPrefix becomes a group send, otherwise a direct send.
func (a *Adapter) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return envelope.DeliveryResult{Retryable: true, Err: fmt.Errorf("signal: daemon not running")}
	}

	params := map[string]any{"message": env.Text}
	if isGroupConversation(env.ConversationID) {
		params["groupId"] = strings.TrimPrefix(env.ConversationID, groupPrefix)
	} else {
		params["recipient"] = env.ConversationID
	}

	var out struct {
		Timestamp int64  `json:"timestamp"`
		Result    string `json:"result"`
	}
	err := rpc.call(ctx, "send", params, &out)
	if err == nil {
		return envelope.DeliveryResult{Success: true, PlatformMessageID: fmt.Sprintf("sig-%d", out.Timestamp)}
	}

	if _, ok := err.(*transportError); ok {
		return envelope.DeliveryResult{Err: err, Retryable: true}
	}
	if protoErr, ok := err.(*protocolError); ok {
		switch protoErr.Code {
		case rpcCodeNetworkFailure:
			return envelope.DeliveryResult{Err: err, Retryable: true}
		case rpcCodeUnregistered, rpcCodeIdentity, rpcCodeProofRequired:
			return envelope.DeliveryResult{Err: err, Retryable: false}
		default:
			return envelope.DeliveryResult{Err: err, Retryable: false}
		}
	}
	return envelope.DeliveryResult{Err: err, Retryable: true}
}

// JSON-RPC error codes the daemon is documented to return for send().
const (
	rpcCodeNetworkFailure = -1
	rpcCodeUnregistered   = -2
	rpcCodeIdentity       = -3
	rpcCodeProofRequired  = -4
)
