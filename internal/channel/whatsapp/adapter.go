// Package whatsapp implements Platform Adapter A (§4.4): a direct-socket
// style plugin pairing via QR and holding a persistent WebSocket session to
// a platform bridge. Framing and the read/write pump shape are grounded on
// the teacher's pkg/websocket client (ping/pong deadlines, single
// read-goroutine plus select-loop writer).
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	pairDeadline   = 90 * time.Second
)

// frame is the one JSON shape exchanged over the bridge socket in both
// directions; Type discriminates the payload actually populated.
type frame struct {
	Type string `json:"type"`

	// server -> agent
	Code        string        `json:"code,omitempty"` // qr
	Reason      string        `json:"reason,omitempty"` // disconnect
	ID          string        `json:"id,omitempty"`
	From        string        `json:"from,omitempty"`
	FromMe      bool          `json:"fromMe,omitempty"`
	IsStatus    bool          `json:"isStatus,omitempty"`
	Conversation string       `json:"conversationId,omitempty"`
	IsGroup     bool          `json:"isGroup,omitempty"`
	GroupName   string        `json:"groupName,omitempty"`
	Text        string        `json:"text,omitempty"`
	Media       []mediaFrame  `json:"media,omitempty"`
	Timestamp   int64         `json:"timestamp,omitempty"`
	Success     bool          `json:"success,omitempty"`
	PlatformMsg string        `json:"platformMessageId,omitempty"`
	Error       string        `json:"error,omitempty"`
	Terminal    bool          `json:"terminal,omitempty"`

	// agent -> server
	Kind string `json:"kind,omitempty"`
}

type mediaFrame struct {
	Kind     string `json:"kind"`
	Ref      string `json:"ref"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type sessionFile struct {
	PairedAt time.Time `json:"pairedAt"`
	Label    string    `json:"label"`
}

// Adapter is Platform Adapter A. One instance owns at most one live socket
// session; the supervisor owns its lifetime.
type Adapter struct {
	bridgeURL string
	dir       string
	log       *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status atomic.Int32 // channel.ConnectionState, stored as int for atomicity

	pendingAcks sync.Map // id -> chan frame
}

// New constructs the adapter. bridgeURL points at the WebSocket session
// endpoint the platform bridge exposes (e.g. "ws://127.0.0.1:9091/session").
func New(bridgeURL, credentialDir string) *Adapter {
	a := &Adapter{bridgeURL: bridgeURL, dir: credentialDir, log: logging.New("WhatsApp")}
	a.status.Store(int32(stateIndex(channel.Disconnected)))
	return a
}

func (a *Adapter) Channel() string     { return "whatsapp" }
func (a *Adapter) DisplayName() string { return "WhatsApp" }

func (a *Adapter) IsSupported() (bool, string) { return true, "" }

func (a *Adapter) sessionPath() string { return filepath.Join(a.dir, "session.json") }

func (a *Adapter) IsAuthenticated() bool {
	_, err := os.Stat(a.sessionPath())
	return err == nil
}

// Login opens a temporary pairing session, waits for a QR code, prints it,
// then blocks until the bridge reports "paired" or the bounded deadline
// elapses. On success it persists session.json and closes the socket —
// Start opens the real long-lived connection later.
func (a *Adapter) Login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pairDeadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.bridgeURL+"?mode=pair", nil)
	if err != nil {
		return fmt.Errorf("whatsapp: dial pairing session: %w", err)
	}
	defer conn.Close()

	for {
		conn.SetReadDeadline(deadlineOrZero(ctx))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("whatsapp: pairing session closed before completion: %w", err)
		}
		switch f.Type {
		case "qr":
			fmt.Println("Scan this code in WhatsApp > Linked Devices:")
			fmt.Println(f.Code)
		case "paired":
			data, err := json.Marshal(sessionFile{PairedAt: time.Now().UTC(), Label: "relay-agent"})
			if err != nil {
				return err
			}
			return os.WriteFile(a.sessionPath(), data, 0o600)
		case "disconnect":
			return fmt.Errorf("whatsapp: pairing failed: %s", f.Reason)
		}
	}
}

func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	if err := os.Remove(a.sessionPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *Adapter) GetStatus() channel.ConnectionState {
	return stateFromIndex(int(a.status.Load()))
}

func (a *Adapter) setStatus(s channel.ConnectionState) { a.status.Store(int32(stateIndex(s))) }

// Start dials the long-lived session, waits for "connected", then reads
// frames until ctx is cancelled or the bridge reports a disconnect — per
// §4.4 this blocks on a connection-state event rather than returning early.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	if !a.IsAuthenticated() {
		return fmt.Errorf("whatsapp: not authenticated, call Login first")
	}
	a.setStatus(channel.Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.bridgeURL, nil)
	if err != nil {
		a.setStatus(channel.Disconnected)
		return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	readErr := make(chan error, 1)
	frames := make(chan frame, 64)
	go func() {
		defer close(frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	connectedOnce := false
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			a.setStatus(channel.Disconnected)
			return nil

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.setStatus(channel.Disconnected)
				return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
			}

		case err := <-readErr:
			a.setStatus(channel.Disconnected)
			return &channel.DisconnectError{Reason: classifyReadError(err), Err: err}

		case f, ok := <-frames:
			if !ok {
				continue
			}
			switch f.Type {
			case "connected":
				a.setStatus(channel.Connected)
				if onReady != nil && !connectedOnce {
					onReady()
				}
				connectedOnce = true
			case "disconnect":
				a.setStatus(channel.Disconnected)
				reason := classifyDisconnect(f.Reason)
				if reason == channel.ReasonLoggedOut {
					os.Remove(a.sessionPath())
				}
				return &channel.DisconnectError{Reason: reason}
			case "message":
				if !connectedOnce {
					continue
				}
				if env, ok := normalizeInbound(f); ok {
					onInbound(ctx, env)
				}
			case "ack":
				if ch, ok := a.pendingAcks.LoadAndDelete(f.ID); ok {
					ch.(chan frame) <- f
				}
			}
		}
	}
}

// supportedMediaKind reports whether the bridge's typed send call covers
// this kind. Stickers are the one kind the bridge has no send call for
// (§4.4); Deliver downgrades to a plain text message when this is false.
func supportedMediaKind(k envelope.MediaKind) bool {
	switch k {
	case envelope.MediaImage, envelope.MediaVideo, envelope.MediaAudio, envelope.MediaDocument:
		return true
	default:
		return false
	}
}

// classifyDisconnect maps every reason string the bridge can emit onto one
// of the four classified reasons (Testable Property 8: total mapping).
func classifyDisconnect(reason string) channel.DisconnectReason {
	switch reason {
	case "logged-out", "logout", "device-removed":
		return channel.ReasonLoggedOut
	case "replaced", "conflict", "stream-replaced":
		return channel.ReasonReplaced
	case "connection-lost", "timeout", "network":
		return channel.ReasonConnectionLost
	default:
		return channel.ReasonUnknown
	}
}

func classifyReadError(err error) channel.DisconnectReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return channel.ReasonConnectionLost
	}
	return channel.ReasonConnectionLost
}

// normalizeInbound applies §4.4's inbound filtering/extraction rules.
func normalizeInbound(f frame) (envelope.Ingress, bool) {
	if f.FromMe || f.IsStatus {
		return envelope.Ingress{}, false
	}
	text := CoerceToCanonicalMarkdown(f.Text)
	if text == "" && len(f.Media) == 0 {
		return envelope.Ingress{}, false
	}
	media := make([]envelope.Media, 0, len(f.Media))
	for _, m := range f.Media {
		media = append(media, envelope.Media{
			Kind:     envelope.MediaKind(m.Kind),
			Ref:      m.Ref,
			MimeType: m.MimeType,
			FileName: m.FileName,
			Size:     m.Size,
		})
	}
	return envelope.Ingress{
		Channel:           "whatsapp",
		PlatformMessageID: f.ID,
		ConversationID:    f.Conversation,
		PeerID:            f.From,
		Text:              text,
		Media:             media,
		IsGroup:           f.IsGroup,
		GroupName:         f.GroupName,
		Timestamp:         time.UnixMilli(f.Timestamp).UTC(),
	}, true
}

// Deliver maps media.kind to the bridge's typed send frame, falling back to
// text when no media is present or the kind is unsupported by the bridge.
func (a *Adapter) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return envelope.DeliveryResult{Retryable: true, Err: fmt.Errorf("whatsapp: no active session")}
	}

	id := fmt.Sprintf("out-%d", time.Now().UnixNano())
	kind := "text"
	var media *mediaFrame
	if len(env.Media) > 0 {
		m := env.Media[0]
		if supportedMediaKind(m.Kind) {
			kind = string(m.Kind)
			media = &mediaFrame{Kind: string(m.Kind), Ref: m.Ref, MimeType: m.MimeType, FileName: m.FileName, Size: m.Size}
		} else {
			a.log.Warnf("unsupported media kind, downgrading to text", "kind", m.Kind)
		}
	}

	out := frame{
		Type:         "send",
		ID:           id,
		Kind:         kind,
		Conversation: env.ConversationID,
		Text:         CoerceToPlatformMarkdown(env.Text),
	}
	if media != nil {
		out.Media = []mediaFrame{*media}
	}

	wait := make(chan frame, 1)
	a.pendingAcks.Store(id, wait)
	defer a.pendingAcks.Delete(id)

	a.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(out)
	a.mu.Unlock()
	if err != nil {
		return envelope.DeliveryResult{Retryable: true, Err: err}
	}

	select {
	case <-ctx.Done():
		return envelope.DeliveryResult{Retryable: true, Err: ctx.Err()}
	case ack := <-wait:
		if ack.Success {
			return envelope.DeliveryResult{Success: true, PlatformMessageID: ack.PlatformMsg}
		}
		return envelope.DeliveryResult{Err: fmt.Errorf("whatsapp: %s", ack.Error), Retryable: !ack.Terminal}
	}
}

func deadlineOrZero(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

func stateIndex(s channel.ConnectionState) int {
	switch s {
	case channel.Connecting:
		return 1
	case channel.Connected:
		return 2
	default:
		return 0
	}
}

func stateFromIndex(i int) channel.ConnectionState {
	switch i {
	case 1:
		return channel.Connecting
	case 2:
		return channel.Connected
	default:
		return channel.Disconnected
	}
}
