// Package imessage implements Platform Adapter C (§4.6): poll a local
// SQLite store with a monotonic watermark and deliver via an external
// scripting bridge. Available only on the matching host OS.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/relay-agent/internal/channel"
	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
)

const (
	pollInterval  = 2 * time.Second
	backoffBase   = 2 * time.Second
	backoffCap    = 60 * time.Second
	groupPrefix   = "chat:"
)

// Adapter is Platform Adapter C.
type Adapter struct {
	storePath string
	log       *logging.Logger

	mu        sync.Mutex
	status    channel.ConnectionState
	watermark int64
}

func New(storePath string) *Adapter {
	return &Adapter{storePath: storePath, log: logging.New("iMessage"), status: channel.Disconnected}
}

func (a *Adapter) Channel() string     { return "imessage" }
func (a *Adapter) DisplayName() string { return "iMessage" }

func (a *Adapter) IsSupported() (bool, string) {
	if runtime.GOOS != "darwin" {
		return false, "imessage is only available on macOS"
	}
	return true, ""
}

// IsAuthenticated is informational here: there is no credential material
// beyond filesystem access to the local store.
func (a *Adapter) IsAuthenticated() bool {
	db, err := openReadOnly(a.storePath)
	if err != nil {
		return false
	}
	defer db.Close()
	return true
}

func (a *Adapter) Login(ctx context.Context) error {
	db, err := openReadOnly(a.storePath)
	if err != nil {
		return fmt.Errorf("imessage: grant Full Disk Access to read %s: %w", a.storePath, err)
	}
	return db.Close()
}

func (a *Adapter) Logout(ctx context.Context) error { return nil }

func (a *Adapter) GetStatus() channel.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(s channel.ConnectionState) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc, onReady func()) error {
	db, err := openReadOnly(a.storePath)
	if err != nil {
		return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
	}
	defer db.Close()

	watermark, err := maxRowID(db)
	if err != nil {
		return &channel.DisconnectError{Reason: channel.ReasonConnectionLost, Err: err}
	}
	a.mu.Lock()
	a.watermark = watermark
	a.mu.Unlock()
	a.setStatus(channel.Connected)
	a.log.Infof("initial watermark set, history will not be replayed", "watermark", watermark)
	if onReady != nil {
		onReady()
	}

	consecutiveFailures := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.setStatus(channel.Disconnected)
			return nil
		case <-ticker.C:
			if err := a.pollOnce(ctx, db, onInbound); err != nil {
				consecutiveFailures++
				delay := capBackoff(consecutiveFailures)
				a.log.Warnf("poll failed, backing off", "err", err, "delay", delay)
				select {
				case <-ctx.Done():
					a.setStatus(channel.Disconnected)
					return nil
				case <-time.After(delay):
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func capBackoff(consecutiveFailures int) time.Duration {
	d := backoffBase
	for i := 1; i < consecutiveFailures && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (a *Adapter) pollOnce(ctx context.Context, db *sql.DB, onInbound channel.InboundFunc) error {
	a.mu.Lock()
	watermark := a.watermark
	a.mu.Unlock()

	rows, err := pollSince(db, watermark)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	for _, r := range rows {
		if !r.Text.Valid && !r.HasAttachments {
			continue
		}
		var media []envelope.Media
		if r.HasAttachments {
			atts, err := attachmentsFor(db, r.RowID)
			if err != nil {
				a.log.Warnf("failed to fetch attachments, continuing without them", "rowid", r.RowID, "err", err)
			}
			for _, att := range atts {
				media = append(media, envelope.Media{
					Kind:     classifyAttachmentKind(att.MimeType.String),
					Ref:      fmt.Sprintf("%d", r.RowID),
					MimeType: att.MimeType.String,
					FileName: att.Filename.String,
					Size:     att.Size.Int64,
				})
			}
		}

		conv := r.HandleID.String
		if r.IsGroupChat && r.ChatGUID.Valid {
			conv = groupPrefix + r.ChatGUID.String
		}

		onInbound(ctx, envelope.Ingress{
			Channel:           "imessage",
			PlatformMessageID: r.GUID,
			ConversationID:    conv,
			PeerID:            r.HandleID.String,
			DisplayName:       r.ChatDisplay.String,
			Text:              r.Text.String,
			Media:             media,
			IsGroup:           r.IsGroupChat,
			GroupName:         r.ChatDisplay.String,
			Timestamp:         appleEpochToTime(r.DateNanos),
		})
	}

	a.mu.Lock()
	a.watermark = rows[len(rows)-1].RowID
	a.mu.Unlock()
	return nil
}

// appleEpochToTime converts the store's nanoseconds-since-2001-01-01 date
// column to a standard time.Time.
func appleEpochToTime(nanos int64) time.Time {
	const appleEpochOffsetSeconds = 978307200 // seconds between Unix epoch and 2001-01-01
	return time.Unix(appleEpochOffsetSeconds+nanos/1_000_000_000, nanos%1_000_000_000).UTC()
}

func classifyAttachmentKind(mimeType string) envelope.MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return envelope.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return envelope.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return envelope.MediaAudio
	default:
		return envelope.MediaDocument
	}
}

// Deliver invokes the host scripting bridge with a typed script chosen by a
// conversation-id prefix.
func (a *Adapter) Deliver(ctx context.Context, env envelope.Egress) envelope.DeliveryResult {
	toGroup := strings.HasPrefix(env.ConversationID, groupPrefix)
	target := strings.TrimPrefix(env.ConversationID, groupPrefix)

	script := buildSendScript(toGroup, target, env.Text)
	if err := runAppleScript(ctx, script); err != nil {
		return envelope.DeliveryResult{Err: fmt.Errorf("imessage: send script failed: %w", err), Retryable: true}
	}
	return envelope.DeliveryResult{Success: true}
}
