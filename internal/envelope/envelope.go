// Package envelope defines the neutral wire types exchanged between a
// platform plugin and the cloud gateway.
package envelope

import "time"

// MediaKind enumerates the media types a platform may attach to a message.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Media describes one attachment. Ref is an opaque platform id on ingress
// and a fetchable absolute URL on egress.
type Media struct {
	Kind     MediaKind `json:"kind"`
	Ref      string    `json:"ref"`
	MimeType string    `json:"mimeType,omitempty"`
	FileName string    `json:"fileName,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// Ingress is a platform-to-cloud message envelope.
type Ingress struct {
	Channel           string    `json:"channel"`
	PlatformMessageID string    `json:"platformMessageId"`
	ConversationID    string    `json:"conversationId"`
	ThreadID          string    `json:"threadId,omitempty"`
	PeerID            string    `json:"peerId,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	Text              string    `json:"text"`
	Media             []Media   `json:"media,omitempty"`
	IsGroup           bool      `json:"isGroup"`
	GroupName         string    `json:"groupName,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	ReplyToMessageID  string    `json:"replyToMessageId,omitempty"`
	Mentions          []string  `json:"mentions,omitempty"`
}

// Egress is a cloud-to-platform message envelope.
type Egress struct {
	Channel          string  `json:"channel"`
	ConversationID   string  `json:"conversationId"`
	ThreadID         string  `json:"threadId,omitempty"`
	Text             string  `json:"text"`
	Media            []Media `json:"media,omitempty"`
	ReplyToMessageID string  `json:"replyToMessageId,omitempty"`
}

// OutboundMessage is one record returned by a poll of the cloud's outbound
// queue. The agent is responsible for acking id exactly once.
type OutboundMessage struct {
	ID       string    `json:"id"`
	Envelope Egress    `json:"envelope"`
	QueuedAt time.Time `json:"queuedAt"`
	Priority int       `json:"priority"`
	Attempts int       `json:"attempts"`
}

// DeliveryAck reports the outcome of attempting to deliver one
// OutboundMessage to its platform.
type DeliveryAck struct {
	OutboundMessageID string `json:"outboundMessageId"`
	Success           bool   `json:"success"`
	PlatformMessageID string `json:"platformMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
	Retryable         bool   `json:"retryable,omitempty"`
	DurationMs        int64  `json:"durationMs"`
}

// DeliveryResult is what a plugin's Deliver returns, before it is turned
// into a DeliveryAck by the outbound dispatcher.
type DeliveryResult struct {
	Success           bool
	PlatformMessageID string
	Err               error
	Retryable         bool
}
