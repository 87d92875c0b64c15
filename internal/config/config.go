// Package config reads and writes the agent's single configuration
// document (§4.2) and resolves per-channel credential directories. The
// document carries no schema version field.
//
// The document lives at <dir>/config.json inside an owner-only directory
// (0700 on POSIX); the file itself is written 0600. Loads always return a
// fully-populated document by merging on-disk content with defaults — a
// missing or corrupt file is never fatal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/myndhyve/relay-agent/internal/logging"
)

// Document is the agent's single persisted record.
type Document struct {
	Channel     string           `json:"channel,omitempty"`
	RelayID     string           `json:"relayId,omitempty"`
	DeviceToken string           `json:"deviceToken,omitempty"`
	UserID      string           `json:"userId,omitempty"`
	Server      ServerConfig     `json:"server"`
	Heartbeat   HeartbeatConfig  `json:"heartbeat"`
	Outbound    OutboundConfig   `json:"outbound"`
	Reconnect   ReconnectConfig  `json:"reconnect"`
	Logging     LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	BaseURL string `json:"baseUrl"`
}

type HeartbeatConfig struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

type OutboundConfig struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxPerPoll          int `json:"maxPerPoll"`
}

type ReconnectConfig struct {
	MaxAttempts       int   `json:"maxAttempts"` // 0 = unbounded
	InitialDelayMs    int64 `json:"initialDelayMs"`
	MaxDelayMs        int64 `json:"maxDelayMs"`
	WatchdogTimeoutMs int64 `json:"watchdogTimeoutMs"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Defaults returns the document used to fill in anything missing on disk.
func Defaults() Document {
	return Document{
		Server:    ServerConfig{BaseURL: "https://relay.myndhyve.cloud"},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 30},
		Outbound:  OutboundConfig{PollIntervalSeconds: 5, MaxPerPoll: 4},
		Reconnect: ReconnectConfig{
			MaxAttempts:       0,
			InitialDelayMs:    1000,
			MaxDelayMs:        60000,
			WatchdogTimeoutMs: 10 * 60 * 1000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// IsActivated reports whether the document has both cloud identifiers and a
// chosen channel.
func (d Document) IsActivated() bool {
	return d.RelayID != "" && d.DeviceToken != "" && d.Channel != ""
}

// Store resolves the agent's directory and persists/loads the document
// inside it.
type Store struct {
	dir string
	log *logging.Logger
}

const appName = "relay-agent"

// DefaultDir returns the directory the agent stores config.json and
// per-channel credentials under, following XDG conventions.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config: chmod dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: logging.New("Config")}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path() string { return filepath.Join(s.dir, "config.json") }

// ChannelDir returns (creating if needed) the credential subdirectory owned
// exclusively by one channel's plugin.
func (s *Store) ChannelDir(channel string) (string, error) {
	dir := filepath.Join(s.dir, channel)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: create channel dir %s: %w", dir, err)
	}
	return dir, nil
}

// Load always returns a fully-populated Document. A valid on-disk document
// is merged field-by-field over the defaults. A missing file yields the
// defaults silently; an unreadable or corrupt file yields the defaults with
// a warning logged — it never returns an error for those cases.
func (s *Store) Load() Document {
	merged := Defaults()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnf("reading config, using defaults", "err", err)
		}
		return merged
	}

	var onDisk Document
	if err := json.Unmarshal(data, &onDisk); err != nil {
		s.log.Warnf("config file is corrupt, using defaults", "err", err)
		return merged
	}

	mergeInto(&merged, onDisk)
	return merged
}

// mergeInto copies every non-zero field of src over dst, so a partial
// on-disk document is completed by Defaults().
func mergeInto(dst *Document, src Document) {
	if src.Channel != "" {
		dst.Channel = src.Channel
	}
	if src.RelayID != "" {
		dst.RelayID = src.RelayID
	}
	if src.DeviceToken != "" {
		dst.DeviceToken = src.DeviceToken
	}
	if src.UserID != "" {
		dst.UserID = src.UserID
	}
	if src.Server.BaseURL != "" {
		dst.Server.BaseURL = src.Server.BaseURL
	}
	if src.Heartbeat.IntervalSeconds != 0 {
		dst.Heartbeat.IntervalSeconds = src.Heartbeat.IntervalSeconds
	}
	if src.Outbound.PollIntervalSeconds != 0 {
		dst.Outbound.PollIntervalSeconds = src.Outbound.PollIntervalSeconds
	}
	if src.Outbound.MaxPerPoll != 0 {
		dst.Outbound.MaxPerPoll = src.Outbound.MaxPerPoll
	}
	if src.Reconnect.MaxAttempts != 0 {
		dst.Reconnect.MaxAttempts = src.Reconnect.MaxAttempts
	}
	if src.Reconnect.InitialDelayMs != 0 {
		dst.Reconnect.InitialDelayMs = src.Reconnect.InitialDelayMs
	}
	if src.Reconnect.MaxDelayMs != 0 {
		dst.Reconnect.MaxDelayMs = src.Reconnect.MaxDelayMs
	}
	if src.Reconnect.WatchdogTimeoutMs != 0 {
		dst.Reconnect.WatchdogTimeoutMs = src.Reconnect.WatchdogTimeoutMs
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if dst.Reconnect.InitialDelayMs > dst.Reconnect.MaxDelayMs {
		dst.Reconnect.MaxDelayMs = dst.Reconnect.InitialDelayMs
	}
}

// Save replaces the whole document (never a partial write): marshal,
// write to a temp file in the same directory, fsync, then rename over the
// target so a crash mid-write never leaves a truncated config.json.
func (s *Store) Save(doc Document) error {
	if doc.Reconnect.InitialDelayMs > doc.Reconnect.MaxDelayMs {
		return fmt.Errorf("config: initialDelayMs (%d) must be <= maxDelayMs (%d)",
			doc.Reconnect.InitialDelayMs, doc.Reconnect.MaxDelayMs)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
