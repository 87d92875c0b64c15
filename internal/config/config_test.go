package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}
	doc := s.Load()
	if doc.Heartbeat.IntervalSeconds != Defaults().Heartbeat.IntervalSeconds {
		t.Fatalf("expected default heartbeat interval, got %d", doc.Heartbeat.IntervalSeconds)
	}
	if doc.IsActivated() {
		t.Fatal("fresh document must not report activated")
	}
}

func TestSaveLoadRoundTripAndPermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "agent"))
	if err != nil {
		t.Fatal(err)
	}

	doc := s.Load()
	doc.Channel = "signal"
	doc.RelayID = "r1"
	doc.DeviceToken = "dt1"
	if err := s.Save(doc); err != nil {
		t.Fatal(err)
	}

	reloaded := s.Load()
	if reloaded.Channel != "signal" || reloaded.RelayID != "r1" || reloaded.DeviceToken != "dt1" {
		t.Fatalf("round trip lost fields: %+v", reloaded)
	}
	if !reloaded.IsActivated() {
		t.Fatal("expected activated after relayId+deviceToken+channel set")
	}
	// Untouched fields still carry defaults.
	if reloaded.Outbound.MaxPerPoll != Defaults().Outbound.MaxPerPoll {
		t.Fatalf("expected default maxPerPoll to survive merge, got %d", reloaded.Outbound.MaxPerPoll)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(s.Dir())
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o700 {
			t.Fatalf("expected dir mode 0700, got %o", info.Mode().Perm())
		}
		fi, err := os.Stat(filepath.Join(s.Dir(), "config.json"))
		if err != nil {
			t.Fatal(err)
		}
		if fi.Mode().Perm() != 0o600 {
			t.Fatalf("expected file mode 0600, got %o", fi.Mode().Perm())
		}
	}
}

func TestLoadCorruptFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	doc := s.Load()
	if doc.Channel != "" {
		t.Fatalf("expected defaults on corrupt file, got channel %q", doc.Channel)
	}
}

func TestSaveRejectsInvertedDelays(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	doc := Defaults()
	doc.Reconnect.InitialDelayMs = 5000
	doc.Reconnect.MaxDelayMs = 1000
	if err := s.Save(doc); err == nil {
		t.Fatal("expected error when initialDelayMs > maxDelayMs")
	}
}

func TestChannelDirCreatedOnDemand(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	chDir, err := s.ChannelDir("whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(chDir); err != nil {
		t.Fatalf("expected channel dir to exist: %v", err)
	}
}
