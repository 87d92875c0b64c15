package imessage

import (
	"testing"
	"time"
)

func TestCapBackoffStartsAtBaseAndCapsAt60s(t *testing.T) {
	if got := capBackoff(1); got != backoffBase {
		t.Fatalf("first failure should back off by base, got %v", got)
	}
	if got := capBackoff(10); got != backoffCap {
		t.Fatalf("many consecutive failures should cap at %v, got %v", backoffCap, got)
	}
}

func TestAppleEpochToTimeMatchesKnownInstant(t *testing.T) {
	// 2024-01-01T00:00:00Z is 725760000s after the Apple epoch (2001-01-01).
	nanos := int64(725760000) * 1_000_000_000
	got := appleEpochToTime(nanos)
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
