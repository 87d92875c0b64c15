package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/myndhyve/relay-agent/internal/relayclient"
)

func TestRunReturnsErrRevokedOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := relayclient.New(srv.URL)
	c.SetDeviceToken("dt1")
	loop := New(c, "r1", "0.1.0")

	err := loop.Run(context.Background(), 1)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestRunSendsFirstHeartbeatImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayclient.HeartbeatResult{OK: true})
	}))
	defer srv.Close()

	c := relayclient.New(srv.URL)
	c.SetDeviceToken("dt1")
	loop := New(c, "r1", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx, 3600)

	select {
	case <-loop.FirstAttemptDone():
	case <-time.After(time.Second):
		t.Fatal("FirstAttemptDone did not close promptly; first heartbeat must not wait a full interval")
	}
}

func TestRunStopsCleanlyOnCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayclient.HeartbeatResult{OK: true, HeartbeatIntervalSeconds: 30})
	}))
	defer srv.Close()

	c := relayclient.New(srv.URL)
	c.SetDeviceToken("dt1")
	loop := New(c, "r1", "0.1.0")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := loop.Run(ctx, 1); err != nil {
		t.Fatalf("expected clean nil return on cancellation, got %v", err)
	}
}
