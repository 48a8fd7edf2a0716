package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/protocol"
	"github.com/relaygate/relaygate/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Starter()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "relaygate.db")
	return cfg
}

func seed(t *testing.T, cfg *config.Config, tenants ...*store.Tenant) {
	t.Helper()
	s, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, tn := range tenants {
		if err := s.UpsertTenant(context.Background(), tn); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.gateway.Shutdown(ctx)
		srv.Close()
		a.Close()
	})
	return a, srv
}

func TestHealthAndReadiness(t *testing.T) {
	_, srv := newTestApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: got %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backplane.Driver = "redis"
	cfg.Backplane.RedisAddr = "127.0.0.1:1"

	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected startup error")
	}
}

func TestSessionBoundConnection(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, &store.Tenant{ID: "acme", RealtimeEnabled: true, SessionRequired: true})
	a, srv := newTestApp(t, cfg)

	token, err := a.Sessions().Issue(context.Background(), "acme", "u1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	hs := protocol.Handshake{TenantID: "acme", SessionToken: token}
	if err := ws.WriteJSON(protocol.Frame{Type: protocol.TypeConnect, Auth: &hs}); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != protocol.TypeConnect {
		t.Fatalf("got %q (%+v), want connect", f.Type, f.Error)
	}
	var ack protocol.ConnectAck
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.UserID != "u1" {
		t.Errorf("UserID: got %q, want %q", ack.UserID, "u1")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run: got %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
