// Package gateway accepts realtime WebSocket connections, authorizes them and
// routes their events through the room adapter.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/authz"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/room"
)

// Authorizer runs the authorization pipeline for a handshake or an event.
type Authorizer interface {
	Run(ctx context.Context, pc authz.Context, req authz.Request) (authz.Pending, authz.Result)
}

// Options configures a Runtime.
type Options struct {
	Adapter    room.Adapter
	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	AllowedOrigins   []string
	MaxMessageBytes  int64
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	SendQueueSize    int
}

// Runtime owns every live connection of this process.
type Runtime struct {
	adapter  room.Adapter
	authz    Authorizer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes  int64
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	pingTimeout      time.Duration
	sendQueueSize    int

	mu    sync.RWMutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	return &Runtime{
		adapter:          opts.Adapter,
		authz:            opts.Authorizer,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "gateway"),
		upgrader:         makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes:  opts.MaxMessageBytes,
		handshakeTimeout: opts.HandshakeTimeout,
		pingInterval:     opts.PingInterval,
		pingTimeout:      opts.PingTimeout,
		sendQueueSize:    opts.SendQueueSize,
		conns:            make(map[string]*Conn),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (rt *Runtime) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(rt, ws, uuid.New().String(), req.Header.Get("Origin"), clientIP(req))

	rt.wg.Add(1)
	defer rt.wg.Done()
	c.serve(context.WithoutCancel(req.Context()))
}

// clientIP takes the peer address the HTTP layer settled on. With RealIP in
// front this is the forwarded address.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (rt *Runtime) track(c *Conn) {
	rt.mu.Lock()
	rt.conns[c.id] = c
	rt.mu.Unlock()
	rt.metrics.ConnOpened()
}

func (rt *Runtime) untrack(c *Conn) {
	rt.mu.Lock()
	_, ok := rt.conns[c.id]
	delete(rt.conns, c.id)
	rt.mu.Unlock()
	if ok {
		rt.metrics.ConnClosed()
	}
}

// ConnCount returns the number of connections past the handshake.
func (rt *Runtime) ConnCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.conns)
}

// Shutdown asks every connection to close and waits for their handlers to
// finish or for ctx to expire.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.RLock()
	conns := make([]*Conn, 0, len(rt.conns))
	for _, c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
