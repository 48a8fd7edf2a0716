package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/authz"
	"github.com/relaygate/relaygate/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	hookTimeout = 5 * time.Second
)

// Conn is one realtime client connection. A single goroutine reads and
// handles its events in order; another drains its send queue.
type Conn struct {
	rt     *Runtime
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	send       chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string

	// Fixed once the handshake succeeds.
	req         authz.Request
	privileged  bool
	tenantID    string
	userID      string
	echoDefault bool

	mu      sync.Mutex
	rooms   map[string]struct{}
	profile json.RawMessage
}

func newConn(rt *Runtime, ws *websocket.Conn, id, origin, ip string) *Conn {
	return &Conn{
		rt:         rt,
		ws:         ws,
		id:         id,
		logger:     rt.logger.With("conn_id", id),
		send:       make(chan []byte, rt.sendQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		req:        authz.Request{Origin: origin, ClientIP: ip},
		rooms:      make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Deliver queues an event frame. A full queue drops the frame rather than
// stalling the broadcaster.
func (c *Conn) Deliver(event string, data json.RawMessage) {
	c.enqueue(protocol.Frame{Type: protocol.TypeEvent, Event: event, Data: data, Timestamp: time.Now()})
}

func (c *Conn) enqueue(f protocol.Frame) {
	select {
	case <-c.quit:
		return
	default:
	}
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame", "type", f.Type, "event", f.Event, "error", err)
		return
	}
	select {
	case c.send <- b:
		c.rt.metrics.Delivered()
	default:
		c.rt.metrics.Dropped()
		c.logger.Warn("send queue full, dropping frame", "type", f.Type, "event", f.Event)
	}
}

// close asks the writer to flush the queue and close the transport.
func (c *Conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.quit)
	})
}

func (c *Conn) closing() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *Conn) serve(ctx context.Context) {
	c.ws.SetReadLimit(c.rt.maxMessageBytes)

	if !c.handshake(ctx) {
		return
	}
	c.rt.track(c)
	go c.writeLoop()

	c.logger.Info("client connected", "tenant_id", c.tenantID, "user_id", c.userID, "privileged", c.privileged)
	defer func() {
		c.disconnecting(ctx)
		c.rt.untrack(c)
		c.close(websocket.CloseNormalClosure, "")
		<-c.writerDone
		c.logger.Info("client disconnected", "tenant_id", c.tenantID)
	}()

	c.readLoop(ctx)
}

// handshake reads connect frames until one is authorized, the pipeline
// terminates the connection, or the handshake timeout passes. Refused
// attempts may be retried on the same transport.
func (c *Conn) handshake(ctx context.Context) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.rt.handshakeTimeout))

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("handshake read failed", "error", err)
			_ = c.ws.Close()
			return false
		}

		var f protocol.Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Type != protocol.TypeConnect || f.Auth == nil {
			c.rt.metrics.Handshake("terminate", string(protocol.CodeInvalidEvent))
			c.failHandshake(protocol.ClientError(protocol.CodeInvalidEvent,
				"Realtime Connection Error - Invalid Handshake",
				"The first frame must be a connect frame carrying the handshake"), true)
			return false
		}

		req := c.req
		req.TenantID = f.Auth.TenantID
		req.APIKey = f.Auth.APIKey
		req.SessionToken = f.Auth.SessionToken
		req.EchoMessages = f.Auth.EchoMessages
		req.PrivilegedCredential = f.Auth.PrivilegedCredential

		pending, res := c.rt.authz.Run(ctx, authz.Context{Handshake: true}, req)
		if res.Kind != authz.Ok {
			c.rt.metrics.Handshake(res.Kind.String(), string(res.Err.Code))
			c.logger.Info("handshake refused", "tenant_id", req.TenantID, "code", res.Err.Code, "kind", res.Kind.String())
			terminate := res.Kind == authz.Terminate
			c.failHandshake(res.Err, terminate)
			if terminate {
				return false
			}
			continue
		}

		c.req = req
		c.privileged = pending.Privileged
		c.tenantID = req.TenantID
		c.userID = pending.UserID
		c.echoDefault = req.EchoMessages
		if !c.privileged {
			c.tenantID = pending.TenantID
			c.echoDefault = pending.EchoDefault
		}
		break
	}

	if err := c.attach(ctx); err != nil {
		c.logger.Error("attach connection", "error", err)
		c.rt.metrics.Handshake("terminate", string(protocol.CodeInternalServerError))
		c.failHandshake(protocol.ServerError(protocol.CodeInternalServerError,
			"Internal Server Error", "Cannot register the connection"), true)
		return false
	}
	c.rt.metrics.Handshake("ok", "")

	_ = c.ws.SetReadDeadline(time.Time{})
	ack, err := json.Marshal(protocol.ConnectAck{ID: c.id, Privileged: c.privileged, UserID: c.userID})
	if err != nil {
		return false
	}
	if err := c.writeFrame(protocol.Frame{Type: protocol.TypeConnect, Data: ack, Timestamp: time.Now()}); err != nil {
		c.logger.Debug("write connect ack", "error", err)
		c.detach(ctx)
		_ = c.ws.Close()
		return false
	}
	return true
}

// attach registers the connection and joins its identity rooms. Privileged
// connections join none.
func (c *Conn) attach(ctx context.Context) error {
	if err := c.rt.adapter.Register(ctx, c); err != nil {
		return err
	}
	if c.privileged {
		return nil
	}
	for _, name := range c.identityRooms() {
		if err := c.rt.adapter.Join(ctx, c.id, name); err != nil {
			c.detach(ctx)
			return err
		}
		c.addRoom(name)
	}
	return nil
}

func (c *Conn) detach(ctx context.Context) {
	if err := c.rt.adapter.LeaveAll(ctx, c.id); err != nil {
		c.logger.Warn("leave rooms", "error", err)
	}
	if err := c.rt.adapter.Unregister(ctx, c.id); err != nil {
		c.logger.Warn("unregister connection", "error", err)
	}
}

// failHandshake writes connect_error directly; the writer is not running yet.
func (c *Conn) failHandshake(perr *protocol.Error, terminate bool) {
	if err := c.writeFrame(protocol.Frame{Type: protocol.TypeConnectError, Error: perr, Timestamp: time.Now()}); err != nil {
		c.logger.Debug("write connect_error", "error", err)
	}
	if !terminate {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(perr.Code))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *Conn) writeFrame(f protocol.Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *Conn) readLoop(ctx context.Context) {
	liveness := c.rt.pingInterval + c.rt.pingTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(liveness))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("client read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(liveness))

		if !c.handleFrame(ctx, msg) {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.rt.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	write := func(msg []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return c.ws.WriteMessage(websocket.TextMessage, msg)
	}

	for {
		select {
		case msg := <-c.send:
			if err := write(msg); err != nil {
				c.logger.Debug("client write error", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		case <-c.quit:
			for {
				select {
				case msg := <-c.send:
					if err := write(msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// disconnecting tells the other members of every channel the connection
// joined that it is leaving, then drops its membership.
func (c *Conn) disconnecting(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	for _, name := range c.channelRooms() {
		data, err := c.presence(c.channelOf(name))
		if err != nil {
			continue
		}
		if err := c.rt.adapter.Broadcast(ctx, name, protocol.EventChannelLeave, data, c.id); err != nil {
			c.logger.Warn("notify channel leave", "room", name, "error", err)
		}
	}
	c.detach(ctx)
}

func (c *Conn) identityRooms() []string {
	rooms := []string{c.tenantID}
	if c.userID != "" {
		rooms = append(rooms, c.tenantID+"."+c.userID)
	}
	return rooms
}

func (c *Conn) isIdentityRoom(name string) bool {
	return name == c.tenantID || (c.userID != "" && name == c.tenantID+"."+c.userID)
}

func (c *Conn) inRoom(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[name]
	return ok
}

func (c *Conn) addRoom(name string) {
	c.mu.Lock()
	c.rooms[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeRoom(name string) {
	c.mu.Lock()
	delete(c.rooms, name)
	c.mu.Unlock()
}

// channelRooms lists the joined rooms that are not identity rooms.
func (c *Conn) channelRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name := range c.rooms {
		if !c.isIdentityRoom(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Conn) channelOf(room string) string {
	return strings.TrimPrefix(room, c.tenantID+".")
}

func (c *Conn) setProfile(data json.RawMessage) {
	c.mu.Lock()
	c.profile = data
	c.mu.Unlock()
}

func (c *Conn) presence(channel string) (json.RawMessage, error) {
	c.mu.Lock()
	profile := c.profile
	c.mu.Unlock()
	if len(profile) == 0 {
		profile = json.RawMessage("null")
	}
	return json.Marshal(protocol.Presence{
		Channel: channel,
		Message: protocol.Member{ID: c.id, Data: profile},
	})
}
