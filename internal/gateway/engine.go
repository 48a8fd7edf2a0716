package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/authz"
	"github.com/relaygate/relaygate/internal/protocol"
)

var (
	errPrivilegedMembership = protocol.ClientError(protocol.CodeInvalidEvent,
		"Privileged connections do not join channels", nil)
	errMissingTenant = protocol.ClientError(protocol.CodeInvalidEvent,
		"A tenantId is required", nil)
)

// handleFrame authorizes, decodes and dispatches one inbound frame. It
// returns false when the connection must stop reading.
func (c *Conn) handleFrame(ctx context.Context, msg []byte) bool {
	var f protocol.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.logger.Debug("malformed frame", "error", err)
		c.rt.metrics.Event("", "invalid")
		return true
	}
	if f.Type != protocol.TypeEvent || f.Event == "" {
		c.rt.metrics.Event(f.Event, "invalid")
		c.reply(f.Ack, nil, protocol.ClientError(protocol.CodeInvalidEvent,
			fmt.Sprintf("Unexpected frame type %q", f.Type), nil))
		return true
	}

	if f.Event != protocol.EventDisconnect {
		_, res := c.rt.authz.Run(ctx, authz.Context{}, c.req)
		if c.closing() {
			return false
		}
		if res.Kind != authz.Ok {
			c.rt.metrics.Event(f.Event, res.Kind.String())
			if res.Err.Code == protocol.CodeRateLimitExceeded {
				c.rt.metrics.RateLimited(c.tenantID)
			}
			c.reply(f.Ack, nil, res.Err)
			if res.Kind == authz.Terminate {
				return c.handleError(res.Err.Message)
			}
			return true
		}
	}

	ev, err := protocol.DecodeEvent(f.Event, f.Data)
	if err != nil {
		c.rt.metrics.Event(f.Event, "invalid")
		c.logger.Debug("invalid event", "event", f.Event, "error", err)
		c.reply(f.Ack, nil, protocol.ClientError(protocol.CodeInvalidEvent, err.Error(), nil))
		return true
	}

	result, keep, err := c.dispatch(ctx, ev)
	if err != nil {
		perr, ok := protocol.AsError(err)
		if !ok {
			c.logger.Error("event failed", "event", f.Event, "error", err)
			perr = protocol.ServerError(protocol.CodeInternalServerError, "Internal Server Error", nil)
		}
		c.rt.metrics.Event(f.Event, "error")
		c.reply(f.Ack, nil, perr)
		return keep
	}
	c.rt.metrics.Event(f.Event, "ok")
	c.reply(f.Ack, result, nil)
	return keep
}

// reply answers ack-style events. Without an ack id failures are only
// logged.
func (c *Conn) reply(ack *int64, result any, perr *protocol.Error) {
	if ack == nil {
		if perr != nil {
			c.logger.Debug("event refused", "code", perr.Code, "message", perr.Message)
		}
		return
	}
	f, err := protocol.NewAckFrame(*ack, result, perr)
	if err != nil {
		c.logger.Error("encode ack", "error", err)
		return
	}
	c.enqueue(f)
}

func (c *Conn) dispatch(ctx context.Context, ev protocol.Event) (any, bool, error) {
	switch ev := ev.(type) {
	case protocol.Join:
		return nil, true, c.join(ctx, ev)
	case protocol.Leave:
		return nil, true, c.leave(ctx, ev)
	case protocol.Update:
		return nil, true, c.update(ctx, ev)
	case protocol.Message:
		return nil, true, c.message(ctx, ev)
	case protocol.UserEvent:
		return nil, true, c.userEvent(ctx, ev)
	case protocol.SendMessage:
		return nil, true, c.sendMessage(ctx, ev)
	case protocol.BroadcastMessage:
		return nil, true, c.broadcastMessage(ctx, ev)
	case protocol.Members:
		members, err := c.members(ctx, c.tenantID, ev.Channel)
		return members, true, err
	case protocol.GetMembers:
		members, err := c.members(ctx, c.targetTenant(ev.TenantID), ev.Channel)
		return members, true, err
	case protocol.Disconnect:
		reason := ev.Reason
		if reason == "" {
			reason = "client requested disconnect"
		}
		c.disconnect(websocket.CloseNormalClosure, reason)
		return nil, false, nil
	case protocol.ErrorReport:
		return nil, c.handleError(ev.Message), nil
	}
	return nil, true, fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, ev.EventName())
}

// handleError is the generic error handler. The unauthorized event sentinel
// disconnects the connection.
func (c *Conn) handleError(message string) bool {
	if message == protocol.UnauthorizedEvent {
		c.logger.Info("disconnecting unauthorized connection", "tenant_id", c.tenantID)
		c.disconnect(websocket.ClosePolicyViolation, protocol.UnauthorizedEvent)
		return false
	}
	c.logger.Warn("client reported error", "message", message)
	return true
}

// disconnect sends a disconnect frame and closes the transport once the
// queue is flushed.
func (c *Conn) disconnect(code int, reason string) {
	data, _ := json.Marshal(protocol.Disconnect{Reason: reason})
	c.enqueue(protocol.Frame{Type: protocol.TypeDisconnect, Data: data, Timestamp: time.Now()})
	c.close(code, reason)
}

// targetTenant honors a payload tenant for privileged connections only.
func (c *Conn) targetTenant(requested string) string {
	if c.privileged && requested != "" {
		return requested
	}
	return c.tenantID
}

func (c *Conn) echo(requested *bool) bool {
	if requested != nil {
		return *requested
	}
	return c.echoDefault
}

func (c *Conn) join(ctx context.Context, ev protocol.Join) error {
	if c.privileged {
		return errPrivilegedMembership
	}
	name := c.tenantID + "." + ev.Channel
	if c.inRoom(name) {
		return nil
	}
	data, err := c.presence(ev.Channel)
	if err != nil {
		return err
	}
	if err := c.rt.adapter.Broadcast(ctx, name, protocol.EventChannelJoin, data, c.id); err != nil {
		return err
	}
	if err := c.rt.adapter.Join(ctx, c.id, name); err != nil {
		return err
	}
	c.addRoom(name)
	if c.echo(ev.Echo) {
		c.Deliver(protocol.EventChannelJoin, data)
	}
	return nil
}

func (c *Conn) leave(ctx context.Context, ev protocol.Leave) error {
	if c.privileged {
		return errPrivilegedMembership
	}
	name := c.tenantID + "." + ev.Channel
	if !c.inRoom(name) || c.isIdentityRoom(name) {
		return nil
	}
	if err := c.rt.adapter.Leave(ctx, c.id, name); err != nil {
		return err
	}
	c.removeRoom(name)
	data, err := c.presence(ev.Channel)
	if err != nil {
		return err
	}
	if err := c.rt.adapter.Broadcast(ctx, name, protocol.EventChannelLeave, data, c.id); err != nil {
		return err
	}
	if c.echo(ev.Echo) {
		c.Deliver(protocol.EventChannelLeave, data)
	}
	return nil
}

func (c *Conn) update(ctx context.Context, ev protocol.Update) error {
	if c.privileged {
		return errPrivilegedMembership
	}
	c.setProfile(ev.Data)
	if err := c.rt.adapter.SetProfile(ctx, c.id, ev.Data); err != nil {
		return err
	}
	exclude := c.id
	if c.echo(ev.Echo) {
		exclude = ""
	}
	var errs []error
	for _, name := range c.channelRooms() {
		data, err := c.presence(c.channelOf(name))
		if err != nil {
			return err
		}
		if err := c.rt.adapter.Broadcast(ctx, name, protocol.EventChannelUpdate, data, exclude); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Conn) message(ctx context.Context, ev protocol.Message) error {
	if c.tenantID == "" {
		return errMissingTenant
	}
	name := c.tenantID
	var channel *string
	if ev.Channel != "" {
		name += "." + ev.Channel
		channel = &ev.Channel
	}
	data, err := json.Marshal(protocol.Delivery{Channel: channel, Message: ev.Message})
	if err != nil {
		return err
	}
	exclude := c.id
	if c.echo(ev.Echo) {
		exclude = ""
	}
	return c.rt.adapter.Broadcast(ctx, name, ev.Event, data, exclude)
}

// userEvent delivers to every connection bound to the user.
func (c *Conn) userEvent(ctx context.Context, ev protocol.UserEvent) error {
	tenant := c.targetTenant(ev.TenantID)
	if tenant == "" {
		return errMissingTenant
	}
	data := ev.Session
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return c.rt.adapter.Broadcast(ctx, tenant+"."+ev.UserID, ev.Event, data, "")
}

func (c *Conn) sendMessage(ctx context.Context, ev protocol.SendMessage) error {
	tenant := c.targetTenant(ev.TenantID)
	if tenant == "" {
		return errMissingTenant
	}
	data, err := json.Marshal(protocol.Delivery{Channel: &ev.ChannelName, Message: ev.Message})
	if err != nil {
		return err
	}
	return c.rt.adapter.Broadcast(ctx, tenant+"."+ev.ChannelName, ev.Event, data, "")
}

func (c *Conn) broadcastMessage(ctx context.Context, ev protocol.BroadcastMessage) error {
	tenant := c.targetTenant(ev.TenantID)
	if tenant == "" {
		return errMissingTenant
	}
	data, err := json.Marshal(protocol.Delivery{Message: ev.Message})
	if err != nil {
		return err
	}
	return c.rt.adapter.Broadcast(ctx, tenant, ev.Event, data, "")
}

func (c *Conn) members(ctx context.Context, tenant, channel string) ([]protocol.Member, error) {
	if tenant == "" {
		return nil, errMissingTenant
	}
	members, err := c.rt.adapter.Members(ctx, tenant+"."+channel)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []protocol.Member{}
	}
	return members, nil
}
