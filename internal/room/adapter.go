// Package room tracks room membership and fans deliveries out to members,
// within one process or across a fleet of gateway processes.
package room

import (
	"context"
	"encoding/json"

	"github.com/relaygate/relaygate/internal/protocol"
)

// Member is a connection attached to this process.
type Member interface {
	ID() string
	// Deliver queues an event for the connection. It must not block.
	Deliver(event string, data json.RawMessage)
}

// Adapter owns room membership. Rooms exist while they have members.
type Adapter interface {
	// Register makes a local connection reachable. Unregister removes it from
	// every room it joined.
	Register(ctx context.Context, m Member) error
	Unregister(ctx context.Context, id string) error

	Join(ctx context.Context, id, room string) error
	Leave(ctx context.Context, id, room string) error
	LeaveAll(ctx context.Context, id string) error

	// SetProfile stores the profile data reported by Members.
	SetProfile(ctx context.Context, id string, data json.RawMessage) error

	// Broadcast delivers event to every member of room except exclude.
	Broadcast(ctx context.Context, room, event string, data json.RawMessage, exclude string) error

	// Members lists the room's members across all processes.
	Members(ctx context.Context, room string) ([]protocol.Member, error)

	// Run services cross-process traffic until ctx is done.
	Run(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
