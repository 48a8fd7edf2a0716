package room

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/relaygate/relaygate/internal/protocol"
)

// Local is an in-process Adapter.
type Local struct {
	mu        sync.RWMutex
	members   map[string]Member
	rooms     map[string]map[string]struct{} // room -> conn ids
	connRooms map[string]map[string]struct{} // conn id -> rooms
	profiles  map[string]json.RawMessage
}

func NewLocal() *Local {
	return &Local{
		members:   make(map[string]Member),
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
		profiles:  make(map[string]json.RawMessage),
	}
}

func (l *Local) Register(_ context.Context, m Member) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[m.ID()] = m
	return nil
}

func (l *Local) Unregister(_ context.Context, id string) error {
	l.leaveAll(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.members, id)
	delete(l.profiles, id)
	return nil
}

func (l *Local) Join(_ context.Context, id, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rooms[room] == nil {
		l.rooms[room] = make(map[string]struct{})
	}
	l.rooms[room][id] = struct{}{}
	if l.connRooms[id] == nil {
		l.connRooms[id] = make(map[string]struct{})
	}
	l.connRooms[id][room] = struct{}{}
	return nil
}

func (l *Local) Leave(_ context.Context, id, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id, room)
	return nil
}

func (l *Local) LeaveAll(_ context.Context, id string) error {
	l.leaveAll(id)
	return nil
}

// leaveAll removes id from all its rooms and returns the rooms it left.
func (l *Local) leaveAll(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var left []string
	for room := range l.connRooms[id] {
		left = append(left, room)
		l.removeLocked(id, room)
	}
	delete(l.connRooms, id)
	return left
}

func (l *Local) removeLocked(id, room string) {
	if ids, ok := l.rooms[room]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(l.rooms, room)
		}
	}
	if rooms, ok := l.connRooms[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(l.connRooms, id)
		}
	}
}

func (l *Local) SetProfile(_ context.Context, id string, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[id] = data
	return nil
}

func (l *Local) Broadcast(_ context.Context, room, event string, data json.RawMessage, exclude string) error {
	l.deliver(room, event, data, exclude)
	return nil
}

// deliver hands the event to local members of room. Members are snapshotted
// under the read lock and delivered to outside it.
func (l *Local) deliver(room, event string, data json.RawMessage, exclude string) int {
	l.mu.RLock()
	targets := make([]Member, 0, len(l.rooms[room]))
	for id := range l.rooms[room] {
		if id == exclude {
			continue
		}
		if m, ok := l.members[id]; ok {
			targets = append(targets, m)
		}
	}
	l.mu.RUnlock()

	for _, m := range targets {
		m.Deliver(event, data)
	}
	return len(targets)
}

func (l *Local) Members(_ context.Context, room string) ([]protocol.Member, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.Member, 0, len(l.rooms[room]))
	for id := range l.rooms[room] {
		out = append(out, protocol.Member{ID: id, Data: profileOrNull(l.profiles[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Rooms returns the rooms id currently belongs to in this process.
func (l *Local) Rooms(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.connRooms[id]))
	for room := range l.connRooms[id] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }
func (l *Local) Close() error               { return nil }

var jsonNull = json.RawMessage("null")

func profileOrNull(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return jsonNull
	}
	return data
}
