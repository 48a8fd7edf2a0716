package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type delivery struct {
	event string
	data  string
}

type recorder struct {
	id  string
	mu  sync.Mutex
	got []delivery
	ch  chan delivery
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan delivery, 64)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(event string, data json.RawMessage) {
	d := delivery{event: event, data: string(data)}
	r.mu.Lock()
	r.got = append(r.got, d)
	r.mu.Unlock()
	select {
	case r.ch <- d:
	default:
	}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func registerAll(t *testing.T, a Adapter, members ...*recorder) {
	t.Helper()
	for _, m := range members {
		if err := a.Register(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLocalBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	a, b, c := newRecorder("a"), newRecorder("b"), newRecorder("c")
	registerAll(t, l, a, b, c)

	for _, m := range []*recorder{a, b} {
		if err := l.Join(ctx, m.id, "acme.room1"); err != nil {
			t.Fatal(err)
		}
	}
	_ = l.Join(ctx, "c", "acme.room2")

	if err := l.Broadcast(ctx, "acme.room1", "chat", json.RawMessage(`"hi"`), "a"); err != nil {
		t.Fatal(err)
	}

	if got := a.deliveries(); len(got) != 0 {
		t.Errorf("sender got %v", got)
	}
	if got := b.deliveries(); len(got) != 1 || got[0].event != "chat" || got[0].data != `"hi"` {
		t.Errorf("b got %v", got)
	}
	if got := c.deliveries(); len(got) != 0 {
		t.Errorf("non-member got %v", got)
	}

	_ = l.Broadcast(ctx, "acme.room1", "chat", json.RawMessage(`"all"`), "")
	if got := a.deliveries(); len(got) != 1 {
		t.Errorf("unexcluded sender got %v", got)
	}
}

func TestLocalMembersAndProfiles(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	a, b := newRecorder("a"), newRecorder("b")
	registerAll(t, l, a, b)
	_ = l.Join(ctx, "a", "acme.room")
	_ = l.Join(ctx, "b", "acme.room")
	_ = l.SetProfile(ctx, "b", json.RawMessage(`{"name":"bob"}`))

	members, err := l.Members(ctx, "acme.room")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	if members[0].ID != "a" || string(members[0].Data) != "null" {
		t.Errorf("a: got %+v", members[0])
	}
	if members[1].ID != "b" || string(members[1].Data) != `{"name":"bob"}` {
		t.Errorf("b: got %+v", members[1])
	}

	empty, err := l.Members(ctx, "acme.nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty room: got %v, %v", empty, err)
	}
}

func TestLocalLeaveAllDropsEmptyRooms(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	registerAll(t, l, newRecorder("a"))
	_ = l.Join(ctx, "a", "acme")
	_ = l.Join(ctx, "a", "acme.room")

	if got := l.Rooms("a"); len(got) != 2 {
		t.Fatalf("rooms: got %v", got)
	}
	if err := l.LeaveAll(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got := l.Rooms("a"); len(got) != 0 {
		t.Errorf("rooms after LeaveAll: got %v", got)
	}
	if len(l.rooms) != 0 {
		t.Errorf("rooms map not emptied: %v", l.rooms)
	}

	_ = l.Join(ctx, "a", "acme.room")
	if err := l.Unregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(l.rooms) != 0 || len(l.members) != 0 {
		t.Errorf("state after Unregister: rooms %v members %v", l.rooms, l.members)
	}
}

func TestLocalLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	registerAll(t, l, newRecorder("a"))
	_ = l.Join(ctx, "a", "acme.room")
	_ = l.Leave(ctx, "a", "acme.room")
	if err := l.Leave(ctx, "a", "acme.room"); err != nil {
		t.Fatal(err)
	}
	if members, _ := l.Members(ctx, "acme.room"); len(members) != 0 {
		t.Errorf("members: got %v", members)
	}
}
