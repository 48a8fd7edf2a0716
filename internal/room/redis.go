package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/protocol"
)

// RedisOptions configures a Redis adapter.
type RedisOptions struct {
	KeyPrefix string
	NodeID    string
	Bus       Bus           // defaults to a RedisBus on the same client
	NodeTTL   time.Duration // liveness window of this process's heartbeat
	Logger    *slog.Logger
}

// Redis shares membership through Redis and fans broadcasts out over a Bus.
//
// Membership is kept in one set per room and profile data in one hash. Each
// connection is mapped to the process that owns it, and each process keeps a
// heartbeat key alive; members owned by a dead process are ignored and pruned.
type Redis struct {
	local   *Local
	client  redis.UniversalClient
	bus     Bus
	prefix  string
	node    string
	nodeTTL time.Duration
	logger  *slog.Logger
}

type envelope struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "relaygate"
	}
	if opts.Bus == nil {
		opts.Bus = NewRedisBus(client, opts.KeyPrefix)
	}
	if opts.NodeTTL <= 0 {
		opts.NodeTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		local:   NewLocal(),
		client:  client,
		bus:     opts.Bus,
		prefix:  opts.KeyPrefix,
		node:    opts.NodeID,
		nodeTTL: opts.NodeTTL,
		logger:  opts.Logger.With("component", "room", "node_id", opts.NodeID),
	}
}

func (r *Redis) roomKey(room string) string { return r.prefix + ":room:" + room }
func (r *Redis) profilesKey() string        { return r.prefix + ":profiles" }
func (r *Redis) connNodeKey() string        { return r.prefix + ":conn-node" }
func (r *Redis) nodeKey(node string) string { return r.prefix + ":node:" + node }

func (r *Redis) Register(ctx context.Context, m Member) error {
	if err := r.local.Register(ctx, m); err != nil {
		return err
	}
	return r.client.HSet(ctx, r.connNodeKey(), m.ID(), r.node).Err()
}

func (r *Redis) Unregister(ctx context.Context, id string) error {
	rooms := r.local.leaveAll(id)
	_ = r.local.Unregister(ctx, id)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, room := range rooms {
			p.SRem(ctx, r.roomKey(room), id)
		}
		p.HDel(ctx, r.connNodeKey(), id)
		p.HDel(ctx, r.profilesKey(), id)
		return nil
	})
	return err
}

func (r *Redis) Join(ctx context.Context, id, room string) error {
	if err := r.client.SAdd(ctx, r.roomKey(room), id).Err(); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return r.local.Join(ctx, id, room)
}

func (r *Redis) Leave(ctx context.Context, id, room string) error {
	_ = r.local.Leave(ctx, id, room)
	if err := r.client.SRem(ctx, r.roomKey(room), id).Err(); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return nil
}

func (r *Redis) LeaveAll(ctx context.Context, id string) error {
	rooms := r.local.leaveAll(id)
	if len(rooms) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, room := range rooms {
			p.SRem(ctx, r.roomKey(room), id)
		}
		return nil
	})
	return err
}

func (r *Redis) SetProfile(ctx context.Context, id string, data json.RawMessage) error {
	_ = r.local.SetProfile(ctx, id, data)
	return r.client.HSet(ctx, r.profilesKey(), id, []byte(profileOrNull(data))).Err()
}

// Broadcast delivers to local members directly and publishes the envelope
// for the other processes.
func (r *Redis) Broadcast(ctx context.Context, room, event string, data json.RawMessage, exclude string) error {
	r.local.deliver(room, event, data, exclude)

	msg, err := json.Marshal(envelope{Node: r.node, Room: room, Event: event, Data: data, Exclude: exclude})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (r *Redis) handleEnvelope(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("dropping malformed broadcast envelope", "error", err)
		return
	}
	if env.Node == r.node {
		return
	}
	r.local.deliver(env.Room, env.Event, env.Data, env.Exclude)
}

func (r *Redis) Members(ctx context.Context, room string) ([]protocol.Member, error) {
	ids, err := r.client.SMembers(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", room, err)
	}
	if len(ids) == 0 {
		return []protocol.Member{}, nil
	}

	nodes, err := r.client.HMGet(ctx, r.connNodeKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve member nodes: %w", err)
	}
	profiles, err := r.client.HMGet(ctx, r.profilesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve member profiles: %w", err)
	}

	alive := map[string]bool{r.node: true}
	out := make([]protocol.Member, 0, len(ids))
	var stale []any
	for i, id := range ids {
		node, _ := nodes[i].(string)
		if node == "" {
			stale = append(stale, id)
			continue
		}
		live, checked := alive[node]
		if !checked {
			n, err := r.client.Exists(ctx, r.nodeKey(node)).Result()
			if err != nil {
				return nil, fmt.Errorf("check node %s: %w", node, err)
			}
			live = n == 1
			alive[node] = live
		}
		if !live {
			stale = append(stale, id)
			continue
		}
		data := jsonNull
		if s, ok := profiles[i].(string); ok && s != "" {
			data = json.RawMessage(s)
		}
		out = append(out, protocol.Member{ID: id, Data: data})
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.roomKey(room), stale...).Err(); err != nil {
			r.logger.Warn("pruning stale members failed", "room", room, "error", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Run keeps this process's heartbeat alive and consumes the bus until ctx
// is done.
func (r *Redis) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(r.nodeTTL / 3)
		defer ticker.Stop()
		for {
			if err := r.client.Set(ctx, r.nodeKey(r.node), time.Now().Unix(), r.nodeTTL).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
			select {
			case <-ctx.Done():
				cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = r.client.Del(cleanup, r.nodeKey(r.node)).Err()
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		return r.bus.Subscribe(ctx, r.handleEnvelope)
	})

	return g.Wait()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.bus.Close()
}
