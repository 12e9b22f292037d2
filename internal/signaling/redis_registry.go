package signaling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is how long a node's memberships outlive its last renewal.
const DefaultLeaseTTL = 30 * time.Second

// RedisRegistry keeps membership in Redis so several relay nodes and the
// members endpoint see the same rooms. Each room is a sorted set scored by a
// global join sequence, which preserves join order and makes rejoining
// idempotent.
//
// Memberships are leased: every entry is owned by the node that added it,
// and a node whose lease key expires (it crashed or lost Redis) has its
// entries reaped by the next registry call on any node. A restarted node
// gets a fresh identity, so its old members disappear once the old lease
// runs out.
//
// The scripts touch several keys, so a cluster deployment needs them in one
// slot; single nodes and sentinel setups work as is.
type RedisRegistry struct {
	rdb    redis.UniversalClient
	prefix string
	node   string
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client. prefix namespaces every key.
func NewRedisRegistry(rdb redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "warpmeet"
	}
	return &RedisRegistry{
		rdb:    rdb,
		prefix: prefix,
		node:   uuid.NewString(),
		ttl:    DefaultLeaseTTL,
	}
}

// Node returns the identity this registry leases memberships under.
func (r *RedisRegistry) Node() string { return r.node }

func (r *RedisRegistry) roomKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s", r.prefix, roomID)
}

func (r *RedisRegistry) roomsKey() string { return r.prefix + ":rooms" }

func (r *RedisRegistry) seqKey() string { return r.prefix + ":seq" }

func (r *RedisRegistry) nodesKey() string { return r.prefix + ":nodes" }

func (r *RedisRegistry) ownersKey() string { return r.prefix + ":owners" }

func (r *RedisRegistry) nodeKey() string { return r.prefix + ":node:" + r.node }

func (r *RedisRegistry) leaseKey() string { return r.prefix + ":lease:" + r.node }

func entry(roomID, participantID string) string {
	return roomID + "\n" + participantID
}

// joinScript adds the member with the next sequence number unless it is
// already present, records this node as its owner and renews the lease.
// KEYS: room, rooms index, sequence, node entries, lease, nodes, owners.
// ARGV: participant, room id, node, lease ms, entry.
var joinScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], 'NX', seq, ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[5])
redis.call('SET', KEYS[5], '1', 'PX', ARGV[4])
redis.call('SADD', KEYS[6], ARGV[3])
redis.call('HSET', KEYS[7], ARGV[5], ARGV[3])
return redis.call('ZRANGE', KEYS[1], 0, -1)
`)

// leaveScript removes the member and drops the room from the index once it is
// empty. KEYS: room, rooms index, node entries, owners.
// ARGV: participant, room id, entry.
var leaveScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[3])
redis.call('HDEL', KEYS[4], ARGV[3])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
if #members == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return members
`)

// reapScript removes the entries of every node whose lease has expired. An
// entry is only removed while the dead node still owns it, so a participant
// that reconnected through another node keeps its place. Keys are derived
// from ARGV[1], the prefix. Returns the number of nodes reaped.
var reapScript = redis.NewScript(`
local prefix = ARGV[1]
local reaped = 0
for _, node in ipairs(redis.call('SMEMBERS', prefix .. ':nodes')) do
  if redis.call('EXISTS', prefix .. ':lease:' .. node) == 0 then
    local nodeKey = prefix .. ':node:' .. node
    for _, entry in ipairs(redis.call('SMEMBERS', nodeKey)) do
      if redis.call('HGET', prefix .. ':owners', entry) == node then
        local sep = string.find(entry, '\n', 1, true)
        local room = string.sub(entry, 1, sep - 1)
        local roomKey = prefix .. ':room:' .. room
        redis.call('ZREM', roomKey, string.sub(entry, sep + 1))
        redis.call('HDEL', prefix .. ':owners', entry)
        if redis.call('ZCARD', roomKey) == 0 then
          redis.call('SREM', prefix .. ':rooms', room)
        end
      end
    end
    redis.call('DEL', nodeKey)
    redis.call('SREM', prefix .. ':nodes', node)
    reaped = reaped + 1
  end
end
return reaped
`)

// reap clears memberships left behind by nodes that stopped renewing.
func (r *RedisRegistry) reap(ctx context.Context) error {
	if err := reapScript.Run(ctx, r.rdb, nil, r.prefix).Err(); err != nil {
		return fmt.Errorf("reap expired nodes: %w", err)
	}
	return nil
}

// Renew extends this node's lease. The hub calls it every RenewInterval.
func (r *RedisRegistry) Renew(ctx context.Context) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.leaseKey(), "1", r.ttl)
		pipe.SAdd(ctx, r.nodesKey(), r.node)
		return nil
	})
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// RenewInterval is a third of the lease so two renewals can fail in a row.
func (r *RedisRegistry) RenewInterval() time.Duration {
	return r.ttl / 3
}

func (r *RedisRegistry) Join(ctx context.Context, roomID, participantID string) ([]string, error) {
	if err := r.reap(ctx); err != nil {
		return nil, err
	}
	keys := []string{
		r.roomKey(roomID), r.roomsKey(), r.seqKey(),
		r.nodeKey(), r.leaseKey(), r.nodesKey(), r.ownersKey(),
	}
	args := []any{participantID, roomID, r.node, r.ttl.Milliseconds(), entry(roomID, participantID)}
	members, err := joinScript.Run(ctx, r.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	return without(members, participantID), nil
}

func (r *RedisRegistry) Leave(ctx context.Context, roomID, participantID string) ([]string, error) {
	if err := r.reap(ctx); err != nil {
		return nil, err
	}
	keys := []string{r.roomKey(roomID), r.roomsKey(), r.nodeKey(), r.ownersKey()}
	remaining, err := leaveScript.Run(ctx, r.rdb, keys, participantID, roomID, entry(roomID, participantID)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if len(remaining) == 0 {
		return nil, nil
	}
	return remaining, nil
}

func (r *RedisRegistry) Members(ctx context.Context, roomID string) ([]string, error) {
	if err := r.reap(ctx); err != nil {
		return nil, err
	}
	members, err := r.rdb.ZRange(ctx, r.roomKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", roomID, err)
	}
	return members, nil
}

func (r *RedisRegistry) Rooms(ctx context.Context) ([]string, error) {
	if err := r.reap(ctx); err != nil {
		return nil, err
	}
	ids, err := r.rdb.SMembers(ctx, r.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
