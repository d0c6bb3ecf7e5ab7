package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// redisReceiveScript leases up to ARGV[3] messages atomically.
// KEYS[1] = ready list, KEYS[2] = in-flight zset (score = visibility deadline ms),
// KEYS[3] = dead-letter list
// ARGV[1] = now (unix ms), ARGV[2] = visibility (ms), ARGV[3] = max messages,
// ARGV[4] = broker max receive (0 = off), ARGV[5] = message hash key prefix.
// Message hashes are addressed through the prefix; every key of a queue carries
// the same hash tag, so they all live in one cluster slot.
var redisReceiveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local dead = KEYS[3]
local now = tonumber(ARGV[1])
local visibility = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local maxReceive = tonumber(ARGV[4])
local prefix = ARGV[5]

-- Return expired leases to the consuming end of the ready list
local expired = redis.call("ZRANGEBYSCORE", inflight, "-inf", now)
for _, id in ipairs(expired) do
    redis.call("ZREM", inflight, id)
    redis.call("RPUSH", ready, id)
end

local out = {}
local taken = 0
while taken < max do
    local id = redis.call("RPOP", ready)
    if not id then
        break
    end
    local msg = prefix .. id
    if redis.call("EXISTS", msg) == 1 then
        local receives = redis.call("HINCRBY", msg, "receives", 1)
        if maxReceive > 0 and receives > maxReceive then
            redis.call("HSET", msg, "reason", "broker max receive count exceeded", "dead_at", now)
            redis.call("LPUSH", dead, id)
        else
            redis.call("ZADD", inflight, now + visibility, id)
            table.insert(out, id)
            table.insert(out, redis.call("HGET", msg, "body"))
            table.insert(out, receives)
            taken = taken + 1
        end
    end
end
return out
`)

// redisAckScript removes an in-flight message.
// KEYS[1] = in-flight zset, KEYS[2] = message hash; ARGV[1] = message id
var redisAckScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
redis.call("DEL", KEYS[2])
return 1
`)

// redisExtendScript moves an in-flight message's visibility deadline.
// KEYS[1] = in-flight zset; ARGV[1] = message id, ARGV[2] = new deadline (unix ms)
var redisExtendScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
    return 0
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[1])
return 1
`)

// redisDeadLetterScript parks an in-flight message.
// KEYS[1] = in-flight zset, KEYS[2] = dead-letter list, KEYS[3] = message hash
// ARGV[1] = message id, ARGV[2] = reason, ARGV[3] = now (unix ms)
var redisDeadLetterScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[3], "reason", ARGV[2], "dead_at", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	// Name namespaces the queue's keys.
	Name string
	// MaxReceive enables broker-side redrive; zero disables it.
	MaxReceive int
	Now        func() time.Time
}

// RedisQueue implements Queue on Redis lists, a sorted set of leases and one
// hash per message. Every state change is a single Lua script.
type RedisQueue struct {
	client redis.UniversalClient
	opts   RedisOptions
	prefix string
}

// NewRedisQueue creates a queue using client.
func NewRedisQueue(client redis.UniversalClient, opts RedisOptions) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "transactions"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisQueue{client: client, opts: opts, prefix: queuePrefix(opts.Name)}
}

// queuePrefix wraps the name in a hash tag so a cluster maps every key of the
// queue, including ones the scripts derive, to the same slot.
func queuePrefix(name string) string {
	return "txgate:queue:{" + name + "}"
}

func (q *RedisQueue) readyKey() string { return q.prefix + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.prefix + ":inflight" }
func (q *RedisQueue) deadKey() string { return q.prefix + ":dead" }
func (q *RedisQueue) msgPrefix() string { return q.prefix + ":msg:" }
func (q *RedisQueue) msgKey(id string) string { return q.msgPrefix() + id }

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redis queue %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("redis queue %s: %w: %v", op, ErrUnavailable, err)
}

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.msgKey(id), "body", body, "receives", 0, "enqueued_at", q.opts.Now().UnixMilli())
		p.LPush(ctx, q.readyKey(), id)
		return nil
	})
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]contracts.DeliveryEnvelope, error) {
	if max <= 0 {
		max = 1
	}
	res, err := redisReceiveScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.deadKey()},
		q.opts.Now().UnixMilli(), visibility.Milliseconds(), max, q.opts.MaxReceive, q.msgPrefix(),
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("receive", err)
	}
	return parseReceiveReply(res)
}

// parseReceiveReply decodes the flat {id, body, receives, ...} script reply.
func parseReceiveReply(res any) ([]contracts.DeliveryEnvelope, error) {
	if res == nil {
		return nil, nil
	}
	items, ok := res.([]interface{})
	if !ok || len(items)%3 != 0 {
		return nil, fmt.Errorf("invalid response from receive script")
	}
	out := make([]contracts.DeliveryEnvelope, 0, len(items)/3)
	for i := 0; i < len(items); i += 3 {
		id, _ := items[i].(string)
		body, _ := items[i+1].(string)
		var receives int
		switch v := items[i+2].(type) {
		case int64:
			receives = int(v)
		case string:
			receives, _ = strconv.Atoi(v)
		}
		if id == "" {
			return nil, fmt.Errorf("invalid response from receive script: empty id")
		}
		out = append(out, contracts.DeliveryEnvelope{MessageID: id, ReceiveCount: receives, Body: []byte(body)})
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	n, err := redisAckScript.Run(ctx, q.client, []string{q.inflightKey(), q.msgKey(messageID)}, messageID).Int()
	if err != nil {
		return unavailable("ack", err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) ExtendVisibility(ctx context.Context, messageID string, d time.Duration) error {
	deadline := q.opts.Now().Add(d).UnixMilli()
	n, err := redisExtendScript.Run(ctx, q.client, []string{q.inflightKey()}, messageID, deadline).Int()
	if err != nil {
		return unavailable("extend", err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, messageID, reason string) error {
	n, err := redisDeadLetterScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.deadKey(), q.msgKey(messageID)},
		messageID, reason, q.opts.Now().UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("dead-letter", err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

// DeadLetters returns up to limit of the most recently dead-lettered messages.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	out := make([]DeadMessage, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.msgKey(id)).Result()
		if err != nil {
			return nil, unavailable("list dead letters", err)
		}
		receives, _ := strconv.Atoi(fields["receives"])
		deadAt, _ := strconv.ParseInt(fields["dead_at"], 10, 64)
		out = append(out, DeadMessage{
			MessageID:    id,
			Body:         []byte(fields["body"]),
			ReceiveCount: receives,
			Reason:       fields["reason"],
			DeadAt:       time.UnixMilli(deadAt).UTC(),
		})
	}
	return out, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
