package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout, all keys under Options.Prefix:
//
//	queue:priority, queue:standard  list of job ids, LPUSH in, BRPOP out
//	task:<id>                       hash: payload, lane, state, attempts, last_error
//	active                          set of job ids currently held by a worker
//	delayed                         zset: score=due unix millis, member=job id
//	history:completed               list of HistoryEntry JSON, newest first
//	history:failed                  list of HistoryEntry JSON, newest first
//
// The task hash exists from enqueue until ack, dead-letter or Forget, which
// makes it the de-duplication marker. A tracked id is always in a lane, the
// active set or the delayed zset; popping and claiming happen in one script.

// enqueueScript inserts the task hash and pushes it onto its lane unless the
// job is already tracked.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'lane', ARGV[2], 'state', 'waiting', 'attempts', 0)
redis.call('LPUSH', KEYS[2], ARGV[3])
return 1
`)

// promoteScript moves due retries back onto the tail of their lane.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local taskKey = ARGV[3] .. 'task:' .. id
  local lane = redis.call('HGET', taskKey, 'lane')
  if lane then
    redis.call('HSET', taskKey, 'state', 'waiting')
    redis.call('LPUSH', ARGV[3] .. 'queue:' .. lane, id)
    moved = moved + 1
  end
end
return moved
`)

// popClaimScript pops the next id from the first non-empty lane in KEYS and
// marks it active. It returns the id followed by the task hash fields, or nil.
// Ids whose hash is gone are discarded.
var popClaimScript = redis.NewScript(`
for _, lane in ipairs(KEYS) do
  while true do
    local id = redis.call('RPOP', lane)
    if not id then break end
    local taskKey = ARGV[1] .. 'task:' .. id
    if redis.call('EXISTS', taskKey) == 1 then
      redis.call('HINCRBY', taskKey, 'attempts', 1)
      redis.call('HSET', taskKey, 'state', 'active')
      redis.call('SADD', ARGV[1] .. 'active', id)
      local out = redis.call('HGETALL', taskKey)
      table.insert(out, 1, id)
      return out
    end
  end
end
return nil
`)

// claimScript marks an id already popped by BRPOP active. Same reply shape as
// popClaimScript.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return nil
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'active')
redis.call('SADD', KEYS[2], ARGV[1])
local out = redis.call('HGETALL', KEYS[1])
table.insert(out, 1, ARGV[1])
return out
`)

// releaseScript puts an active id back at the head of its lane and takes back
// the attempt its claim counted.
var releaseScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'attempts', -1)
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// forgetScript removes every trace of an id outside the history lists.
var forgetScript = redis.NewScript(`
local existed = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
for i = 4, #KEYS do
  redis.call('LREM', KEYS[i], 0, ARGV[1])
end
return existed
`)

const promoteBatch = 100

// RedisBackend implements Backend on Redis lists, hashes and a sorted set.
type RedisBackend struct {
	client *redis.Client
	opts   Options
}

// NewRedisBackend creates a backend from a Redis URL (e.g., "redis://localhost:6379").
func NewRedisBackend(redisURL string, opts Options) (*RedisBackend, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedisBackendFromClient(redis.NewClient(parsed), opts), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, opts Options) *RedisBackend {
	return &RedisBackend{client: client, opts: opts.withDefaults()}
}

func (b *RedisBackend) key(parts ...string) string {
	k := b.opts.Prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (b *RedisBackend) laneKey(lane Lane) string { return b.key("queue:", string(lane)) }
func (b *RedisBackend) taskKey(id string) string { return b.key("task:", id) }
func (b *RedisBackend) activeKey() string { return b.key("active") }
func (b *RedisBackend) delayedKey() string { return b.key("delayed") }
func (b *RedisBackend) historyKey(kind string) string { return b.key("history:", kind) }

func (b *RedisBackend) Enqueue(ctx context.Context, task Task) (bool, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = b.opts.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	id := task.JobID.String()
	lane := b.opts.LaneFor(task.Priority)
	added, err := enqueueScript.Run(ctx, b.client,
		[]string{b.taskKey(id), b.laneKey(lane)},
		string(payload), string(lane), id).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: %w", id, err)
	}
	return added == 1, nil
}

func (b *RedisBackend) laneKeys() []string {
	keys := make([]string, 0, len(Lanes))
	for _, lane := range Lanes {
		keys = append(keys, b.laneKey(lane))
	}
	return keys
}

func (b *RedisBackend) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Once the script runs its claim stands, so the reply must reach the caller.
		claimCtx := context.WithoutCancel(ctx)
		reply, err := popClaimScript.Run(claimCtx, b.client, b.laneKeys(), b.opts.Prefix).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop task: %w", err)
		}
		return b.delivery(claimCtx, reply)
	}

	// BRPOP checks keys in order, so the priority lane always wins.
	res, err := b.client.BRPop(ctx, wait, b.laneKeys()...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("blocking pop: %w", err)
	}
	lane, id := res[0], res[1]

	// The id is out of its lane now; the claim must land even if ctx is
	// cancelled, or go back where it came from.
	claimCtx := context.WithoutCancel(ctx)
	reply, err := claimScript.Run(claimCtx, b.client,
		[]string{b.taskKey(id), b.activeKey()}, id).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if perr := b.client.RPush(claimCtx, lane, id).Err(); perr != nil {
			return nil, fmt.Errorf("claim task %s: %w (returning to lane: %v)", id, err, perr)
		}
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return b.delivery(claimCtx, reply)
}

// delivery builds a Delivery from a claim reply: the id, then hash field/value pairs.
func (b *RedisBackend) delivery(ctx context.Context, reply []string) (*Delivery, error) {
	id := reply[0]
	h := make(map[string]string, len(reply)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		h[reply[i]] = reply[i+1]
	}

	var task Task
	if err := json.Unmarshal([]byte(h["payload"]), &task); err != nil {
		// Without a payload the task can never run; drop it rather than loop on it.
		ctx = context.WithoutCancel(ctx)
		b.client.Del(ctx, b.taskKey(id))
		b.client.SRem(ctx, b.activeKey(), id)
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	attempts, _ := strconv.Atoi(h["attempts"])

	return &Delivery{
		Task:        task,
		Lane:        Lane(h["lane"]),
		Attempt:     attempts,
		MaxAttempts: b.opts.Policy.MaxAttempts,
		LastError:   h["last_error"],
	}, nil
}

func (b *RedisBackend) Ack(ctx context.Context, d *Delivery) error {
	id := d.JobID.String()
	removed, err := b.client.SRem(ctx, b.activeKey(), id).Result()
	if err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}

	entry, err := json.Marshal(HistoryEntry{
		Task:       d.Task,
		Lane:       d.Lane,
		Attempts:   d.Attempt,
		FinishedAt: b.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.taskKey(id))
	pipe.LPush(ctx, b.historyKey("completed"), entry)
	pipe.LTrim(ctx, b.historyKey("completed"), 0, int64(b.opts.KeepCompleted-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) Nack(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	id := d.JobID.String()
	removed, err := b.client.SRem(ctx, b.activeKey(), id).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("nack task %s: %w", id, err)
	}
	if removed == 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}

	msg := causeMessage(cause)
	now := b.opts.Now()

	if d.Attempt >= b.opts.Policy.MaxAttempts {
		entry, err := json.Marshal(HistoryEntry{
			Task:       d.Task,
			Lane:       d.Lane,
			Attempts:   d.Attempt,
			Error:      fmt.Sprintf("%s: %s", ErrDeliveryExhausted, msg),
			FinishedAt: now.UTC(),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("marshal history entry: %w", err)
		}

		pipe := b.client.TxPipeline()
		pipe.Del(ctx, b.taskKey(id))
		pipe.LPush(ctx, b.historyKey("failed"), entry)
		pipe.LTrim(ctx, b.historyKey("failed"), 0, int64(b.opts.KeepFailed-1))
		if _, err := pipe.Exec(ctx); err != nil {
			return Outcome{}, fmt.Errorf("dead-letter task %s: %w", id, err)
		}
		return Outcome{}, nil
	}

	delay := b.opts.Policy.Backoff(d.Attempt)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.taskKey(id), "state", "delayed", "last_error", msg)
	pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return Outcome{}, fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return Outcome{Retried: true, Delay: delay}, nil
}

func (b *RedisBackend) Release(ctx context.Context, d *Delivery) error {
	id := d.JobID.String()
	lane := d.Lane
	if lane == "" {
		lane = b.opts.LaneFor(d.Priority)
	}
	ok, err := releaseScript.Run(ctx, b.client,
		[]string{b.taskKey(id), b.activeKey(), b.laneKey(lane)}, id).Int()
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}
	return nil
}

func (b *RedisBackend) Forget(ctx context.Context, jobID uuid.UUID) (bool, error) {
	id := jobID.String()
	keys := append([]string{b.taskKey(id), b.activeKey(), b.delayedKey()}, b.laneKeys()...)
	n, err := forgetScript.Run(ctx, b.client, keys, id).Int()
	if err != nil {
		return false, fmt.Errorf("forget task %s: %w", id, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) PromoteDue(ctx context.Context) (int, error) {
	now := b.opts.Now().UnixMilli()
	moved, err := promoteScript.Run(ctx, b.client,
		[]string{b.delayedKey()},
		now, promoteBatch, b.opts.Prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due retries: %w", err)
	}
	return moved, nil
}

func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	priority := pipe.LLen(ctx, b.laneKey(LanePriority))
	standard := pipe.LLen(ctx, b.laneKey(LaneStandard))
	active := pipe.SCard(ctx, b.activeKey())
	delayed := pipe.ZCard(ctx, b.delayedKey())
	completed := pipe.LLen(ctx, b.historyKey("completed"))
	failed := pipe.LLen(ctx, b.historyKey("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Priority:  priority.Val(),
		Standard:  standard.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (b *RedisBackend) LaneLength(ctx context.Context, lane Lane) (int64, error) {
	if lane != LanePriority && lane != LaneStandard {
		return 0, fmt.Errorf("unknown lane %q", lane)
	}
	n, err := b.client.LLen(ctx, b.laneKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("lane length %s: %w", lane, err)
	}
	return n, nil
}

// Dead returns the most recent dead-lettered tasks, newest first.
func (b *RedisBackend) Dead(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > b.opts.KeepFailed {
		limit = b.opts.KeepFailed
	}
	raw, err := b.client.LRange(ctx, b.historyKey("failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Tracked reports whether the backend still holds a task for jobID.
func (b *RedisBackend) Tracked(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := b.client.Exists(ctx, b.taskKey(jobID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", jobID, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
