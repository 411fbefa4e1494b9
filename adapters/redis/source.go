// Package redis stores jobs in Redis. Each job is a hash; every queue keeps
// three sorted sets of job ids: ready (by score), delayed (by available_at)
// and reserved (by reserved_at). State transitions run as Lua scripts so a
// job is never in two sets at once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"go-dispatch-lite/core"
)

const DefaultPrefix = "dispatch:"

// KEYS: ready, delayed, reserved. ARGV: now ms, job key prefix.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local score = redis.call('HGET', ARGV[2] .. id, 'score')
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
end

local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end

local id = popped[1]
local key = ARGV[2] .. id
redis.call('HSET', key, 'reserved_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('ZADD', KEYS[3], ARGV[1], id)
return id
`)

// KEYS: job. ARGV: queue key prefix, terminal field, now ms, error.
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end

local q = ARGV[1] .. redis.call('HGET', KEYS[1], 'queue')
local id = redis.call('HGET', KEYS[1], 'id')
for _, s in ipairs({':ready', ':delayed', ':reserved'}) do
	redis.call('ZREM', q .. s, id)
end

redis.call('HDEL', KEYS[1], 'reserved_at')
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
if ARGV[4] ~= '' then
	redis.call('HSET', KEYS[1], 'error', ARGV[4])
end
return 1
`)

// KEYS: job. ARGV: queue key prefix, available_at ms, now ms.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[1], 'completed_at') == 1 or redis.call('HEXISTS', KEYS[1], 'failed_at') == 1 then
	return 1
end

local q = ARGV[1] .. redis.call('HGET', KEYS[1], 'queue')
local id = redis.call('HGET', KEYS[1], 'id')
for _, s in ipairs({':ready', ':delayed', ':reserved'}) do
	redis.call('ZREM', q .. s, id)
end

redis.call('HDEL', KEYS[1], 'reserved_at')
redis.call('HSET', KEYS[1], 'available_at', ARGV[2])
if tonumber(ARGV[2]) <= tonumber(ARGV[3]) then
	redis.call('ZADD', q .. ':ready', redis.call('HGET', KEYS[1], 'score'), id)
else
	redis.call('ZADD', q .. ':delayed', ARGV[2], id)
end
return 1
`)

// KEYS: job. ARGV: queue key prefix.
var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end

local q = ARGV[1] .. redis.call('HGET', KEYS[1], 'queue')
local id = redis.call('HGET', KEYS[1], 'id')
for _, s in ipairs({':ready', ':delayed', ':reserved'}) do
	redis.call('ZREM', q .. s, id)
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS: ready, delayed, reserved. ARGV: job key prefix.
var clearScript = redis.NewScript(`
for i = 1, 3 do
	for _, id in ipairs(redis.call('ZRANGE', KEYS[i], 0, -1)) do
		redis.call('DEL', ARGV[1] .. id)
	end
	redis.call('DEL', KEYS[i])
end
return 1
`)

// KEYS: ready, reserved. ARGV: cutoff ms, now ms, job key prefix, error
// stored on jobs reserved on their last attempt.
var releaseStaleScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local released = 0
for _, id in ipairs(stale) do
	local key = ARGV[3] .. id
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', key, 'reserved_at')
	if tonumber(redis.call('HGET', key, 'attempts')) >= tonumber(redis.call('HGET', key, 'max_attempts')) then
		redis.call('HSET', key, 'failed_at', ARGV[2], 'error', ARGV[4])
	else
		redis.call('HSET', key, 'available_at', ARGV[2])
		redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'score'), id)
		released = released + 1
	end
end
return released
`)

type Source struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisSource(ctx context.Context, addr string, password string, db int, prefix string) (*Source, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, core.Storage("ping", fmt.Errorf("failed to connect to Redis: %w", err))
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Source{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Source) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *Source) queueKeys(queue string) []string {
	base := s.prefix + "queue:" + queue
	return []string{base + ":ready", base + ":delayed", base + ":reserved"}
}

func (s *Source) Push(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return core.Storage("push", err)
	}

	score := strconv.FormatFloat(job.Score(), 'f', -1, 64)
	available := job.AvailableMillis()
	keys := s.queueKeys(job.Queue)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.ID),
			"id", job.ID,
			"queue", job.Queue,
			"data", data,
			"score", score,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"available_at", available,
		)
		if available <= s.now().UnixMilli() {
			pipe.ZAdd(ctx, keys[0], &redis.Z{Score: job.Score(), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, keys[1], &redis.Z{Score: float64(available), Member: job.ID})
		}
		return nil
	})

	return core.Storage("push", err)
}

func (s *Source) Pop(ctx context.Context, queue string) (*core.Job, error) {
	id, err := popScript.Run(ctx, s.client, s.queueKeys(queue), s.now().UnixMilli(), s.prefix+"job:").Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, core.Storage("pop", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, core.Storage("pop", err)
	}
	return job, nil
}

func (s *Source) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, "complete", id, "completed_at", "")
}

func (s *Source) Fail(ctx context.Context, id string, message string) error {
	return s.finish(ctx, "fail", id, "failed_at", message)
}

func (s *Source) finish(ctx context.Context, op, id, field, message string) error {
	n, err := finishScript.Run(ctx, s.client, []string{s.jobKey(id)},
		s.prefix+"queue:", field, s.now().UnixMilli(), message).Int()
	if err != nil {
		return core.Storage(op, err)
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Source) Release(ctx context.Context, id string, delay time.Duration) error {
	now := s.now()
	n, err := releaseScript.Run(ctx, s.client, []string{s.jobKey(id)},
		s.prefix+"queue:", core.CeilMillis(now.Add(delay)), now.UnixMilli()).Int()
	if err != nil {
		return core.Storage("release", err)
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Source) Get(ctx context.Context, id string) (*core.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, core.Storage("get", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrJobNotFound
	}

	job, err := decode(fields)
	return job, core.Storage("get", err)
}

func (s *Source) Delete(ctx context.Context, id string) error {
	n, err := deleteScript.Run(ctx, s.client, []string{s.jobKey(id)}, s.prefix+"queue:").Int()
	if err != nil {
		return core.Storage("delete", err)
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Source) Size(ctx context.Context, queue string) (int, error) {
	keys := s.queueKeys(queue)
	cmds := make([]*redis.IntCmd, len(keys))

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return 0, core.Storage("size", err)
	}

	total := 0
	for _, cmd := range cmds {
		total += int(cmd.Val())
	}
	return total, nil
}

func (s *Source) Clear(ctx context.Context, queue string) error {
	err := clearScript.Run(ctx, s.client, s.queueKeys(queue), s.prefix+"job:").Err()
	return core.Storage("clear", err)
}

func (s *Source) HasUniqueKey(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+"unique:"+key).Result()
	if err != nil {
		return false, core.Storage("has_unique_key", err)
	}
	return n > 0, nil
}

func (s *Source) SetUniqueKey(ctx context.Context, key, jobID string, ttl time.Duration) error {
	err := s.client.Set(ctx, s.prefix+"unique:"+key, jobID, ttl).Err()
	return core.Storage("set_unique_key", err)
}

func (s *Source) ReleaseStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	now := s.now()
	keys := s.queueKeys(queue)
	n, err := releaseStaleScript.Run(ctx, s.client, []string{keys[0], keys[2]},
		now.Add(-olderThan).UnixMilli(), now.UnixMilli(), s.prefix+"job:", core.StaleFinalAttemptMessage).Int()
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	return n, nil
}

func (s *Source) Close() error {
	return s.client.Close()
}

// decode rebuilds a job from its hash: the immutable fields come from the
// data document, the rest from their own hash fields.
func decode(fields map[string]string) (*core.Job, error) {
	var job core.Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, err
	}
	if job.Metadata == nil {
		job.Metadata = core.Metadata{}
	}

	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("attempts: %w", err)
	}
	job.Attempts = attempts

	available, err := millis(fields["available_at"])
	if err != nil {
		return nil, fmt.Errorf("available_at: %w", err)
	}
	job.AvailableAt = *available

	if job.ReservedAt, err = millis(fields["reserved_at"]); err != nil {
		return nil, fmt.Errorf("reserved_at: %w", err)
	}
	if job.CompletedAt, err = millis(fields["completed_at"]); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	if job.FailedAt, err = millis(fields["failed_at"]); err != nil {
		return nil, fmt.Errorf("failed_at: %w", err)
	}

	job.Error = nil
	if msg, ok := fields["error"]; ok {
		job.Error = &msg
	}

	return &job, nil
}

func millis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
