// Package queue is a durable, priority-ordered, at-least-once job queue on
// Redis. Every state change runs in a Lua script so that the queue is the
// only serialization point for job ownership across worker processes.
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
	"go.uber.org/zap"
)

// Config tunes retention and lock behaviour. Zero values take defaults.
type Config struct {
	Prefix             string
	LockTimeout        time.Duration
	MaxStalled         int
	RemoveOnComplete   bool
	KeepCompleted      int // 0 keeps every completed job
	KeepDead           int // 0 keeps every dead letter
	CancelledTTL       time.Duration
	DefaultMaxAttempts int
	DefaultBackoff     Backoff
	PromoteBatch       int
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "beacon"
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = time.Minute
	}
	if c.MaxStalled <= 0 {
		c.MaxStalled = 1
	}
	if c.CancelledTTL <= 0 {
		c.CancelledTTL = 24 * time.Hour
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultBackoff.Base <= 0 {
		c.DefaultBackoff = Backoff{Strategy: BackoffExponential, Base: time.Second, Cap: 5 * time.Minute}
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
}

// EnqueueOptions control how a single job is scheduled.
type EnqueueOptions struct {
	// JobID makes enqueue idempotent: a second enqueue with the same id is
	// a no-op returning that id.
	JobID       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Dead      int64  `json:"dead"`
}

// Queue operates every named sub-queue under one prefix.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(rdb *redis.Client, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	cfg.setDefaults()
	q := &Queue{
		rdb:    rdb,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type queueKeys struct {
	wait, delayed, active, completed, dead, seq, job string
}

func (q *Queue) keys(name string) queueKeys {
	base := fmt.Sprintf("%s:queue:%s:", q.cfg.Prefix, name)
	return queueKeys{
		wait:      base + "wait",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		dead:      base + "dead",
		seq:       base + "seq",
		job:       base + "job:",
	}
}

// priorityScore orders the wait set: higher priority first, then enqueue
// order. Both parts stay well inside the exact integer range of a double.
func priorityScore(priority int, seq int64) string {
	score := int64(100-priority)*1e13 + seq
	return strconv.FormatInt(score, 10)
}

var enqueueScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', jobKey) == 1 then
  return 0
end
local status = 'waiting'
if ARGV[9] == '1' then
  status = 'delayed'
end
redis.call('HSET', jobKey,
  'id', ARGV[2], 'payload', ARGV[3], 'attempts', 0, 'max_attempts', ARGV[4],
  'backoff', ARGV[5], 'priority', ARGV[6], 'score', ARGV[7], 'status', status,
  'created_at', ARGV[8], 'process_at', ARGV[10], 'stalled', 0,
  'last_error', '', 'token', '')
if status == 'delayed' then
  redis.call('ZADD', KEYS[2], ARGV[10], ARGV[2])
else
  redis.call('ZADD', KEYS[1], ARGV[7], ARGV[2])
end
return 1
`)

// Enqueue adds a job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts EnqueueOptions) (string, error) {
	if name == "" {
		return "", ErrInvalidQueue
	}
	if opts.Priority < 0 || opts.Priority > 100 {
		return "", fmt.Errorf("priority %d out of range 0-100", opts.Priority)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	backoff := q.cfg.DefaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	backoffJSON, err := json.Marshal(backoff)
	if err != nil {
		return "", fmt.Errorf("encode backoff: %w", err)
	}

	k := q.keys(name)
	seq, err := q.rdb.Incr(ctx, k.seq).Result()
	if err != nil {
		return "", fmt.Errorf("redis incr failed: %w", err)
	}

	now := q.now()
	delayed := "0"
	processAt := now
	if opts.Delay > 0 {
		delayed = "1"
		processAt = now.Add(opts.Delay)
	}

	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{k.wait, k.delayed},
		k.job, id, string(payload), maxAttempts, string(backoffJSON), opts.Priority,
		priorityScore(opts.Priority, seq), now.UnixMilli(), delayed, processAt.UnixMilli(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if created == 0 {
		q.logger.Debug("job already enqueued",
			zap.String("queue", name),
			zap.String("job_id", id),
		)
		return id, nil
	}

	q.logger.Debug("job enqueued",
		zap.String("queue", name),
		zap.String("job_id", id),
		zap.Int("priority", opts.Priority),
		zap.Duration("delay", opts.Delay),
	)
	return id, nil
}

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, tonumber(ARGV[5]))
for _, id in ipairs(due) do
  local jobKey = ARGV[1] .. id
  redis.call('ZREM', KEYS[2], id)
  local score = redis.call('HGET', jobKey, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
    redis.call('HSET', jobKey, 'status', 'waiting')
  end
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local jobKey = ARGV[1] .. id
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[3]), id)
redis.call('HSET', jobKey, 'status', 'active', 'token', ARGV[4])
return redis.call('HGETALL', jobKey)
`)

// Claim takes the next job for processing and locks it until the lock
// timeout. It returns (nil, nil) when nothing is ready.
func (q *Queue) Claim(ctx context.Context, name string) (*Job, error) {
	k := q.keys(name)
	token := uuid.NewString()

	fields, err := claimScript.Run(ctx, q.rdb,
		[]string{k.wait, k.delayed, k.active},
		k.job, q.now().UnixMilli(), q.cfg.LockTimeout.Milliseconds(), token, q.cfg.PromoteBatch,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	return parseJob(name, pairsToMap(fields))
}

var completeScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('HGET', jobKey, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
if ARGV[6] == '1' then
  redis.call('DEL', jobKey)
  return 1
end
redis.call('HSET', jobKey, 'status', 'completed', 'finished_at', ARGV[4], 'token', '', 'result', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
local keep = tonumber(ARGV[7])
if keep > 0 then
  local excess = redis.call('ZCARD', KEYS[2]) - keep
  if excess > 0 then
    local old = redis.call('ZRANGE', KEYS[2], 0, excess - 1)
    for _, oid in ipairs(old) do
      redis.call('DEL', ARGV[1] .. oid)
    end
    redis.call('ZREMRANGEBYRANK', KEYS[2], 0, excess - 1)
  end
end
return 1
`)

// Complete marks a claimed job done. result is kept for inspection.
func (q *Queue) Complete(ctx context.Context, job *Job, result string) error {
	k := q.keys(job.Queue)
	remove := "0"
	if q.cfg.RemoveOnComplete {
		remove = "1"
	}

	ok, err := completeScript.Run(ctx, q.rdb,
		[]string{k.active, k.completed},
		k.job, job.ID, job.token, q.now().UnixMilli(), result, remove, q.cfg.KeepCompleted,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	job.Status = StatusCompleted
	job.Result = result
	return nil
}

// settleScript moves a claimed job out of the active set, either back to
// the delayed set (retry or defer) or into the dead set.
var settleScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('HGET', jobKey, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
if ARGV[10] == '1' then
  redis.call('HINCRBY', jobKey, 'attempts', 1)
end
redis.call('HSET', jobKey, 'token', '')
if ARGV[5] ~= '' then
  redis.call('HSET', jobKey, 'last_error', ARGV[5])
end
if ARGV[6] == 'dead' then
  redis.call('HSET', jobKey, 'status', 'failed', 'finished_at', ARGV[4], 'dead_reason', ARGV[8])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
  local keep = tonumber(ARGV[9])
  if keep > 0 then
    local excess = redis.call('ZCARD', KEYS[3]) - keep
    if excess > 0 then
      local old = redis.call('ZRANGE', KEYS[3], 0, excess - 1)
      for _, oid in ipairs(old) do
        redis.call('DEL', ARGV[1] .. oid)
      end
      redis.call('ZREMRANGEBYRANK', KEYS[3], 0, excess - 1)
    end
  end
  return 2
end
redis.call('HSET', jobKey, 'status', 'delayed', 'process_at', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[2])
return 1
`)

func (q *Queue) settle(ctx context.Context, job *Job, mode, errMsg, reason string, runAt time.Time, consume bool) error {
	k := q.keys(job.Queue)
	consumeFlag := "0"
	if consume {
		consumeFlag = "1"
	}

	ok, err := settleScript.Run(ctx, q.rdb,
		[]string{k.active, k.delayed, k.dead},
		k.job, job.ID, job.token, q.now().UnixMilli(), errMsg, mode,
		runAt.UnixMilli(), reason, q.cfg.KeepDead, consumeFlag,
	).Int()
	if err != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLockLost
	}

	if consume {
		job.Attempts++
	}
	if errMsg != "" {
		job.LastError = errMsg
	}
	if mode == "dead" {
		job.Status = StatusFailed
		job.DeadReason = reason
	} else {
		job.Status = StatusDelayed
		job.ProcessAt = runAt.UTC()
	}
	return nil
}

// Fail records a failed attempt. The job is retried after its backoff delay
// or, once attempts reach MaxAttempts, moved to the dead-letter set.
// It reports whether the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (dead bool, retryAt time.Time, err error) {
	attempts := job.Attempts + 1
	msg := cause.Error()

	if attempts >= job.MaxAttempts {
		if err := q.settle(ctx, job, "dead", msg, "max attempts exhausted", time.Time{}, true); err != nil {
			return false, time.Time{}, err
		}
		q.logger.Error("job moved to dead letter",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempts),
			zap.String("last_error", msg),
		)
		return true, time.Time{}, nil
	}

	retryAt = q.now().Add(job.Backoff.Delay(attempts))
	if err := q.settle(ctx, job, "retry", msg, "", retryAt, true); err != nil {
		return false, time.Time{}, err
	}
	q.logger.Warn("job failed, retry scheduled",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Time("retry_at", retryAt),
		zap.String("error", msg),
	)
	return false, retryAt, nil
}

// Defer puts a claimed job back until the given time without consuming an
// attempt.
func (q *Queue) Defer(ctx context.Context, job *Job, until time.Time, reason string) error {
	if err := q.settle(ctx, job, "defer", "", "", until, false); err != nil {
		return err
	}
	q.logger.Debug("job deferred",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Time("until", until),
		zap.String("reason", reason),
	)
	return nil
}

// DeadLetter moves a claimed job straight to the dead-letter set, keeping
// its payload and error for operators. The retry budget is left untouched.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.settle(ctx, job, "dead", msg, reason, time.Time{}, false); err != nil {
		return err
	}
	q.logger.Error("job moved to dead letter",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.String("reason", reason),
		zap.String("last_error", msg),
	)
	return nil
}

var cancelScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
local status = redis.call('HGET', jobKey, 'status')
if not status then
  return 0
end
if status == 'active' then
  return -1
end
if status ~= 'waiting' and status ~= 'delayed' then
  return -2
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', jobKey, 'status', 'cancelled', 'finished_at', ARGV[3])
redis.call('PEXPIRE', jobKey, ARGV[4])
return 1
`)

// Cancel removes a waiting or delayed job. Active jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, name, id string) error {
	k := q.keys(name)

	res, err := cancelScript.Run(ctx, q.rdb,
		[]string{k.wait, k.delayed},
		k.job, id, q.now().UnixMilli(), q.cfg.CancelledTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	switch res {
	case 0:
		return ErrJobNotFound
	case -1:
		return ErrJobActive
	case -2:
		return ErrJobFinished
	}

	q.logger.Info("job cancelled",
		zap.String("queue", name),
		zap.String("job_id", id),
	)
	return nil
}

var requeueStalledScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local result = {0}
for _, id in ipairs(expired) do
  local jobKey = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', jobKey) == 1 then
    local stalled = redis.call('HINCRBY', jobKey, 'stalled', 1)
    redis.call('HSET', jobKey, 'token', '')
    if stalled > tonumber(ARGV[3]) then
      redis.call('HSET', jobKey, 'status', 'failed', 'finished_at', ARGV[2],
        'dead_reason', 'stalled', 'last_error', 'job lock expired too many times')
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      table.insert(result, id)
    else
      redis.call('HSET', jobKey, 'status', 'waiting')
      redis.call('ZADD', KEYS[2], redis.call('HGET', jobKey, 'score'), id)
      result[1] = result[1] + 1
    end
  end
end
return result
`)

// RequeueStalled returns jobs whose lock expired to the wait set. Jobs that
// stalled more than MaxStalled times are dead-lettered and their ids
// returned.
func (q *Queue) RequeueStalled(ctx context.Context, name string) (int, []string, error) {
	k := q.keys(name)

	res, err := requeueStalledScript.Run(ctx, q.rdb,
		[]string{k.active, k.wait, k.dead},
		k.job, q.now().UnixMilli(), q.cfg.MaxStalled,
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	if len(res) == 0 {
		return 0, nil, nil
	}

	requeued, _ := res[0].(int64)
	var dead []string
	for _, v := range res[1:] {
		if id, ok := v.(string); ok {
			dead = append(dead, id)
		}
	}

	if requeued > 0 || len(dead) > 0 {
		q.logger.Warn("stalled jobs recovered",
			zap.String("queue", name),
			zap.Int64("requeued", requeued),
			zap.Int("dead_lettered", len(dead)),
		)
	}
	return int(requeued), dead, nil
}

// Get returns a job in any state.
func (q *Queue) Get(ctx context.Context, name, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys(name).job+id).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	return parseJob(name, fields)
}

// ListDead returns dead-lettered jobs, newest first.
func (q *Queue) ListDead(ctx context.Context, name string, offset, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	k := q.keys(name)

	ids, err := q.rdb.ZRevRange(ctx, k.dead, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, k.job+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := parseJob(name, cmd.Val())
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var retryDeadScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return 0
end
local jobKey = ARGV[1] .. ARGV[2]
redis.call('HSET', jobKey, 'status', 'waiting', 'attempts', 0, 'stalled', 0,
  'token', '', 'finished_at', '', 'dead_reason', '', 'process_at', ARGV[3])
redis.call('ZADD', KEYS[2], redis.call('HGET', jobKey, 'score'), ARGV[2])
return 1
`)

// RetryDead puts a dead-lettered job back in the wait set with a fresh
// attempt budget.
func (q *Queue) RetryDead(ctx context.Context, name, id string) error {
	k := q.keys(name)

	ok, err := retryDeadScript.Run(ctx, q.rdb,
		[]string{k.dead, k.wait},
		k.job, id, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("retry dead job %s: %w", id, err)
	}
	if ok == 0 {
		return ErrJobNotFound
	}

	q.logger.Info("dead letter retried",
		zap.String("queue", name),
		zap.String("job_id", id),
	)
	return nil
}

// DiscardDead deletes a dead-lettered job.
func (q *Queue) DiscardDead(ctx context.Context, name, id string) error {
	k := q.keys(name)

	removed, err := q.rdb.ZRem(ctx, k.dead, id).Result()
	if err != nil {
		return fmt.Errorf("redis zrem failed: %w", err)
	}
	if removed == 0 {
		return ErrJobNotFound
	}
	if err := q.rdb.Del(ctx, k.job+id).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}

	q.logger.Info("dead letter discarded",
		zap.String("queue", name),
		zap.String("job_id", id),
	)
	return nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context, name string) (*Stats, error) {
	k := q.keys(name)

	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, k.wait)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	dead := pipe.ZCard(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	return &Stats{
		Queue:     name,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}
