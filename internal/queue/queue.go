// Package queue implements a persistent, delayed, at-least-once job
// queue on Redis. Ready jobs live on a list, delayed jobs on a sorted
// set scored by their ready time; a scheduler promotes due jobs with a
// Lua script so visibility survives worker restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job became ready within the
// blocking window.
var ErrEmpty = errors.New("queue: no job ready")

const keyPrefix = "bloomtext:q:"

// Job is the unit of queued work. Attempt counts completed tries; a job
// whose handler errors is retried until MaxAttempts with exponential
// backoff BackoffBase * 2^attempt.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	ReadyAt     time.Time       `json:"ready_at"`
}

// Options control a single enqueue.
type Options struct {
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	KeepFailed  int
}

// Queue is one named job stream. A single Redis client is shared across
// all queues and workers.
type Queue struct {
	rdb        redis.UniversalClient
	kind       string
	keepFailed int64
	now        func() time.Time
}

func New(rdb redis.UniversalClient, kind string) *Queue {
	return &Queue{rdb: rdb, kind: kind, keepFailed: 1000, now: time.Now}
}

func (q *Queue) readyKey() string   { return keyPrefix + q.kind + ":ready" }
func (q *Queue) delayedKey() string { return keyPrefix + q.kind + ":delayed" }
func (q *Queue) activeKey() string  { return keyPrefix + q.kind + ":active" }
func (q *Queue) deadKey() string    { return keyPrefix + q.kind + ":dead" }
func (q *Queue) jobKey(id string) string {
	return keyPrefix + q.kind + ":job:" + id
}

// Enqueue persists a job and makes it visible immediately, or after the
// configured delay. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	now := q.now()
	job := Job{
		ID:          uuid.New().String(),
		Kind:        q.kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		BackoffBase: backoff,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(opts.Delay),
	}
	if err := q.push(ctx, &job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 7*24*time.Hour)
	if job.ReadyAt.After(q.now()) {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.LPush(ctx, q.readyKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: push job: %w", err)
	}
	return nil
}

// promoteScript moves every due job id from the delayed set to the ready
// list in one atomic step.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("LPUSH", KEYS[2], id)
    redis.call("ZREM", KEYS[1], id)
end
return #due
`)

// PromoteDue makes delayed jobs whose ready time has passed visible to
// workers. The scheduler calls this on a short tick.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.readyKey()},
		q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote due: %w", err)
	}
	return n, nil
}

// Dequeue blocks up to timeout for a ready job, moving its id to the
// active list so a crashed worker leaves evidence behind.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.readyKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		// Job body expired; drop the orphaned id.
		q.rdb.LRem(ctx, q.activeKey(), 1, id)
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	return &job, nil
}

// Ack finalizes a completed job. A compliance block reported by the
// handler lands here too: blocked is a business outcome, not a transport
// error.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Retry reschedules a failed job with exponential backoff, or moves it
// to the dead list once attempts are exhausted. Returns whether another
// attempt was scheduled.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempt++
	if job.Attempt >= job.MaxAttempts {
		data, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("queue: marshal dead job: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		pipe.LPush(ctx, q.deadKey(), data)
		pipe.LTrim(ctx, q.deadKey(), 0, q.keepFailed-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("queue: bury job: %w", err)
		}
		return false, nil
	}
	delay := job.BackoffBase * time.Duration(1<<(job.Attempt-1))
	job.ReadyAt = q.now().Add(delay)
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: marshal retry job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 7*24*time.Hour)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: schedule retry: %w", err)
	}
	return true, nil
}

// Reschedule re-enqueues an in-flight job with a fresh delay and resets
// its attempt counter. The SMS worker uses it when the compliance gate
// answers DEFER at dispatch time: the job succeeds now and runs again
// after the quiet window ends.
func (q *Queue) Reschedule(ctx context.Context, job *Job, delay time.Duration) error {
	job.Attempt = 0
	job.ReadyAt = q.now().Add(delay)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal rescheduled job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 7*24*time.Hour)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	return nil
}
