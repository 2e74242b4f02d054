// Package queue is the Redis-backed job transport: the llm work queue,
// the reconciler/recorder fan-out queues, the deferred-retry registry,
// and per-job status tracking.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// ErrQueueInit marks Redis being unreachable after bounded retries.
// Fatal at worker startup.
var ErrQueueInit = errors.New("queue init error")

// Logical queue names.
const (
	QueueLLM        = "llm"
	QueueReconciler = "reconciler"
	QueueRecorder   = "recorder"
)

// Sink function keys carried on fan-out envelopes.
const (
	FuncProcessJobResult = "process_job_result"
	FuncRecordResult     = "record_result"
)

const (
	queueKeyPrefix = "rq:queue:"
	scheduledKey   = "rq:scheduled"
	jobKeyPrefix   = "rq:job:"
	workerPrefix   = "rq:worker:"

	jobStatusTTL = 7 * 24 * time.Hour
	heartbeatTTL = 90 * time.Second
)

// ConnectConfig bounds the startup connection attempts.
type ConnectConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int           // ping attempts before giving up; default 3
	RetryDelay time.Duration // pause between attempts; default 2s
}

// Connect dials Redis and verifies it with bounded ping retries.
func Connect(ctx context.Context, cfg ConnectConfig, logger *slog.Logger) (*redis.Client, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", ErrQueueInit, err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		logger.Warn("redis ping failed",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", lastErr,
		)
		if attempt < cfg.MaxRetries {
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				_ = client.Close()
				return nil, fmt.Errorf("%w: %v", ErrQueueInit, ctx.Err())
			}
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("%w: redis unreachable after %d attempts: %v", ErrQueueInit, cfg.MaxRetries, lastErr)
}

// Envelope is the wire shape of a queue entry. An alignment job carries
// Job; a fan-out entry carries Function and Result.
type Envelope struct {
	Function string            `json:"function,omitempty"`
	Job      *models.LLMJob    `json:"job,omitempty"`
	Result   *models.JobResult `json:"result,omitempty"`
	RetryID  string            `json:"retry_id,omitempty"`

	// Set by Dequeue so Ack can drop the exact entry from the worker's
	// processing list.
	raw           string
	processingKey string
}

type jobState struct {
	Status    models.JobStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Queue wraps a Redis client with the pipeline's queue conventions.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a queue over an established Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, logger: logger.With("component", "queue")}
}

func queueKey(name string) string { return queueKeyPrefix + name }
func jobKey(id string) string     { return jobKeyPrefix + id }

func heartbeatKey(workerID string) string { return workerPrefix + workerID + ":heartbeat" }

func processingKey(workerID, queueName string) string {
	return workerPrefix + workerID + ":processing:" + queueName
}

// EnqueueJob writes the job onto the llm queue and marks it queued.
func (q *Queue) EnqueueJob(ctx context.Context, job *models.LLMJob) (string, error) {
	data, err := json.Marshal(Envelope{Job: job})
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, queueKey(QueueLLM), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if err := q.setStatus(ctx, job.ID, models.JobStatusQueued, ""); err != nil {
		return "", err
	}
	q.logger.Debug("enqueued job", "job_id", job.ID, "queue", QueueLLM)
	return job.ID, nil
}

// EnqueueResult writes a fan-out entry onto the named sink queue.
func (q *Queue) EnqueueResult(ctx context.Context, queue, function string, result *models.JobResult) error {
	data, err := json.Marshal(Envelope{Function: function, Result: result})
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", result.JobID, err)
	}
	if err := q.rdb.LPush(ctx, queueKey(queue), data).Err(); err != nil {
		return fmt.Errorf("enqueue result for %s on %s: %w", result.JobID, queue, err)
	}
	q.logger.Debug("enqueued result", "job_id", result.JobID, "queue", queue, "function", function)
	return nil
}

// Dequeue blocks up to timeout for the next entry on the named queue.
// Returns (nil, nil) when the timeout elapses with nothing available.
// The entry is moved into the worker's processing list rather than
// removed outright, so a worker crash leaves it reclaimable; call Ack
// once the entry has been handled.
func (q *Queue) Dequeue(ctx context.Context, queue, workerID string, timeout time.Duration) (*Envelope, error) {
	procKey := processingKey(workerID, queue)
	raw, err := q.rdb.BLMove(ctx, queueKey(queue), procKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode entry from %s: %w", queue, err)
	}
	env.raw = raw
	env.processingKey = procKey
	return &env, nil
}

// Ack removes a handled entry from its processing list. Unacked entries
// survive a worker crash and are requeued by ReclaimAbandoned once the
// worker's heartbeat expires.
func (q *Queue) Ack(ctx context.Context, env *Envelope) error {
	if env == nil || env.processingKey == "" {
		return nil
	}
	if err := q.rdb.LRem(ctx, env.processingKey, 1, env.raw).Err(); err != nil {
		return fmt.Errorf("ack entry: %w", err)
	}
	return nil
}

// ReclaimAbandoned requeues every entry parked in the processing list of
// a worker whose heartbeat has expired. Run at startup, before workers
// begin consuming. Returns the number of entries requeued.
func (q *Queue) ReclaimAbandoned(ctx context.Context) (int, error) {
	keys, err := q.rdb.Keys(ctx, workerPrefix+"*:processing:*").Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing lists: %w", err)
	}

	reclaimed := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, workerPrefix)
		idx := strings.Index(rest, ":processing:")
		if idx < 0 {
			continue
		}
		workerID := rest[:idx]
		queueName := rest[idx+len(":processing:"):]

		alive, err := q.rdb.Exists(ctx, heartbeatKey(workerID)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("check heartbeat of %s: %w", workerID, err)
		}
		if alive > 0 {
			continue
		}

		// RPop each entry before re-enqueueing it so two reclaimers
		// cannot requeue the same entry twice.
		for {
			raw, err := q.rdb.RPop(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return reclaimed, fmt.Errorf("pop abandoned entry from %s: %w", key, err)
			}
			if err := q.rdb.LPush(ctx, queueKey(queueName), raw).Err(); err != nil {
				return reclaimed, fmt.Errorf("requeue abandoned entry onto %s: %w", queueName, err)
			}
			var env Envelope
			if json.Unmarshal([]byte(raw), &env) == nil && env.Job != nil {
				if err := q.setStatus(ctx, env.Job.ID, models.JobStatusQueued, ""); err != nil {
					q.logger.Warn("reset status of reclaimed job failed", "job_id", env.Job.ID, "error", err)
				}
			}
			reclaimed++
		}
	}
	if reclaimed > 0 {
		q.logger.Info("requeued abandoned entries", "count", reclaimed)
	}
	return reclaimed, nil
}

// Status returns the job's runtime status; ok is false when the job is
// unknown or its state record has expired.
func (q *Queue) Status(ctx context.Context, jobID string) (models.JobStatus, bool, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read status of %s: %w", jobID, err)
	}
	var state jobState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return "", false, fmt.Errorf("decode status of %s: %w", jobID, err)
	}
	return state.Status, true, nil
}

// MarkStarted records that a worker picked the job up.
func (q *Queue) MarkStarted(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, models.JobStatusStarted, "")
}

// MarkFinished records a successful completion.
func (q *Queue) MarkFinished(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, models.JobStatusFinished, "")
}

// MarkFailed records a terminal failure with its message.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.setStatus(ctx, jobID, models.JobStatusFailed, msg)
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	data, err := json.Marshal(jobState{Status: status, Error: errMsg, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal status of %s: %w", jobID, err)
	}
	if err := q.rdb.Set(ctx, jobKey(jobID), data, jobStatusTTL).Err(); err != nil {
		return fmt.Errorf("write status of %s: %w", jobID, err)
	}
	return nil
}

// Defer re-schedules the job for now+delay without losing its identity.
// The entry carries a fresh retry id so observers can count retries; the
// job id itself is unchanged.
func (q *Queue) Defer(ctx context.Context, job *models.LLMJob, delay time.Duration) error {
	env := Envelope{
		Job:     job,
		RetryID: job.ID + ":retry:" + ulid.Make().String(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal deferred job %s: %w", job.ID, err)
	}
	runAt := time.Now().Add(delay)
	if err := q.rdb.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.Unix()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	if err := q.setStatus(ctx, job.ID, models.JobStatusDeferred, ""); err != nil {
		return err
	}
	q.logger.Info("deferred job", "job_id", job.ID, "retry_id", env.RetryID, "run_at", runAt.UTC().Format(time.RFC3339))
	return nil
}

// PromoteDeferred moves every deferred job whose time has come back onto
// the llm queue. Returns the number of jobs promoted.
func (q *Queue) PromoteDeferred(ctx context.Context, now time.Time) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan deferred jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// ZRem first so two promoters cannot both re-enqueue the entry.
		removed, err := q.rdb.ZRem(ctx, scheduledKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove deferred entry: %w", err)
		}
		if removed == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil || env.Job == nil {
			q.logger.Error("dropping malformed deferred entry", "error", err)
			continue
		}
		data, err := json.Marshal(Envelope{Job: env.Job})
		if err != nil {
			return promoted, fmt.Errorf("marshal promoted job %s: %w", env.Job.ID, err)
		}
		if err := q.rdb.LPush(ctx, queueKey(QueueLLM), data).Err(); err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", env.Job.ID, err)
		}
		if err := q.setStatus(ctx, env.Job.ID, models.JobStatusQueued, ""); err != nil {
			return promoted, err
		}
		promoted++
	}
	if promoted > 0 {
		q.logger.Info("promoted deferred jobs", "count", promoted)
	}
	return promoted, nil
}

// Heartbeat refreshes the worker's liveness key. A worker that stops
// heartbeating for 90 seconds is considered lost.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	if err := q.rdb.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// Depth returns the current length of the named queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return n, nil
}
