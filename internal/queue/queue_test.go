package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, nil), mr
}

func testJob(prompt string) *models.LLMJob {
	return models.NewLLMJob(prompt, nil, map[string]string{
		models.MetaScraperID:   "scraper-1",
		models.MetaContentHash: "abc123",
	})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := testJob("align this record")

	id, err := q.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id != job.ID {
		t.Errorf("returned id = %q, want %q", id, job.ID)
	}

	status, ok, err := q.Status(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("Status: %v, ok=%v", err, ok)
	}
	if status != models.JobStatusQueued {
		t.Errorf("status = %q, want queued", status)
	}

	env, err := q.Dequeue(ctx, QueueLLM, "w1", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if env == nil || env.Job == nil {
		t.Fatalf("env = %+v, want a job envelope", env)
	}
	if env.Job.ID != job.ID || env.Job.Prompt != "align this record" {
		t.Errorf("dequeued job = %+v", env.Job)
	}
	if env.Job.ContentHash() != "abc123" {
		t.Errorf("ContentHash = %q", env.Job.ContentHash())
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	env, err := q.Dequeue(context.Background(), QueueLLM, "w1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if env != nil {
		t.Errorf("env = %+v, want nil on timeout", env)
	}
}

func TestEnqueueResultFanOut(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	result := &models.JobResult{
		JobID:  "job-1",
		Status: models.ResultStatusCompleted,
		Result: &models.LLMResponse{Text: "{}", Model: "m"},
	}

	if err := q.EnqueueResult(ctx, QueueReconciler, FuncProcessJobResult, result); err != nil {
		t.Fatalf("EnqueueResult: %v", err)
	}
	if err := q.EnqueueResult(ctx, QueueRecorder, FuncRecordResult, result); err != nil {
		t.Fatalf("EnqueueResult: %v", err)
	}

	env, err := q.Dequeue(ctx, QueueReconciler, "w1", time.Second)
	if err != nil || env == nil {
		t.Fatalf("Dequeue: %v, env=%v", err, env)
	}
	if env.Function != FuncProcessJobResult {
		t.Errorf("Function = %q", env.Function)
	}
	if env.Result == nil || env.Result.JobID != "job-1" {
		t.Errorf("Result = %+v", env.Result)
	}

	env, err = q.Dequeue(ctx, QueueRecorder, "w1", time.Second)
	if err != nil || env == nil {
		t.Fatalf("Dequeue recorder: %v, env=%v", err, env)
	}
	if env.Function != FuncRecordResult {
		t.Errorf("Function = %q", env.Function)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)

	_, ok, err := q.Status(context.Background(), "no-such-job")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if ok {
		t.Error("ok = true for unknown job")
	}
}

func TestStatusTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := testJob("p")
	if _, err := q.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	steps := []struct {
		mark func() error
		want models.JobStatus
	}{
		{func() error { return q.MarkStarted(ctx, job.ID) }, models.JobStatusStarted},
		{func() error { return q.MarkFinished(ctx, job.ID) }, models.JobStatusFinished},
		{func() error { return q.MarkFailed(ctx, job.ID, errors.New("boom")) }, models.JobStatusFailed},
	}
	for _, step := range steps {
		if err := step.mark(); err != nil {
			t.Fatalf("mark %s: %v", step.want, err)
		}
		status, ok, err := q.Status(ctx, job.ID)
		if err != nil || !ok {
			t.Fatalf("Status: %v, ok=%v", err, ok)
		}
		if status != step.want {
			t.Errorf("status = %q, want %q", status, step.want)
		}
	}
}

func TestDeferAndPromote(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := testJob("deferred work")

	if err := q.Defer(ctx, job, 5*time.Minute); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	status, _, _ := q.Status(ctx, job.ID)
	if status != models.JobStatusDeferred {
		t.Errorf("status = %q, want deferred", status)
	}

	// Not due yet.
	n, err := q.PromoteDeferred(ctx, time.Now())
	if err != nil {
		t.Fatalf("PromoteDeferred: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted = %d, want 0 before the retry time", n)
	}

	// Due.
	n, err = q.PromoteDeferred(ctx, time.Now().Add(6*time.Minute))
	if err != nil {
		t.Fatalf("PromoteDeferred: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}

	status, _, _ = q.Status(ctx, job.ID)
	if status != models.JobStatusQueued {
		t.Errorf("status = %q, want queued after promotion", status)
	}

	env, err := q.Dequeue(ctx, QueueLLM, "w1", time.Second)
	if err != nil || env == nil || env.Job == nil {
		t.Fatalf("Dequeue: %v, env=%v", err, env)
	}
	if env.Job.ID != job.ID {
		t.Errorf("promoted job id = %q, want the original %q", env.Job.ID, job.ID)
	}
}

func TestDequeueParksEntryUntilAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueJob(ctx, testJob("p")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	env, err := q.Dequeue(ctx, QueueLLM, "w1", time.Second)
	if err != nil || env == nil {
		t.Fatalf("Dequeue: %v, env=%v", err, env)
	}

	key := processingKey("w1", QueueLLM)
	if n, _ := q.rdb.LLen(ctx, key).Result(); n != 1 {
		t.Fatalf("processing list length = %d, want 1 before ack", n)
	}
	if err := q.Ack(ctx, env); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ := q.rdb.LLen(ctx, key).Result(); n != 0 {
		t.Errorf("processing list length = %d, want 0 after ack", n)
	}
}

func TestReclaimAbandoned(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := testJob("interrupted work")
	if _, err := q.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	// A worker with no heartbeat dequeues the job and dies without acking.
	if _, err := q.Dequeue(ctx, QueueLLM, "w-dead", time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if n, _ := q.Depth(ctx, QueueLLM); n != 0 {
		t.Fatalf("queue depth = %d, want 0 after dequeue", n)
	}

	n, err := q.ReclaimAbandoned(ctx)
	if err != nil {
		t.Fatalf("ReclaimAbandoned: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	status, ok, err := q.Status(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("Status: %v, ok=%v", err, ok)
	}
	if status != models.JobStatusQueued {
		t.Errorf("status = %q, want queued after reclaim", status)
	}

	env, err := q.Dequeue(ctx, QueueLLM, "w2", time.Second)
	if err != nil || env == nil || env.Job == nil {
		t.Fatalf("Dequeue after reclaim: %v, env=%v", err, env)
	}
	if env.Job.ID != job.ID {
		t.Errorf("reclaimed job id = %q, want %q", env.Job.ID, job.ID)
	}
}

func TestReclaimAbandoned_SkipsLiveWorkers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueJob(ctx, testJob("in flight")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := q.Heartbeat(ctx, "w-live"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := q.Dequeue(ctx, QueueLLM, "w-live", time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := q.ReclaimAbandoned(ctx)
	if err != nil {
		t.Fatalf("ReclaimAbandoned: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, a live worker's entries must stay put", n)
	}
	if depth, _ := q.Depth(ctx, QueueLLM); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestReclaimAbandoned_NothingAfterAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueJob(ctx, testJob("done work")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	env, err := q.Dequeue(ctx, QueueLLM, "w-gone", time.Second)
	if err != nil || env == nil {
		t.Fatalf("Dequeue: %v, env=%v", err, env)
	}
	if err := q.Ack(ctx, env); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Even with the worker dead, an acked entry is not requeued.
	n, err := q.ReclaimAbandoned(ctx)
	if err != nil {
		t.Fatalf("ReclaimAbandoned: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0 for acked entries", n)
	}
}

func TestHeartbeat(t *testing.T) {
	q, mr := newTestQueue(t)

	if err := q.Heartbeat(context.Background(), "worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	key := "rq:worker:worker-1:heartbeat"
	if !mr.Exists(key) {
		t.Fatal("heartbeat key missing")
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > heartbeatTTL {
		t.Errorf("TTL = %v", ttl)
	}
}

func TestDepth(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueJob(ctx, testJob("p")); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	n, err := q.Depth(ctx, QueueLLM)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 3 {
		t.Errorf("depth = %d, want 3", n)
	}
}

// ========================================
// Connect Tests
// ========================================

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), ConnectConfig{URL: "redis://" + mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = client.Close() }()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnectConfig{URL: "not a url"}, nil)
	if !errors.Is(err, ErrQueueInit) {
		t.Errorf("err = %v, want ErrQueueInit", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), ConnectConfig{
		URL:        "redis://127.0.0.1:1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, nil)
	if !errors.Is(err, ErrQueueInit) {
		t.Errorf("err = %v, want ErrQueueInit", err)
	}
}
