package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/communitydata/hsds-pipeline/internal/authstate"
	"github.com/communitydata/hsds-pipeline/internal/metrics"
	"github.com/communitydata/hsds-pipeline/internal/models"
	"github.com/communitydata/hsds-pipeline/internal/provider"
	"github.com/communitydata/hsds-pipeline/internal/queue"
)

const (
	// Deferral delay bounds for the pre-flight gate.
	minDeferDelay = time.Second
	maxDeferDelay = 5 * time.Minute

	probeTimeout = 10 * time.Second
	probePrompt  = "Say OK"
)

// authChecker is satisfied by providers with a dedicated auth probe
// (the CLI provider); others are probed with a trivial generate.
type authChecker interface {
	CheckAuth(ctx context.Context) error
}

// Config tunes the worker loop.
type Config struct {
	ID                string        // defaults to a fresh ULID
	PollInterval      time.Duration // dequeue block time; default 1s
	AuthCheckInterval time.Duration // min spacing between probes; default 30s
}

// Worker consumes the llm queue. It executes one job at a time; before
// every job it consults the shared auth/quota state and defers the job
// instead of executing while the provider session is unhealthy.
type Worker struct {
	cfg       Config
	queue     *queue.Queue
	auth      *authstate.Manager
	processor *Processor
	provider  provider.Provider
	logger    *slog.Logger

	stop    chan struct{}
	wg      sync.WaitGroup
	probing atomic.Bool
}

// New creates a worker.
func New(cfg Config, q *queue.Queue, auth *authstate.Manager, proc *Processor, p provider.Provider, logger *slog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AuthCheckInterval == 0 {
		cfg.AuthCheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		queue:     q,
		auth:      auth,
		processor: proc,
		provider:  p,
		logger:    logger.With("component", "worker", "worker_id", cfg.ID),
		stop:      make(chan struct{}),
	}
}

// Start runs one startup probe, logs the initial session state, and
// launches the dequeue loop.
func (w *Worker) Start(ctx context.Context) {
	w.startupProbe(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)
}

// Stop signals the loop and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		w.iterate(ctx)
	}
}

// iterate performs one pass: heartbeat, promote due deferred jobs,
// dequeue, gate, maybe probe, execute.
func (w *Worker) iterate(ctx context.Context) {
	if err := w.queue.Heartbeat(ctx, w.cfg.ID); err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
	if _, err := w.queue.PromoteDeferred(ctx, time.Now()); err != nil {
		w.logger.Warn("promote deferred failed", "error", err)
	}

	env, err := w.queue.Dequeue(ctx, queue.QueueLLM, w.cfg.ID, w.cfg.PollInterval)
	if err != nil {
		w.logger.Error("dequeue failed", "error", err)
		w.pause(time.Second)
		return
	}
	if env == nil || env.Job == nil {
		return
	}
	job := env.Job

	// Pre-flight gate: never execute while the shared session state is
	// unhealthy; re-schedule and let the backoff expire.
	healthy, status, err := w.auth.IsHealthy(ctx)
	if err != nil {
		w.logger.Warn("health check failed, proceeding", "error", err)
		healthy = true
	}
	if !healthy {
		delay := clampDelay(time.Duration(status.RetryInSeconds) * time.Second)
		w.logger.Info("session unhealthy, deferring job",
			"job_id", job.ID,
			"kind", status.Kind,
			"retry_delay", delay,
		)
		if err := w.queue.Defer(ctx, job, delay); err != nil {
			// Leave the entry in the processing list; reclaim picks it
			// up if this worker dies before the next attempt.
			w.logger.Error("defer failed", "job_id", job.ID, "error", err)
		} else {
			w.ack(ctx, env, job.ID)
		}
		metrics.JobsDeferred.Inc()
		w.pause(time.Second)
		return
	}

	w.maybeProbe(ctx)
	w.execute(ctx, job)
	w.ack(ctx, env, job.ID)
}

func (w *Worker) ack(ctx context.Context, env *queue.Envelope, jobID string) {
	if err := w.queue.Ack(ctx, env); err != nil {
		w.logger.Warn("ack failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, job *models.LLMJob) {
	if err := w.queue.MarkStarted(ctx, job.ID); err != nil {
		w.logger.Warn("mark started failed", "job_id", job.ID, "error", err)
	}

	start := time.Now()
	resp, err := w.processor.ProcessJob(ctx, job)
	if err != nil {
		w.logger.Error("job failed",
			"job_id", job.ID,
			"duration", time.Since(start),
			"error", err,
		)
		if err := w.queue.MarkFailed(ctx, job.ID, err); err != nil {
			w.logger.Warn("mark failed failed", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(string(models.JobStatusFailed)).Inc()
		return
	}

	w.logger.Info("job finished",
		"job_id", job.ID,
		"duration", time.Since(start),
		"model", resp.Model,
	)
	if err := w.queue.MarkFinished(ctx, job.ID); err != nil {
		w.logger.Warn("mark finished failed", "job_id", job.ID, "error", err)
	}
	metrics.JobsProcessed.WithLabelValues(string(models.JobStatusFinished)).Inc()
}

// maybeProbe launches a background auth probe when one is due. At most
// one probe runs at a time per worker.
func (w *Worker) maybeProbe(ctx context.Context) {
	due, err := w.auth.ShouldCheckAuth(ctx, w.cfg.AuthCheckInterval)
	if err != nil {
		w.logger.Warn("should-check-auth failed", "error", err)
		return
	}
	if !due || !w.probing.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.probing.Store(false)
		w.probe(ctx)
	}()
}

// startupProbe runs one synchronous probe so operators see the initial
// session state in the log.
func (w *Worker) startupProbe(ctx context.Context) {
	switch state := w.probe(ctx); state {
	case authstate.KindAuthFailed:
		w.logger.Warn("starting with failed authentication")
	case authstate.KindQuotaExceeded:
		w.logger.Warn("starting with exhausted quota")
	default:
		w.logger.Info("starting healthy")
	}
}

// probe checks provider authentication and records the outcome in the
// shared state. Errors that are neither auth nor quota leave the state
// untouched. Returns the kind recorded, or "" when healthy or unknown.
func (w *Worker) probe(ctx context.Context) authstate.Kind {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var err error
	if checker, ok := w.provider.(authChecker); ok {
		err = checker.CheckAuth(probeCtx)
	} else {
		_, err = w.provider.Generate(probeCtx, probePrompt, provider.GenerateOptions{})
	}

	switch {
	case err == nil:
		if err := w.auth.SetHealthy(ctx); err != nil {
			w.logger.Warn("set healthy failed", "error", err)
		}
		return ""
	default:
		if authErr, ok := provider.AsAuthError(err); ok {
			if err := w.auth.SetAuthFailed(ctx, authErr.Message, authstate.DefaultAuthRetryAfter); err != nil {
				w.logger.Warn("set auth failed failed", "error", err)
			}
			return authstate.KindAuthFailed
		}
		if quotaErr, ok := provider.AsQuotaError(err); ok {
			if err := w.auth.SetQuotaExceeded(ctx, quotaErr.Message, quotaErr.RetryAfter); err != nil {
				w.logger.Warn("set quota exceeded failed", "error", err)
			}
			return authstate.KindQuotaExceeded
		}
		// Transient probe failure; no state change.
		w.logger.Debug("auth probe inconclusive", "error", err)
		return ""
	}
}

func (w *Worker) pause(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stop:
	}
}

func clampDelay(d time.Duration) time.Duration {
	if d < minDeferDelay {
		return minDeferDelay
	}
	if d > maxDeferDelay {
		return maxDeferDelay
	}
	return d
}
