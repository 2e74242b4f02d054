// Package worker executes alignment jobs: the per-job processor and the
// auth-aware dequeue loop around it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/communitydata/hsds-pipeline/internal/authstate"
	"github.com/communitydata/hsds-pipeline/internal/contentstore"
	"github.com/communitydata/hsds-pipeline/internal/hsds/aligner"
	"github.com/communitydata/hsds-pipeline/internal/metrics"
	"github.com/communitydata/hsds-pipeline/internal/models"
	"github.com/communitydata/hsds-pipeline/internal/provider"
	"github.com/communitydata/hsds-pipeline/internal/queue"
)

// Aligner is the alignment loop contract the processor depends on.
// *aligner.Aligner is the production implementation.
type Aligner interface {
	Align(ctx context.Context, rawInput string, knownFields map[string]bool, ov *aligner.Overrides) (*aligner.Result, error)
}

// Processor runs one job to completion: cache check, alignment, result
// storage, and sink fan-out.
type Processor struct {
	provider provider.Provider
	aligner  Aligner
	store    *contentstore.Store // nil disables deduplication
	queue    *queue.Queue
	auth     *authstate.Manager
	logger   *slog.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(p provider.Provider, a Aligner, store *contentstore.Store, q *queue.Queue, auth *authstate.Manager, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		provider: p,
		aligner:  a,
		store:    store,
		queue:    q,
		auth:     auth,
		logger:   logger.With("component", "worker.processor"),
	}
}

// ProcessJob is the single per-job entry point. On success the response
// is stored (when deduplication is on) and exactly one reconciler plus
// one recorder job are enqueued. Auth and quota errors update shared
// state and then propagate; everything else propagates unmodified.
func (p *Processor) ProcessJob(ctx context.Context, job *models.LLMJob) (*models.LLMResponse, error) {
	hash := job.ContentHash()
	if hash != "" {
		if err := p.store.LinkJob(hash, job.ID); err != nil {
			p.logger.Warn("link job to content entry failed", "job_id", job.ID, "error", err)
		}
		if resp := p.cachedResponse(hash); resp != nil {
			p.logger.Info("cache hit, skipping alignment", "job_id", job.ID, "content_hash", hash)
			metrics.CacheHits.Inc()
			if err := p.fanOut(ctx, job.ID, resp); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}

	result, err := p.aligner.Align(ctx, job.Prompt, job.KnownFields(), &aligner.Overrides{
		Format: job.Format,
		Config: job.ProviderConfig,
	})
	if err != nil {
		return nil, p.recordFailure(ctx, job, err)
	}

	resp := result.Response
	metrics.ProviderCalls.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.AlignmentAttempts.Observe(float64(len(result.Attempts)))
	metrics.AlignmentConfidence.Observe(result.ConfidenceScore)

	if hash != "" && resp.Parsed != nil {
		if data, err := json.Marshal(resp.Parsed); err == nil {
			// Storage failures never fail the job; the next identical
			// scrape just misses the cache.
			if err := p.store.StoreResult(hash, string(data)); err != nil {
				p.logger.Warn("store result failed", "job_id", job.ID, "error", err)
			}
		}
	}

	if err := p.fanOut(ctx, job.ID, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// cachedResponse reconstructs an LLMResponse from a stored result.
// Storage errors are logged and treated as a miss.
func (p *Processor) cachedResponse(hash string) *models.LLMResponse {
	stored, ok, err := p.store.GetResult(hash)
	if err != nil {
		p.logger.Warn("cache lookup failed, proceeding without dedup", "content_hash", hash, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	resp := &models.LLMResponse{Text: stored, Model: p.provider.ModelName()}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(stored), &parsed); err == nil {
		resp.Parsed = parsed
	}
	return resp
}

// recordFailure updates shared auth/quota state when the error calls for
// it, then returns the error for the caller to re-raise.
func (p *Processor) recordFailure(ctx context.Context, job *models.LLMJob, cause error) error {
	if authErr, ok := provider.AsAuthError(cause); ok {
		metrics.ProviderCalls.WithLabelValues(metrics.OutcomeAuth).Inc()
		if err := p.auth.SetAuthFailed(ctx, authErr.Message, authErr.RetryAfter); err != nil {
			p.logger.Error("failed to record auth failure", "job_id", job.ID, "error", err)
		}
		return cause
	}
	if quotaErr, ok := provider.AsQuotaError(cause); ok {
		metrics.ProviderCalls.WithLabelValues(metrics.OutcomeQuota).Inc()
		if err := p.auth.SetQuotaExceeded(ctx, quotaErr.Message, quotaErr.RetryAfter); err != nil {
			p.logger.Error("failed to record quota exhaustion", "job_id", job.ID, "error", err)
		}
		return cause
	}
	metrics.ProviderCalls.WithLabelValues(metrics.OutcomeError).Inc()
	return cause
}

// fanOut enqueues the reconciler and recorder jobs for a completed
// alignment, in that order. The sinks must be idempotent on the job id;
// execution order across the two queues is not guaranteed.
func (p *Processor) fanOut(ctx context.Context, jobID string, resp *models.LLMResponse) error {
	result := &models.JobResult{
		JobID:  jobID,
		Status: models.ResultStatusCompleted,
		Result: resp,
	}
	if err := p.queue.EnqueueResult(ctx, queue.QueueReconciler, queue.FuncProcessJobResult, result); err != nil {
		return fmt.Errorf("enqueue reconciler job: %w", err)
	}
	if err := p.queue.EnqueueResult(ctx, queue.QueueRecorder, queue.FuncRecordResult, result); err != nil {
		return fmt.Errorf("enqueue recorder job: %w", err)
	}
	return nil
}
