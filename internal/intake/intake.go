// Package intake runs the asynchronous job path. A pool of workers pulls
// generation jobs off a queue, executes them through the orchestrator, and
// publishes the outcome to a result queue. Delivery is at-least-once: a job
// is acknowledged only after its result has been published.
package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/metrics"
	"github.com/quillforge/modelmux/internal/queue"
)

// Executor runs one generation request end to end. Satisfied by
// orchestrator.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
}

const (
	DefaultWorkers    = 4
	DefaultBatch      = 10
	DefaultJobTimeout = 2 * time.Minute

	receiveBackoff = time.Second
)

type Config struct {
	Workers    int
	Batch      int
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Pool consumes jobs concurrently. Canceling the context passed to Start
// stops the receive loops; jobs already in flight run to completion so a
// drain does not abandon work that will be redelivered anyway.
type Pool struct {
	queue    queue.Queue
	executor Executor
	cfg      Config
	wg       sync.WaitGroup
}

func NewPool(q queue.Queue, exec Executor, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{queue: q, executor: exec, cfg: cfg}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	p.cfg.Logger.Info("intake pool started", "workers", p.cfg.Workers, "batch", p.cfg.Batch)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := p.cfg.Logger.With("worker", id)
	for {
		jobs, err := p.queue.ReceiveJobs(ctx, p.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive jobs failed", "error", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, job := range jobs {
			p.process(logger, job)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) process(logger *slog.Logger, job queue.Job) {
	// Detached from the receive context so a shutdown drains in-flight
	// jobs instead of canceling them mid-generation.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	req := job.Request
	if req.ID == "" {
		req.ID = job.ID
	}
	if req.TenantID == "" {
		req.TenantID = job.TenantID
	}
	// Queued jobs have no connection to stream over.
	req.Stream = false

	resp, err := p.executor.Execute(ctx, &req)

	result := queue.Result{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		CreatedAt: time.Now().UTC(),
	}
	status := "ok"
	if err != nil {
		status = "error"
		result.ErrorCode = domain.ErrorCode(err)
		result.Error = err.Error()
		logger.Warn("job failed", "job_id", job.ID, "code", result.ErrorCode, "error", err)
	} else {
		result.Response = resp
	}
	metrics.RecordIntakeJob(status)

	if err := p.queue.SendResult(ctx, result); err != nil {
		// Leave the job unacked; redelivering and re-running beats
		// losing the result.
		logger.Error("publish result failed", "job_id", job.ID, "error", err)
		return
	}

	// Ack after the result is published, success or failure. A failed job
	// would fail the same way on redelivery, so it is settled too.
	if err := p.queue.AckJob(ctx, job); err != nil {
		logger.Error("ack job failed", "job_id", job.ID, "error", err)
	}
}
