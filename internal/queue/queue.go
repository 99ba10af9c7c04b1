// Package queue carries generation jobs for the async intake path: batch
// document generation submits jobs to a queue instead of holding an HTTP
// connection open, and a worker pool publishes results to a second queue.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/quillforge/modelmux/internal/domain"
)

// Job is one queued generation request.
type Job struct {
	ID        string                   `json:"id"`
	TenantID  string                   `json:"tenant_id"`
	Request   domain.GenerationRequest `json:"request"`
	CreatedAt time.Time                `json:"created_at"`

	// ReceiptHandle acknowledges delivery back to the transport. Not part
	// of the payload.
	ReceiptHandle string `json:"-"`
}

// Result is the outcome published to the result queue. Failed jobs carry
// the wire error code so consumers can branch without parsing messages.
type Result struct {
	JobID     string                     `json:"job_id"`
	TenantID  string                     `json:"tenant_id"`
	Response  *domain.GenerationResponse `json:"response,omitempty"`
	ErrorCode string                     `json:"error_code,omitempty"`
	Error     string                     `json:"error,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

type Queue interface {
	SendJob(ctx context.Context, job Job) error
	// ReceiveJobs blocks up to the transport's long-poll window and
	// returns at most max jobs.
	ReceiveJobs(ctx context.Context, max int) ([]Job, error)
	// AckJob removes a delivered job so it is not redelivered.
	AckJob(ctx context.Context, job Job) error
	SendResult(ctx context.Context, result Result) error
}

// InMemoryQueue is a channel-backed Queue for tests and single-node
// deployments without SQS. ReceiveJobs blocks until a job arrives or the
// context ends, mirroring SQS long polling.
type InMemoryQueue struct {
	jobs chan Job

	mu      sync.Mutex
	results []Result
}

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{jobs: make(chan Job, capacity)}
}

func (q *InMemoryQueue) SendJob(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) ReceiveJobs(ctx context.Context, max int) ([]Job, error) {
	if max <= 0 {
		max = 1
	}

	var jobs []Job
	select {
	case job := <-q.jobs:
		jobs = append(jobs, job)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drain whatever else is already waiting, up to the batch size.
	for len(jobs) < max {
		select {
		case job := <-q.jobs:
			jobs = append(jobs, job)
		default:
			return jobs, nil
		}
	}
	return jobs, nil
}

func (q *InMemoryQueue) AckJob(_ context.Context, _ Job) error {
	return nil
}

func (q *InMemoryQueue) SendResult(_ context.Context, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, result)
	return nil
}

func (q *InMemoryQueue) Results() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Result, len(q.results))
	copy(out, q.results)
	return out
}
