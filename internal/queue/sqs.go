package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSQueue routes jobs and results through two SQS queues. Receive uses
// long polling; message attributes expose tenant and job IDs for filtering
// and tracing without parsing bodies.
type SQSQueue struct {
	client          *sqs.Client
	jobsQueueURL    string
	resultsQueueURL string
	logger          *slog.Logger
}

func NewSQSQueue(ctx context.Context, region, jobsQueueURL, resultsQueueURL string, logger *slog.Logger) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, jobsQueueURL, resultsQueueURL, logger), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, jobsQueueURL, resultsQueueURL string, logger *slog.Logger) *SQSQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSQueue{
		client:          sqs.NewFromConfig(cfg),
		jobsQueueURL:    jobsQueueURL,
		resultsQueueURL: resultsQueueURL,
		logger:          logger,
	}
}

func (q *SQSQueue) SendJob(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.jobsQueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: messageAttributes(job.TenantID, job.ID),
	})
	if err != nil {
		return fmt.Errorf("send job: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveJobs(ctx context.Context, max int) ([]Job, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.jobsQueueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive jobs: %w", err)
	}

	jobs := make([]Job, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var job Job
		if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
			// Ack poison messages so they do not redeliver forever.
			q.logger.Warn("dropping malformed job", "error", err)
			if msg.ReceiptHandle != nil {
				_ = q.AckJob(ctx, Job{ReceiptHandle: *msg.ReceiptHandle})
			}
			continue
		}
		if msg.ReceiptHandle != nil {
			job.ReceiptHandle = *msg.ReceiptHandle
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *SQSQueue) AckJob(ctx context.Context, job Job) error {
	if job.ReceiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.jobsQueueURL),
		ReceiptHandle: aws.String(job.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResult(ctx context.Context, result Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.resultsQueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: messageAttributes(result.TenantID, result.JobID),
	})
	if err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

func messageAttributes(tenantID, jobID string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"TenantID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(tenantID),
		},
		"JobID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(jobID),
		},
	}
}
