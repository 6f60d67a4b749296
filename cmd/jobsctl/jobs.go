package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/spicemill/spicemill/jobs"
)

// jobsCLI wraps manual management helpers for the worker queue.
type jobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func newJobsCLI(redisAddr string) *jobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &jobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

func (c *jobsCLI) Close() error {
	return errors.Join(c.inspector.Close(), c.client.Close())
}

// Trigger enqueues a job by task type. materialID only applies to
// ledger reconcile; zero reconciles every material.
func (c *jobsCLI) Trigger(ctx context.Context, name string, materialID int64) (*asynq.TaskInfo, error) {
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskLedgerReconcile:
		task, err = jobs.NewReconcileTask(materialID)
	case jobs.TaskLowStockScan:
		task, err = jobs.NewLowStockTask(now())
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewCleanupTask(jobs.DefaultKeyRetention)
	default:
		return nil, fmt.Errorf("jobsctl: unsupported job %q", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

type queueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

func (c *jobsCLI) Stats() (queueStats, error) {
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return queueStats{Queue: jobs.QueueDefault}, nil
		}
		return queueStats{}, err
	}
	return queueStats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
	}, nil
}

// Scheduled lists the next tasks waiting in the scheduled set.
func (c *jobsCLI) Scheduled(size int) ([]*asynq.TaskInfo, error) {
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
