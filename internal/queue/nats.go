package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"textforge/internal/retry"
)

const (
	subjectPrefix      = "textforge.jobs."
	defaultMaxAttempts = 5
)

// NewNATS wraps a NATS connection as a work queue. Subjects are per task type
// and consumers join a queue group per type, so running extra rewriter or
// solver replicas spreads the load without duplicate processing.
func NewNATS(log *slog.Logger, nc *nats.Conn) Queue {
	return &natsQueue{log: log, nc: nc}
}

type natsQueue struct {
	log *slog.Logger
	nc  *nats.Conn
}

func (q *natsQueue) Enqueue(_ context.Context, task Task) error {
	if task.Type == "" {
		return errors.New("task type required")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.nc.Publish(subjectPrefix+string(task.Type), body)
}

func (q *natsQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	subject := subjectPrefix + string(taskType)
	sub, err := q.nc.QueueSubscribe(subject, string(taskType)+"-workers", func(msg *nats.Msg) {
		q.handleMessage(ctx, msg, handler)
	})
	if err != nil {
		return err
	}
	q.log.Info("worker subscribed", "subject", subject)
	<-ctx.Done()
	return sub.Drain()
}

func (q *natsQueue) handleMessage(ctx context.Context, msg *nats.Msg, handler Handler) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.Error("failed to decode task", "subject", msg.Subject, "err", err)
		return
	}

	// Delayed redeliveries are plain messages with a NotBefore in the future.
	if wait := time.Until(task.NotBefore); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := handler(ctx, task); err != nil {
		q.redeliver(ctx, task, err)
	}
}

func (q *natsQueue) redeliver(ctx context.Context, task Task, handlerErr error) {
	task.Attempts++
	if task.MaxAttempts == 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	log := q.log.With("task_id", task.ID, "type", task.Type, "attempts", task.Attempts)

	if task.Attempts >= task.MaxAttempts {
		log.Error("task permanently failed", "err", handlerErr)
		return
	}
	task.NotBefore = time.Now().Add(retry.ExponentialBackoff(task.Attempts, time.Second))
	if err := q.Enqueue(ctx, task); err != nil {
		log.Error("failed to re-enqueue task", "handler_err", handlerErr, "enqueue_err", err)
		return
	}
	log.Warn("task failed, redelivering", "err", handlerErr, "not_before", task.NotBefore)
}
