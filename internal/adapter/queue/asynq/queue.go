// Package asynqadp adapts the asynq task queue to the worker runtime: a
// client that enqueues generation tasks onto the routing table's queues, a
// worker that drains them, and an inspector behind the status endpoint.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"

	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// TaskGenerate is the single task type; the payload carries the routing pair.
const TaskGenerate = "job:generate"

// enqueueGrace pads the asynq-level task timeout past the job deadline so the
// orchestrator's own deadline always fires first and owns the failure write.
const enqueueGrace = 30 * time.Second

// Queue enqueues generation tasks. The worker task id handed back is the
// client's polling handle.
type Queue struct {
	client *asynq.Client
	cfg    config.Config
}

func New(redisURL string, cfg config.Config) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: redis: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt), cfg: cfg}, nil
}

// Enqueue places the payload on its routing queue and returns the generated
// worker task id.
func (q *Queue) Enqueue(ctx domain.Context, p domain.TaskPayload) (string, error) {
	route, ok := domain.RouteFor(p.Provider, p.Operation)
	if !ok {
		return "", fmt.Errorf("op=queue.enqueue: no route for %s/%s: %w", p.Provider, p.Operation, domain.ErrInvalidRequest)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: encode payload: %w", err)
	}

	class := string(route.Class)
	if c, ok := p.Params["deadline_class"].(string); ok && c != "" {
		class = c
	}

	id := ulid.Make().String()
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskGenerate, b),
		asynq.TaskID(id),
		asynq.Queue(route.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.cfg.JobDeadline(class)+enqueueGrace),
		asynq.Retention(q.cfg.TaskRetention()),
	)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue queue=%s: %w", route.Queue, err)
	}
	return info.ID, nil
}

// Close releases the client's redis connections.
func (q *Queue) Close() error { return q.client.Close() }
