package asynqadp

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/genmedia/gateway/internal/domain"
)

// statusQueues is the scan order for task lookups. Most traffic lands on the
// default queue, so it goes first.
var statusQueues = []string{domain.QueueDefault, domain.QueueTripoOther, domain.QueueTripoRefine}

// Inspector reads worker task state for the status endpoint. Tasks stay
// readable for the configured retention after they finish.
type Inspector struct {
	insp *asynq.Inspector
}

func NewInspector(redisURL string) (*Inspector, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=inspector.new: redis: %w", err)
	}
	return &Inspector{insp: asynq.NewInspector(opt)}, nil
}

// Snapshot looks the worker task up across all queues. Tasks the queue has
// never seen, or whose retention lapsed, surface as ErrNotFound.
func (i *Inspector) Snapshot(_ domain.Context, workerTaskID string) (domain.TaskSnapshot, error) {
	for _, queue := range statusQueues {
		info, err := i.insp.GetTaskInfo(queue, workerTaskID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return domain.TaskSnapshot{}, fmt.Errorf("op=inspector.snapshot queue=%s: %v: %w", queue, err, domain.ErrPersistence)
		}
		return domain.TaskSnapshot{
			State:   stateOf(info.State),
			Payload: info.Payload,
			Result:  info.Result,
			LastErr: info.LastErr,
		}, nil
	}
	return domain.TaskSnapshot{}, fmt.Errorf("op=inspector.snapshot id=%s: %w", workerTaskID, domain.ErrNotFound)
}

// Close releases the inspector's redis connections.
func (i *Inspector) Close() error { return i.insp.Close() }

// stateOf folds asynq's task states into the four the status endpoint
// reports. Scheduled, retry and aggregating all read as pending: the task has
// not run to completion and will be picked up again.
func stateOf(s asynq.TaskState) domain.TaskState {
	switch s {
	case asynq.TaskStateActive:
		return domain.TaskStateActive
	case asynq.TaskStateCompleted:
		return domain.TaskStateCompleted
	case asynq.TaskStateArchived:
		return domain.TaskStateArchived
	default:
		return domain.TaskStatePending
	}
}
