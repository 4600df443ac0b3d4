package domain

import "time"

// JobStore persists the Job envelope. Images and models live in parallel
// tables; Kind selects the table. Update validates status changes against
// the transition DAG and merges Metadata keys into the stored map.
type JobStore interface {
	Create(ctx Context, j Job) (string, error)
	Update(ctx Context, kind Kind, id string, patch JobPatch) error
	Get(ctx Context, kind Kind, id string) (Job, error)
	// LatestByClientTaskID returns the most recently created job for a
	// client task id. Refine chains use it to resolve the draft model's
	// provider task id.
	LatestByClientTaskID(ctx Context, kind Kind, clientTaskID string) (Job, error)
	// ListStuckProcessing pages jobs still processing past cutoff, oldest
	// first. Consumed by the sweeper.
	ListStuckProcessing(ctx Context, kind Kind, cutoff time.Time, limit int) ([]Job, error)
}

// TenantStore is the credential oracle's persistence.
type TenantStore interface {
	Create(ctx Context, t Tenant) error
	GetByKeyID(ctx Context, keyID string) (Tenant, error)
}

// BlobStore abstracts the object store. Put has upsert semantics. URL
// returns a stable public URL for public buckets, otherwise a presigned URL
// valid for one hour. KeyFromURL recognizes URLs that point into our own
// bucket so inputs can be fetched without leaving the store.
type BlobStore interface {
	Put(ctx Context, key string, data []byte, contentType string) error
	Get(ctx Context, key string) ([]byte, string, error)
	URL(ctx Context, key string) (string, error)
	KeyFromURL(raw string) (string, bool)
	Healthy(ctx Context) error
}

// Queue hands a task to the worker runtime and returns the worker task id
// the client will poll with. The queue name and deadline are derived from
// the payload's routing entry.
type Queue interface {
	Enqueue(ctx Context, p TaskPayload) (string, error)
}

// TaskState is the queue-level view of a worker task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateActive    TaskState = "active"
	TaskStateCompleted TaskState = "completed"
	TaskStateArchived  TaskState = "archived"
)

// TaskSnapshot is what the inspector reports for a worker task id.
type TaskSnapshot struct {
	State   TaskState
	Payload []byte
	Result  []byte
	LastErr string
}

// TaskInspector reads worker task state across all queues.
type TaskInspector interface {
	Snapshot(ctx Context, workerTaskID string) (TaskSnapshot, error)
}

// EventSink receives job lifecycle events. Implementations must not block
// the caller beyond the passed context; publishing is best-effort.
type EventSink interface {
	Publish(ctx Context, ev JobEvent)
}

// SubmitLimiter gates Driver.Submit calls per provider class. A zero
// retryAfter with allowed=false means the caller should give up.
type SubmitLimiter interface {
	Allow(ctx Context, class string) (allowed bool, retryAfter time.Duration, err error)
}
