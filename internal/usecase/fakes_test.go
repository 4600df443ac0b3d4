package usecase

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/genmedia/gateway/internal/domain"
)

// fakeBlobs is an in-memory domain.BlobStore. URLs take the shape
// http://blobs.local/bucket/{key} and KeyFromURL recognizes them.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
	urlErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

const fakeBlobPrefix = "http://blobs.local/bucket/"

func (f *fakeBlobs) Put(_ domain.Context, key string, data []byte, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeBlobs) Get(_ domain.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return data, f.types[key], nil
}

func (f *fakeBlobs) URL(_ domain.Context, key string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return fakeBlobPrefix + key, nil
}

func (f *fakeBlobs) KeyFromURL(raw string) (string, bool) {
	if strings.HasPrefix(raw, fakeBlobPrefix) {
		return strings.TrimPrefix(raw, fakeBlobPrefix), true
	}
	return "", false
}

func (f *fakeBlobs) Healthy(domain.Context) error { return nil }

// fakeJobStore is an in-memory domain.JobStore with the same transition rules
// as the real adapter.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	nextID  int
	failGet bool
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*domain.Job{}}
}

func (f *fakeJobStore) Create(_ domain.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if j.ID == "" {
		j.ID = "job-" + itoa(f.nextID)
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.AssetURL == "" {
		j.AssetURL = domain.AssetURLPending
	}
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	cp := j
	f.jobs[j.ID] = &cp
	return j.ID, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func (f *fakeJobStore) Update(_ domain.Context, kind domain.Kind, id string, patch domain.JobPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Status != nil && !domain.ValidTransition(j.Status, *patch.Status) {
		return domain.ErrPersistence
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.AIServiceTaskID != nil {
		j.AIServiceTaskID = *patch.AIServiceTaskID
	}
	if patch.AssetURL != nil {
		j.AssetURL = *patch.AssetURL
	}
	if patch.Prompt != nil {
		j.Prompt = *patch.Prompt
	}
	if patch.Style != nil {
		j.Style = *patch.Style
	}
	if len(patch.Metadata) > 0 {
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			j.Metadata[k] = v
		}
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeJobStore) Get(_ domain.Context, kind domain.Kind, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return domain.Job{}, domain.ErrPersistence
	}
	j, ok := f.jobs[id]
	if !ok || j.Kind != kind {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f *fakeJobStore) LatestByClientTaskID(_ domain.Context, kind domain.Kind, clientTaskID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Job
	for _, j := range f.jobs {
		if j.Kind != kind || j.ClientTaskID != clientTaskID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	return *latest, nil
}

func (f *fakeJobStore) ListStuckProcessing(_ domain.Context, kind domain.Kind, cutoff time.Time, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Kind == kind && j.Status == domain.JobProcessing && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeQueue records enqueued payloads and hands out sequential worker ids.
type fakeQueue struct {
	mu       sync.Mutex
	payloads []domain.TaskPayload
	err      error
}

func (f *fakeQueue) Enqueue(_ domain.Context, p domain.TaskPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return "task-" + itoa(len(f.payloads)), nil
}

// fakeLimiter implements domain.SubmitLimiter with scripted responses.
type fakeLimiter struct {
	mu      sync.Mutex
	calls   int
	denials int
	wait    time.Duration
	err     error
}

func (f *fakeLimiter) Allow(_ domain.Context, class string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	if f.denials > 0 {
		f.denials--
		return false, f.wait, nil
	}
	return true, 0, nil
}

// fakeSink collects published job events.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *fakeSink) Publish(_ domain.Context, ev domain.JobEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) statuses() []domain.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.JobStatus, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Status)
	}
	return out
}

// fakeDriver scripts Submit and a sequence of Poll results.
type fakeDriver struct {
	mu        sync.Mutex
	caps      domain.Capabilities
	out       domain.DriverOutcome
	sErr      error
	polls     []domain.PollResult
	pErr      error
	pErrFirst int // transport errors for the first N polls
	pIdx      int

	submits   int
	pollCalls int
	lastIn    domain.SubmitInputs
	lastRef   domain.PollRef
}

func (f *fakeDriver) Submit(_ domain.Context, _ domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastIn = in
	if f.sErr != nil {
		return domain.DriverOutcome{}, f.sErr
	}
	return f.out, nil
}

func (f *fakeDriver) Poll(_ domain.Context, ref domain.PollRef) (domain.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	f.lastRef = ref
	if f.pErrFirst > 0 {
		f.pErrFirst--
		return domain.PollResult{}, errors.New("connection reset")
	}
	if f.pErr != nil {
		return domain.PollResult{}, f.pErr
	}
	if f.pIdx >= len(f.polls) {
		return domain.PollResult{Kind: domain.PollInProgress}, nil
	}
	res := f.polls[f.pIdx]
	f.pIdx++
	return res, nil
}

func (f *fakeDriver) Capabilities() domain.Capabilities { return f.caps }

// fakeRegistry maps (provider, operation) pairs to fake drivers.
type fakeRegistry struct {
	drivers map[string]domain.Driver
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{drivers: map[string]domain.Driver{}}
}

func (f *fakeRegistry) add(p domain.Provider, op domain.Operation, d domain.Driver) *fakeRegistry {
	f.drivers[string(p)+"/"+string(op)] = d
	return f
}

func (f *fakeRegistry) Driver(p domain.Provider, op domain.Operation) (domain.Driver, bool) {
	d, ok := f.drivers[string(p)+"/"+string(op)]
	return d, ok
}

// fakeInspector returns a scripted snapshot per worker task id.
type fakeInspector struct {
	snaps map[string]domain.TaskSnapshot
}

func (f *fakeInspector) Snapshot(_ domain.Context, id string) (domain.TaskSnapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return domain.TaskSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}
