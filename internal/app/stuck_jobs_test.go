package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genmedia/gateway/internal/domain"
)

type fakeJobStore struct {
	mu      sync.Mutex
	stuck   map[domain.Kind][]domain.Job
	updated []domain.JobPatch
	ids     []string
	listErr error
	updErr  error
}

func (r *fakeJobStore) Create(context.Context, domain.Job) (string, error) { return "", nil }

func (r *fakeJobStore) Update(_ context.Context, kind domain.Kind, id string, patch domain.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updErr != nil {
		return r.updErr
	}
	r.updated = append(r.updated, patch)
	r.ids = append(r.ids, id)
	// drop the job from the stuck set like a real store would
	kept := r.stuck[kind][:0]
	for _, j := range r.stuck[kind] {
		if j.ID != id {
			kept = append(kept, j)
		}
	}
	r.stuck[kind] = kept
	return nil
}

func (r *fakeJobStore) Get(context.Context, domain.Kind, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *fakeJobStore) LatestByClientTaskID(context.Context, domain.Kind, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *fakeJobStore) ListStuckProcessing(_ context.Context, kind domain.Kind, _ time.Time, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	jobs := r.stuck[kind]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]domain.Job, len(jobs))
	copy(out, jobs)
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (s *recordingSink) Publish(_ context.Context, ev domain.JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func stuckJob(id string, kind domain.Kind) domain.Job {
	return domain.Job{
		ID:        id,
		Kind:      kind,
		Provider:  domain.ProviderTripo,
		Operation: domain.OpImageToModel,
		TenantID:  "tenant-1",
		Status:    domain.JobProcessing,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func TestNewStuckJobSweeperDefaults(t *testing.T) {
	s := NewStuckJobSweeper(&fakeJobStore{stuck: map[domain.Kind][]domain.Job{}}, nil, 0, 0, 0)
	require.NotNil(t, s)
	require.Greater(t, s.maxAge[domain.KindImage], time.Duration(0))
	require.Greater(t, s.maxAge[domain.KindModel], time.Duration(0))
	require.Greater(t, s.interval, time.Duration(0))
}

func TestNewStuckJobSweeperNilStore(t *testing.T) {
	require.Nil(t, NewStuckJobSweeper(nil, nil, time.Minute, time.Minute, time.Minute))
	// Run on a nil sweeper must be a no-op, not a panic.
	var s *StuckJobSweeper
	s.Run(context.Background())
}

func TestSweepOnceMarksBothKinds(t *testing.T) {
	store := &fakeJobStore{stuck: map[domain.Kind][]domain.Job{
		domain.KindImage: {stuckJob("img-1", domain.KindImage)},
		domain.KindModel: {stuckJob("mod-1", domain.KindModel), stuckJob("mod-2", domain.KindModel)},
	}}
	sink := &recordingSink{}
	s := NewStuckJobSweeper(store, sink, time.Minute, time.Minute, time.Minute)

	s.sweepOnce(context.Background())

	require.Len(t, store.updated, 3)
	require.ElementsMatch(t, []string{"img-1", "mod-1", "mod-2"}, store.ids)
	for _, patch := range store.updated {
		require.NotNil(t, patch.Status)
		require.Equal(t, domain.JobFailed, *patch.Status)
		require.Equal(t, "timeout", patch.Metadata[domain.MetaError])
	}
	require.Len(t, sink.events, 3)
	for _, ev := range sink.events {
		require.Equal(t, domain.JobFailed, ev.Status)
		require.Equal(t, "timeout", ev.Error)
	}
}

func TestSweepOnceListError(t *testing.T) {
	store := &fakeJobStore{
		stuck:   map[domain.Kind][]domain.Job{},
		listErr: fmt.Errorf("db down"),
	}
	s := NewStuckJobSweeper(store, nil, time.Minute, time.Minute, time.Minute)
	s.sweepOnce(context.Background())
	require.Empty(t, store.updated)
}

func TestSweepOnceUpdateErrorStopsPaging(t *testing.T) {
	jobs := make([]domain.Job, 0, 150)
	for i := 0; i < 150; i++ {
		jobs = append(jobs, stuckJob(fmt.Sprintf("img-%d", i), domain.KindImage))
	}
	store := &fakeJobStore{
		stuck:  map[domain.Kind][]domain.Job{domain.KindImage: jobs},
		updErr: fmt.Errorf("write refused"),
	}
	s := NewStuckJobSweeper(store, nil, time.Minute, time.Minute, time.Minute)

	done := make(chan struct{})
	go func() {
		s.sweepOnce(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweepOnce did not terminate when every update failed")
	}
	require.Empty(t, store.updated)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeJobStore{stuck: map[domain.Kind][]domain.Job{}}
	s := NewStuckJobSweeper(store, nil, time.Minute, time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
