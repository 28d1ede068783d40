package scheduler

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/store"
	"github.com/systmms/secretd/pkg/kms"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeClock) {
	t.Helper()

	db, err := store.OpenDB(context.Background(), filepath.Join(t.TempDir(), "store.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider, err := kms.NewStaticProvider("m", "test-passphrase")
	require.NoError(t, err)

	clock := newFakeClock()
	logger := logging.NewWithWriter(io.Discard, false)
	st := store.New(db, provider, logger, store.WithClock(clock.Now))
	sched := NewWithOptions(st, logger, metrics.NewRegistry(),
		time.Minute, 5*time.Minute, WithClock(clock.Now))
	return sched, st, clock
}

func setupRotatable(t *testing.T, st *store.Store, name string, interval time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateSecret(ctx, name, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, st.SetRotationPolicy(ctx, store.RotationPolicy{
		SecretName:      name,
		IntervalSeconds: int(interval.Seconds()),
		GraceSeconds:    600,
		MaxAttempts:     3,
		ActionKind:      "none",
	}))
}

func TestTickEnqueuesDueRotations(t *testing.T) {
	t.Parallel()
	sched, st, clock := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "db/password", time.Hour)

	// Not yet due.
	sched.Tick(ctx)
	n, err := st.OutstandingJobCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	sched.Tick(ctx)
	n, err = st.OutstandingJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := st.ListJobs(ctx, store.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "db/password", jobs[0].SecretName)
}

func TestTickAdvancesDueTimeOnlyOnEnqueue(t *testing.T) {
	t.Parallel()
	sched, st, clock := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "db/password", time.Hour)

	clock.Advance(2 * time.Hour)
	sched.Tick(ctx)

	pol, err := st.GetRotationPolicy(ctx, "db/password")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), pol.NextDue)

	// Second tick with the job still outstanding: no duplicate, no advance.
	before := pol.NextDue
	clock.Advance(90 * time.Minute)
	sched.Tick(ctx)

	n, err := st.OutstandingJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pol, err = st.GetRotationPolicy(ctx, "db/password")
	require.NoError(t, err)
	assert.Equal(t, before, pol.NextDue)
}

func TestConcurrentTicksEnqueueAtMostOneJob(t *testing.T) {
	t.Parallel()
	sched, st, clock := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "contested", time.Hour)
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Tick(ctx)
		}()
	}
	wg.Wait()

	n, err := st.OutstandingJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickRunsGraceSweepAndPurge(t *testing.T) {
	t.Parallel()
	sched, st, clock := newTestScheduler(t)
	ctx := context.Background()

	// A rotated secret whose grace window will lapse.
	setupRotatable(t, st, "rotated", 24*time.Hour)
	_, err := st.Put(ctx, "rotated", []byte("v2"), 1)
	require.NoError(t, err)
	require.NoError(t, st.Promote(ctx, "rotated", 2))

	// A record scheduled for deletion.
	_, err = st.CreateSecret(ctx, "doomed", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, st.MarkPendingDelete(ctx, "doomed", time.Hour))

	clock.Advance(2 * time.Hour)
	sched.Tick(ctx)

	infos, err := st.ListVersions(ctx, "rotated")
	require.NoError(t, err)
	assert.Equal(t, store.StageDeprecated, infos[1].Stage)

	_, err = st.DescribeRecord(ctx, "doomed")
	assert.True(t, dserrors.IsNotFound(err))
}

func TestTickReclaimsStaleClaims(t *testing.T) {
	t.Parallel()
	sched, st, clock := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "orphaned", time.Hour)

	clock.Advance(2 * time.Hour)
	sched.Tick(ctx)
	_, ok, err := st.ClaimJob(ctx, "dead-worker")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	sched.Tick(ctx)

	jobs, err := st.ListJobs(ctx, store.JobQueued, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "stale claim should be back in the queue")
}

func TestForceRotate(t *testing.T) {
	t.Parallel()
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "db/password", time.Hour)

	job, enqueued, err := sched.ForceRotate(ctx, "db/password")
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, "db/password", job.SecretName)

	// Dedup applies to forced rotations too.
	_, enqueued, err = sched.ForceRotate(ctx, "db/password")
	require.NoError(t, err)
	assert.False(t, enqueued)

	// No policy means nothing knows how to rotate it.
	_, err = st.CreateSecret(ctx, "unmanaged", []byte("x"))
	require.NoError(t, err)
	_, _, err = sched.ForceRotate(ctx, "unmanaged")
	assert.True(t, dserrors.IsNotFound(err))
}

func TestForceRotateRejectsDisabledSecret(t *testing.T) {
	t.Parallel()
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()
	setupRotatable(t, st, "dormant", time.Hour)
	require.NoError(t, st.Disable(ctx, "dormant"))

	_, _, err := sched.ForceRotate(ctx, "dormant")
	require.Error(t, err)
	var inv dserrors.InvalidStateError
	assert.ErrorAs(t, err, &inv)

	// Re-enabling makes the secret rotatable again.
	require.NoError(t, st.Enable(ctx, "dormant"))
	_, enqueued, err := sched.ForceRotate(ctx, "dormant")
	require.NoError(t, err)
	assert.True(t, enqueued)
}
