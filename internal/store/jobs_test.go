package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSecret(t *testing.T, s *Store, name string) {
	t.Helper()
	_, err := s.CreateSecret(context.Background(), name, []byte("v1"))
	require.NoError(t, err)
}

func TestEnqueueJobDedup(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "db/password")

	_, enqueued, err := s.EnqueueJob(ctx, "db/password")
	require.NoError(t, err)
	assert.True(t, enqueued)

	// A second enqueue while the first is outstanding is a silent no-op.
	_, enqueued, err = s.EnqueueJob(ctx, "db/password")
	require.NoError(t, err)
	assert.False(t, enqueued)

	n, err := s.OutstandingJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueJobConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "contested")

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.EnqueueJob(ctx, "contested")
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestClaimJobCompareAndSet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "claimable")

	job, enqueued, err := s.EnqueueJob(ctx, "claimable")
	require.NoError(t, err)
	require.True(t, enqueued)

	claimed, ok, err := s.ClaimJob(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, JobInProgress, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)

	// No second claim on the same job.
	_, ok, err = s.ClaimJob(ctx, "worker-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimJobRespectsBackoffDelay(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "delayed")

	_, _, err := s.EnqueueJob(ctx, "delayed")
	require.NoError(t, err)
	claimed, ok, err := s.ClaimJob(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RequeueJob(ctx, claimed.ID, "action failed", 5*time.Minute))

	_, ok, err = s.ClaimJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok, "job must not be claimable before its backoff elapses")

	clock.Advance(6 * time.Minute)
	reclaimed, ok, err := s.ClaimJob(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, reclaimed.Attempts)
	assert.Equal(t, "action failed", reclaimed.LastError)
}

func TestReclaimStaleJobs(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "orphaned")

	_, _, err := s.EnqueueJob(ctx, "orphaned")
	require.NoError(t, err)
	_, ok, err := s.ClaimJob(ctx, "dead-worker")
	require.NoError(t, err)
	require.True(t, ok)

	// Claim is fresh: nothing to reclaim.
	n, err := s.ReclaimStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Minute)
	n, err = s.ReclaimStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, ok, err := s.ClaimJob(ctx, "live-worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live-worker", reclaimed.ClaimedBy)
	assert.Zero(t, reclaimed.Attempts, "a reclaimed attempt never ran to a verdict")
}

func TestCompleteAndFailJob(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "finished")

	_, _, err := s.EnqueueJob(ctx, "finished")
	require.NoError(t, err)
	claimed, _, err := s.ClaimJob(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob(ctx, claimed.ID))
	job, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, 1, job.Attempts)

	// Completing again is an invalid state transition.
	require.Error(t, s.CompleteJob(ctx, claimed.ID))

	// A terminal failure frees the dedup slot for the next enqueue.
	_, _, err = s.EnqueueJob(ctx, "finished")
	require.NoError(t, err)
	claimed, _, err = s.ClaimJob(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.FailJobTerminal(ctx, claimed.ID, "gave up"))

	_, enqueued, err := s.EnqueueJob(ctx, "finished")
	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestStuckRecords(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "stuck")

	// Rotation in flight: PENDING exists, job in progress. Not stuck yet.
	_, err := s.Put(ctx, "stuck", []byte("v2"), 1)
	require.NoError(t, err)
	_, _, err = s.EnqueueJob(ctx, "stuck")
	require.NoError(t, err)

	recs, err := s.StuckRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Terminal failure with the record still ROTATING: stuck.
	claimed, _, err := s.ClaimJob(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.FailJobTerminal(ctx, claimed.ID, "action kept failing"))

	recs, err = s.StuckRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stuck", recs[0].Name)
	assert.Equal(t, StateRotating, recs[0].State)
}

func TestListJobsFiltered(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedSecret(t, s, "a")
	seedSecret(t, s, "b")

	_, _, err := s.EnqueueJob(ctx, "a")
	require.NoError(t, err)
	_, _, err = s.EnqueueJob(ctx, "b")
	require.NoError(t, err)
	claimed, _, err := s.ClaimJob(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, claimed.ID))

	all, err := s.ListJobs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := s.ListJobs(ctx, JobSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, claimed.ID, done[0].ID)
}
