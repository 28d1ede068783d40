package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretd/internal/accessctl"
	"github.com/systmms/secretd/internal/audit"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/rotation"
	"github.com/systmms/secretd/internal/scheduler"
	"github.com/systmms/secretd/internal/store"
	"github.com/systmms/secretd/internal/worker"
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

type captureEmitter struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (e *captureEmitter) Emit(rec audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, rec)
}

func (e *captureEmitter) find(operation string, outcome audit.Outcome) []audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []audit.Record
	for _, r := range e.recs {
		if r.Operation == operation && r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	svc     *Service
	store   *store.Store
	pool    *worker.Pool
	clock   *fakeClock
	emitter *captureEmitter
}

var testRules = []accessctl.Rule{
	{Principal: "app", Pattern: "db/*", Operations: []accessctl.Operation{accessctl.OpRead}, Effect: accessctl.Allow},
	{Principal: "ops", Pattern: "*", Operations: []accessctl.Operation{"*"}, Effect: accessctl.Allow},
}

func newTestService(t *testing.T, poolOpts ...worker.Option) *testEnv {
	t.Helper()

	db, err := store.OpenDB(context.Background(), filepath.Join(t.TempDir(), "store.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider, err := kms.NewStaticProvider("m", "test-passphrase")
	require.NoError(t, err)

	clock := newFakeClock()
	logger := logging.NewWithWriter(io.Discard, false)
	m := metrics.NewRegistry()
	st := store.New(db, provider, logger, store.WithClock(clock.Now))
	sched := scheduler.NewWithOptions(st, logger, m, time.Minute, 5*time.Minute,
		scheduler.WithClock(clock.Now))
	emitter := &captureEmitter{}

	poolOpts = append([]worker.Option{worker.WithClock(clock.Now)}, poolOpts...)
	pool := worker.New(st, logger, m, emitter, 1, time.Second, poolOpts...)

	engine := accessctl.NewEngine(testRules)
	svc := New(st, engine, sched, emitter, m, logger)
	return &testEnv{svc: svc, store: st, pool: pool, clock: clock, emitter: emitter}
}

// drainOneJob claims and processes a single queued job inline.
func drainOneJob(t *testing.T, env *testEnv) {
	t.Helper()
	job, ok, err := env.store.ClaimJob(context.Background(), "test-worker")
	require.NoError(t, err)
	require.True(t, ok, "expected a claimable job")
	env.pool.Process(context.Background(), job)
}

func TestAuthorizationGatesEveryOperation(t *testing.T) {
	t.Parallel()
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.CreateSecret(ctx, "ops", "db/password", []byte("hunter2"))
	require.NoError(t, err)

	// app may read db/* but nothing else.
	ver, err := env.svc.GetSecret(ctx, "app", "db/password")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), ver.Value)

	_, err = env.svc.PutSecret(ctx, "app", "db/password", []byte("x"), 1)
	assert.True(t, dserrors.IsUnauthorized(err))
	_, err = env.svc.GetSecret(ctx, "app", "api/key")
	assert.True(t, dserrors.IsUnauthorized(err))
	_, _, err = env.svc.Rotate(ctx, "app", "db/password")
	assert.True(t, dserrors.IsUnauthorized(err))
	_, err = env.svc.ListSecrets(ctx, "app")
	assert.True(t, dserrors.IsUnauthorized(err))

	// An unknown principal gets nothing at all.
	_, err = env.svc.GetSecret(ctx, "stranger", "db/password")
	assert.True(t, dserrors.IsUnauthorized(err))

	// Denials are audited, successes too.
	assert.NotEmpty(t, env.emitter.find("WRITE", audit.OutcomeDenied))
	assert.NotEmpty(t, env.emitter.find("READ", audit.OutcomeDenied))
	assert.Len(t, env.emitter.find("CREATE", audit.OutcomeSuccess), 1)
	assert.Len(t, env.emitter.find("READ", audit.OutcomeSuccess), 1)
}

func TestRotationEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.CreateSecret(ctx, "ops", "db/password", []byte("old-password"))
	require.NoError(t, err)
	require.NoError(t, env.svc.SetRotationPolicy(ctx, "ops", store.RotationPolicy{
		SecretName:      "db/password",
		IntervalSeconds: 86400,
		GraceSeconds:    3600,
		MaxAttempts:     3,
		ActionKind:      "none",
		SecretLength:    24,
	}))

	_, enqueued, err := env.svc.Rotate(ctx, "ops", "db/password")
	require.NoError(t, err)
	require.True(t, enqueued)
	drainOneJob(t, env)

	// The new version is CURRENT; the old one serves reads for the grace
	// window and disappears after it.
	cur, err := env.svc.GetSecret(ctx, "app", "db/password")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cur.Version)
	assert.Len(t, cur.Value, 24)

	prev, err := env.svc.GetSecret(ctx, "app", "db/password", store.WithStage(store.StagePrevious))
	require.NoError(t, err)
	assert.Equal(t, []byte("old-password"), prev.Value)

	env.clock.Advance(2 * time.Hour)
	_, err = env.svc.GetSecret(ctx, "app", "db/password", store.WithStage(store.StagePrevious))
	assert.True(t, dserrors.IsNotFound(err))

	rec, err := env.svc.DescribeSecret(ctx, "ops", "db/password")
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, rec.State)
	assert.EqualValues(t, 2, rec.CurrentVersion)
}

func TestFailedRotationLeavesRecordVisibleToAdmin(t *testing.T) {
	t.Parallel()
	env := newTestService(t, worker.WithBackoffBase(time.Minute),
		worker.WithActionFactory(func(rotation.Kind, *logging.Logger) (rotation.Action, error) {
			return failingAction{}, nil
		}))
	ctx := context.Background()

	_, err := env.svc.CreateSecret(ctx, "ops", "db/password", []byte("old-password"))
	require.NoError(t, err)
	require.NoError(t, env.svc.SetRotationPolicy(ctx, "ops", store.RotationPolicy{
		SecretName:      "db/password",
		IntervalSeconds: 86400,
		GraceSeconds:    3600,
		MaxAttempts:     2,
		ActionKind:      "credential-update",
	}))

	_, _, err = env.svc.Rotate(ctx, "ops", "db/password")
	require.NoError(t, err)
	drainOneJob(t, env)
	env.clock.Advance(2 * time.Minute)
	drainOneJob(t, env)

	// Readers still get the old CURRENT; the admin sees the stuck record
	// and the failed job without touching any secret material.
	cur, err := env.svc.GetSecret(ctx, "app", "db/password")
	require.NoError(t, err)
	assert.Equal(t, []byte("old-password"), cur.Value)

	stuck, err := env.svc.StuckSecrets(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "db/password", stuck[0].Name)
	assert.Equal(t, store.StateRotating, stuck[0].State)

	jobs, err := env.svc.ListJobs(ctx, "ops", store.JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	// Re-enqueueing is possible once the failed job freed the dedup slot.
	_, enqueued, err := env.svc.Rotate(ctx, "ops", "db/password")
	require.NoError(t, err)
	assert.True(t, enqueued)
}

type failingAction struct{}

func (failingAction) Kind() rotation.Kind { return rotation.KindCredentialUpdate }

func (failingAction) Apply(ctx context.Context, req rotation.Request) error {
	return errors.New("target database rejects the new credential")
}

func TestLifecycleOperations(t *testing.T) {
	t.Parallel()
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.CreateSecret(ctx, "ops", "db/password", []byte("v1"))
	require.NoError(t, err)

	require.NoError(t, env.svc.DisableSecret(ctx, "ops", "db/password"))
	_, err = env.svc.GetSecret(ctx, "app", "db/password")
	require.Error(t, err)

	// Metadata stays reachable while reads are blocked.
	rec, err := env.svc.DescribeSecret(ctx, "ops", "db/password")
	require.NoError(t, err)
	assert.Equal(t, store.StateDisabled, rec.State)

	require.NoError(t, env.svc.EnableSecret(ctx, "ops", "db/password"))
	_, err = env.svc.GetSecret(ctx, "app", "db/password")
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteSecret(ctx, "ops", "db/password", time.Hour))
	_, err = env.svc.GetSecret(ctx, "app", "db/password")
	assert.True(t, dserrors.IsNotFound(err))

	records, err := env.svc.ListSecrets(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.StatePendingDelete, records[0].State)
}

func TestManualPutAndPromote(t *testing.T) {
	t.Parallel()
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.CreateSecret(ctx, "ops", "db/password", []byte("v1"))
	require.NoError(t, err)

	version, err := env.svc.PutSecret(ctx, "ops", "db/password", []byte("v2"), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)

	// Stale expected version loses cleanly.
	_, err = env.svc.PutSecret(ctx, "ops", "db/password", []byte("v2b"), 1)
	assert.True(t, dserrors.IsConflict(err))

	require.NoError(t, env.svc.PromoteSecret(ctx, "ops", "db/password", 2))
	cur, err := env.svc.GetSecret(ctx, "ops", "db/password")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), cur.Value)
}
