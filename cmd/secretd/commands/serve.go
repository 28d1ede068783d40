package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/systmms/secretd/internal/audit"
	"github.com/systmms/secretd/internal/config"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/replication"
	"github.com/systmms/secretd/internal/scheduler"
	"github.com/systmms/secretd/internal/store"
	"github.com/systmms/secretd/internal/worker"
	"github.com/systmms/secretd/pkg/kms"
)

// NewServeCommand runs the secretd daemon: scheduler, worker pool,
// replication propagator, audit emitter and the metrics/health listener.
func NewServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the secretd daemon",
		Long: `Run the control plane: the rotation scheduler, the worker pool, the
replication propagator and the audit emitter, plus an HTTP listener with
/metrics, /healthz and /replicas. Stops cleanly on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if err := cfg.Load(); err != nil {
		return err
	}
	def := cfg.Definition
	logger := cfg.Logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	m := metrics.NewRegistry()

	db, err := store.OpenDB(ctx, def.Store.Path, def.Store.BusyTimeoutMs)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	provider, err := buildKeyProvider(ctx, cfg)
	if err != nil {
		return err
	}
	provider = withProviderTimeout(provider, def.KMSTimeout())

	st := store.New(db, provider, logger,
		store.WithDefaultGrace(time.Duration(def.Defaults.GraceSeconds)*time.Second))
	defer st.Close()

	sink, err := buildAuditSink(cfg)
	if err != nil {
		return err
	}
	spillDir := def.Audit.SpillDir
	if spillDir == "" {
		spillDir = "secretd-audit-spill"
	}
	emitter, err := audit.NewEmitter(sink, spillDir, logger, m,
		audit.WithRetryBudget(def.Audit.RetryBudget),
		audit.WithQueueSize(def.Audit.QueueSize))
	if err != nil {
		return err
	}

	regions, err := buildReplicaRegions(ctx, def)
	if err != nil {
		return err
	}
	propagator := replication.NewPropagator(st, regions, logger, m)

	sched := scheduler.New(st, logger, m, def.SchedulerTick(), def.ClaimStaleness())
	pool := worker.New(st, logger, m, emitter, def.Workers.Count, def.ActionTimeout())

	done := make(chan struct{}, 3)
	go func() { emitter.Run(ctx); done <- struct{}{} }()
	go func() { sched.Run(ctx); done <- struct{}{} }()
	go func() { pool.Run(ctx); done <- struct{}{} }()
	propagator.Run(ctx)

	server := &http.Server{
		Addr:    def.Listen,
		Handler: newServeMux(st, emitter, propagator),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("secretd listening on %s (store: %s, kms: %s, %d workers, %d replica regions)",
		def.Listen, def.Store.Path, provider.Name(), def.Workers.Count, len(regions))

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		return fmt.Errorf("http listener failed: %w", err)
	}

	// Wait for the background loops to drain.
	for i := 0; i < 3; i++ {
		<-done
	}
	propagator.Wait()
	logger.Info("secretd stopped")
	return nil
}

// newServeMux builds the operational HTTP surface. No secret material is
// reachable here.
func newServeMux(st *store.Store, emitter *audit.Emitter, propagator *replication.Propagator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stuck, err := st.StuckRecords(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		outstanding, err := st.OutstandingJobCount(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		status := "ok"
		if emitter.Degraded() || len(stuck) > 0 {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           status,
			"audit_degraded":   emitter.Degraded(),
			"stuck_rotations":  len(stuck),
			"jobs_outstanding": outstanding,
		})
	})

	mux.HandleFunc("/replicas", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(propagator.Status())
	})

	return mux
}

// buildReplicaRegions constructs a backend per configured replica region.
func buildReplicaRegions(ctx context.Context, def *config.Definition) ([]replication.Region, error) {
	regions := make([]replication.Region, 0, len(def.Replicas))
	for i, r := range def.Replicas {
		var (
			backend replication.Backend
			err     error
		)
		switch r.Backend {
		case "memory":
			backend = replication.NewMemoryBackend()
		case "aws.secretsmanager":
			backend, err = replication.NewAWSSecretsManagerBackend(ctx,
				replicaString(r, "aws_region"), replicaString(r, "prefix"))
		case "aws.ssm":
			backend, err = replication.NewAWSSSMBackend(ctx,
				replicaString(r, "aws_region"), replicaString(r, "prefix"))
		case "gcp.secretmanager":
			backend, err = replication.NewGCPSecretManagerBackend(ctx, replicaString(r, "project"))
		case "azure.keyvault":
			backend, err = replication.NewAzureKeyVaultBackend(replicaString(r, "vault_url"), nil)
		default:
			err = dserrors.ConfigError{
				Field:      fmt.Sprintf("replicas[%d].backend", i),
				Value:      r.Backend,
				Message:    "unknown replica backend",
				Suggestion: "Supported backends: memory, aws.secretsmanager, aws.ssm, gcp.secretmanager, azure.keyvault",
			}
		}
		if err != nil {
			return nil, err
		}
		regions = append(regions, replication.Region{Name: r.Region, Backend: backend})
	}
	return regions, nil
}

// replicaString reads one string key from a replica's inline config.
func replicaString(r config.ReplicaConfig, key string) string {
	if v, ok := r.Config[key].(string); ok {
		return v
	}
	return ""
}

// timeoutProvider bounds every key provider call. Timeouts surface as
// retryable KeyProviderErrors and never count against rotation attempts.
type timeoutProvider struct {
	inner   kms.KeyProvider
	timeout time.Duration
}

func withProviderTimeout(inner kms.KeyProvider, timeout time.Duration) kms.KeyProvider {
	if timeout <= 0 {
		return inner
	}
	return &timeoutProvider{inner: inner, timeout: timeout}
}

func (p *timeoutProvider) Name() string { return p.inner.Name() }

func (p *timeoutProvider) WrapKey(ctx context.Context, plaintextKey []byte) (kms.WrappedKey, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.WrapKey(ctx, plaintextKey)
}

func (p *timeoutProvider) UnwrapKey(ctx context.Context, ref kms.WrappedKey) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.UnwrapKey(ctx, ref)
}

func (p *timeoutProvider) DescribeKey(ctx context.Context, ref kms.WrappedKey) (kms.KeyMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.DescribeKey(ctx, ref)
}
