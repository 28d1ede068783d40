package commands

import (
	"context"
	"time"

	"github.com/systmms/secretd/internal/accessctl"
	"github.com/systmms/secretd/internal/audit"
	"github.com/systmms/secretd/internal/config"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/scheduler"
	"github.com/systmms/secretd/internal/service"
	"github.com/systmms/secretd/internal/store"
	"github.com/systmms/secretd/pkg/kms"
)

// controlPlane bundles everything an admin command needs against the local
// store. The daemon builds its own richer wiring in serve.go.
type controlPlane struct {
	svc   *service.Service
	store *store.Store
	close func()
}

// openControlPlane loads the config and wires a one-shot service facade for
// CLI commands. Audit records are appended synchronously; a CLI invocation
// has no background goroutine to hand them to.
func openControlPlane(ctx context.Context, cfg *config.Config) (*controlPlane, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	def := cfg.Definition

	db, err := store.OpenDB(ctx, def.Store.Path, def.Store.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}

	provider, err := buildKeyProvider(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := store.New(db, provider, cfg.Logger,
		store.WithDefaultGrace(time.Duration(def.Defaults.GraceSeconds)*time.Second))

	sink, err := buildAuditSink(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m := metrics.NewRegistry()
	engine := accessctl.NewEngine(accessRules(def), accessctl.WithCacheTTL(def.AccessCacheTTL()))
	sched := scheduler.New(st, cfg.Logger, m, def.SchedulerTick(), def.ClaimStaleness())
	svc := service.New(st, engine, sched, &syncEmitter{sink: sink, cfg: cfg}, m, cfg.Logger)

	return &controlPlane{
		svc:   svc,
		store: st,
		close: func() { _ = db.Close() },
	}, nil
}

// syncEmitter appends audit records inline instead of queueing them.
type syncEmitter struct {
	sink audit.Sink
	cfg  *config.Config
}

func (e *syncEmitter) Emit(rec audit.Record) {
	if err := e.sink.Append(context.Background(), rec); err != nil {
		e.cfg.Logger.Warn("Failed to append audit record %s: %v", rec.ID, err)
	}
}

// buildKeyProvider constructs the configured key provider.
func buildKeyProvider(ctx context.Context, cfg *config.Config) (kms.KeyProvider, error) {
	def := cfg.Definition
	switch def.KMS.Provider {
	case "static":
		return kms.NewStaticProvider(def.KMS.KeyID, def.KMS.Passphrase)
	case "aws.kms":
		return kms.NewAWSProvider(ctx, kms.AWSConfig{
			KeyID:           def.KMS.KeyID,
			Region:          def.KMS.Region,
			Profile:         def.KMS.Profile,
			AccessKeyID:     def.KMS.AccessKeyID,
			SecretAccessKey: def.KMS.SecretAccessKey,
		})
	default:
		return nil, dserrors.ConfigError{
			Field:      "kms.provider",
			Value:      def.KMS.Provider,
			Message:    "unknown key provider",
			Suggestion: "Supported providers: static, aws.kms",
		}
	}
}

// buildAuditSink constructs the configured audit sink.
func buildAuditSink(cfg *config.Config) (audit.Sink, error) {
	def := cfg.Definition
	switch def.Audit.Sink {
	case "memory":
		return audit.NewMemorySink(), nil
	case "file":
		path := def.Audit.Path
		if path == "" {
			path = "secretd-audit.log"
		}
		return audit.NewFileSink(path)
	default:
		return nil, dserrors.ConfigError{
			Field:      "audit.sink",
			Value:      def.Audit.Sink,
			Message:    "unknown audit sink",
			Suggestion: "Supported sinks: file, memory",
		}
	}
}

// accessRules converts config policy statements into engine rules.
func accessRules(def *config.Definition) []accessctl.Rule {
	rules := make([]accessctl.Rule, 0, len(def.Access.Policies))
	for _, p := range def.Access.Policies {
		ops := make([]accessctl.Operation, 0, len(p.Operations))
		for _, op := range p.Operations {
			ops = append(ops, accessctl.Operation(op))
		}
		rules = append(rules, accessctl.Rule{
			Principal:  p.Principal,
			Pattern:    p.Pattern,
			Operations: ops,
			Effect:     accessctl.Effect(p.Effect),
		})
	}
	return rules
}
