// Package metrics exposes the Prometheus instrumentation for the control
// plane: rotation outcomes, job queue activity, replication watermarks and
// audit emitter health.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	jobsOutstanding        prometheus.Gauge
	stuckRotations         prometheus.Gauge

	replicaWatermark *prometheus.GaugeVec
	replicaPushTotal *prometheus.CounterVec

	auditSpilledTotal prometheus.Counter
	auditDegraded     prometheus.Gauge
	authzDeniedTotal  *prometheus.CounterVec

	registerOnce sync.Once
	registered   bool
)

// Registry provides methods to record control-plane metrics. Collectors are
// registered lazily via Init; recording before Init is a no-op so library
// consumers and tests are never forced to register global state.
type Registry struct{}

// NewRegistry returns a metrics recorder.
func NewRegistry() *Registry { return &Registry{} }

// Init registers all collectors with the default Prometheus registerer.
// Call once at daemon startup, before serving /metrics.
func Init() {
	registerOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretd_rotation_started_total",
				Help: "Total number of rotation jobs started",
			},
			[]string{"secret", "action"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretd_rotation_completed_total",
				Help: "Total number of rotation jobs finished, by outcome",
			},
			[]string{"secret", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretd_rotation_duration_seconds",
				Help:    "Duration of rotation jobs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"action"},
		)

		jobsOutstanding = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "secretd_rotation_jobs_outstanding",
				Help: "Rotation jobs currently queued or in progress",
			},
		)

		stuckRotations = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "secretd_rotation_stuck_records",
				Help: "Secret records stuck in ROTATING past the attempt ceiling",
			},
		)

		replicaWatermark = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "secretd_replica_watermark",
				Help: "Highest version confirmed present at each replica region, per secret",
			},
			[]string{"region", "secret"},
		)

		replicaPushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretd_replica_push_total",
				Help: "Replica push attempts by region and outcome",
			},
			[]string{"region", "status"},
		)

		auditSpilledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "secretd_audit_spilled_total",
				Help: "Audit records spilled to local durable storage",
			},
		)

		auditDegraded = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "secretd_audit_degraded",
				Help: "Whether the audit emitter is in degraded (spilling) mode",
			},
		)

		authzDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretd_authz_denied_total",
				Help: "Access policy denials by operation",
			},
			[]string{"operation"},
		)

		registered = true
	})
}

// RecordRotationStarted records a rotation job entering IN_PROGRESS.
func (r *Registry) RecordRotationStarted(secret, action string) {
	if !registered {
		return
	}
	rotationStartedTotal.WithLabelValues(secret, action).Inc()
}

// RecordRotationCompleted records a terminal job outcome.
func (r *Registry) RecordRotationCompleted(secret, status, action string, durationSeconds float64) {
	if !registered {
		return
	}
	rotationCompletedTotal.WithLabelValues(secret, status).Inc()
	rotationDuration.WithLabelValues(action).Observe(durationSeconds)
}

// SetJobsOutstanding records the current queued plus in-progress job count.
func (r *Registry) SetJobsOutstanding(n int) {
	if !registered {
		return
	}
	jobsOutstanding.Set(float64(n))
}

// SetStuckRotations records how many records are stuck in ROTATING.
func (r *Registry) SetStuckRotations(n int) {
	if !registered {
		return
	}
	stuckRotations.Set(float64(n))
}

// SetReplicaWatermark records the highest confirmed version at a region.
func (r *Registry) SetReplicaWatermark(region, secret string, version int64) {
	if !registered {
		return
	}
	replicaWatermark.WithLabelValues(region, secret).Set(float64(version))
}

// RecordReplicaPush records a push attempt outcome for a region.
func (r *Registry) RecordReplicaPush(region, status string) {
	if !registered {
		return
	}
	replicaPushTotal.WithLabelValues(region, status).Inc()
}

// RecordAuditSpill records one audit record written to the spill area.
func (r *Registry) RecordAuditSpill() {
	if !registered {
		return
	}
	auditSpilledTotal.Inc()
}

// SetAuditDegraded flips the audit health signal.
func (r *Registry) SetAuditDegraded(degraded bool) {
	if !registered {
		return
	}
	if degraded {
		auditDegraded.Set(1)
	} else {
		auditDegraded.Set(0)
	}
}

// RecordAuthzDenied records a policy denial.
func (r *Registry) RecordAuthzDenied(operation string) {
	if !registered {
		return
	}
	authzDeniedTotal.WithLabelValues(operation).Inc()
}

// IsRegistered reports whether Init has run.
func IsRegistered() bool { return registered }
