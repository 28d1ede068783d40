package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/store"
)

// Source is the store surface the propagator consumes.
type Source interface {
	Subscribe(buffer int) <-chan store.CommitEvent
	CommittedVersions(ctx context.Context) ([]store.CommitEvent, error)
}

// Region pairs a region name with its replica backend.
type Region struct {
	Name    string
	Backend Backend
}

// RegionStatus is the operator-facing view of one region's progress. It is
// served as JSON on the daemon's /replicas endpoint.
type RegionStatus struct {
	Region     string           `json:"region"`
	Backend    string           `json:"backend"`
	Watermarks map[string]int64 `json:"watermarks"` // secret name -> highest confirmed version
}

// Propagator fans committed versions out to all replica regions. Each region
// advances independently; a slow or failing region never holds back the
// others, and never blocks a promotion on the primary.
type Propagator struct {
	source  Source
	regions []Region
	logger  *logging.Logger
	metrics *metrics.Registry

	syncInterval  time.Duration
	retryInterval time.Duration

	mu         sync.Mutex
	watermarks map[string]map[string]int64

	wg sync.WaitGroup
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithSyncInterval sets how often each region reconciles against the store.
// The periodic sync is what turns best-effort event delivery into
// at-least-once replication.
func WithSyncInterval(d time.Duration) PropagatorOption {
	return func(p *Propagator) { p.syncInterval = d }
}

// WithPushRetryInterval sets the initial backoff for failed pushes.
func WithPushRetryInterval(d time.Duration) PropagatorOption {
	return func(p *Propagator) { p.retryInterval = d }
}

// NewPropagator creates a propagator over the given regions.
func NewPropagator(source Source, regions []Region, logger *logging.Logger, m *metrics.Registry, opts ...PropagatorOption) *Propagator {
	p := &Propagator{
		source:        source,
		regions:       regions,
		logger:        logger,
		metrics:       m,
		syncInterval:  time.Minute,
		retryInterval: time.Second,
		watermarks:    make(map[string]map[string]int64),
	}
	for _, r := range regions {
		p.watermarks[r.Name] = make(map[string]int64)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts one goroutine per region and returns. Use Wait to join after
// cancelling the context.
func (p *Propagator) Run(ctx context.Context) {
	for _, region := range p.regions {
		events := p.source.Subscribe(64)
		p.wg.Add(1)
		go func(region Region, events <-chan store.CommitEvent) {
			defer p.wg.Done()
			p.runRegion(ctx, region, events)
		}(region, events)
	}
}

// Wait blocks until all region goroutines have stopped.
func (p *Propagator) Wait() {
	p.wg.Wait()
}

func (p *Propagator) runRegion(ctx context.Context, region Region, events <-chan store.CommitEvent) {
	// Catch up on everything committed before we started listening.
	p.sync(ctx, region)

	ticker := time.NewTicker(p.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.push(ctx, region, eventItem(ev))
		case <-ticker.C:
			p.sync(ctx, region)
		case <-ctx.Done():
			return
		}
	}
}

// sync reconciles the region against the store's committed versions. Writes
// are idempotent, so re-pushing something the replica already holds is just
// a wasted round trip.
func (p *Propagator) sync(ctx context.Context, region Region) {
	items, err := p.source.CommittedVersions(ctx)
	if err != nil {
		p.logger.Error("Replication sync for region %s failed to list versions: %v", region.Name, err)
		return
	}
	for _, ev := range items {
		if p.confirmed(region.Name, ev.Name) >= ev.Version {
			continue
		}
		p.push(ctx, region, eventItem(ev))
	}
}

func (p *Propagator) push(ctx context.Context, region Region, item Item) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, region.Backend.Write(ctx, item)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	if err != nil {
		// The periodic sync will retry; the watermark stays put so the gap
		// is visible in metrics until the write lands.
		p.metrics.RecordReplicaPush(region.Name, "error")
		p.logger.Warn("Replication to %s failed for %s: %v", region.Name, item.Key(), err)
		return
	}

	p.metrics.RecordReplicaPush(region.Name, "ok")
	p.confirm(region.Name, item.Name, item.Version)
}

func (p *Propagator) confirmed(region, secret string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermarks[region][secret]
}

func (p *Propagator) confirm(region, secret string, version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version > p.watermarks[region][secret] {
		p.watermarks[region][secret] = version
		p.metrics.SetReplicaWatermark(region, secret, version)
	}
}

// Status reports per-region watermarks, sorted by region name.
func (p *Propagator) Status() []RegionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RegionStatus, 0, len(p.regions))
	for _, r := range p.regions {
		marks := make(map[string]int64, len(p.watermarks[r.Name]))
		for secret, v := range p.watermarks[r.Name] {
			marks[secret] = v
		}
		out = append(out, RegionStatus{
			Region:     r.Name,
			Backend:    r.Backend.Name(),
			Watermarks: marks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

func eventItem(ev store.CommitEvent) Item {
	return Item{
		Name:          ev.Name,
		Version:       ev.Version,
		Stage:         string(ev.Stage),
		KeyID:         ev.KeyID,
		WrappedKeyRef: ev.WrappedKeyRef,
		Nonce:         ev.Nonce,
		Ciphertext:    ev.Ciphertext,
		CommittedAt:   ev.CommittedAt,
	}
}
