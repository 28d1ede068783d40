package audit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
)

// Emitter queues audit records and appends them to the sink asynchronously.
type Emitter struct {
	sink    Sink
	spill   *spillArea
	logger  *logging.Logger
	metrics *metrics.Registry

	retryBudget   int
	retryInterval time.Duration

	queue chan Record
	wg    sync.WaitGroup

	mu       sync.Mutex
	degraded bool
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithRetryBudget bounds how many append attempts one record gets before it
// spills.
func WithRetryBudget(n int) EmitterOption {
	return func(e *Emitter) { e.retryBudget = n }
}

// WithQueueSize sets the emit queue depth.
func WithQueueSize(n int) EmitterOption {
	return func(e *Emitter) { e.queue = make(chan Record, n) }
}

// WithRetryInterval sets the initial backoff interval. Tests shrink it.
func WithRetryInterval(d time.Duration) EmitterOption {
	return func(e *Emitter) { e.retryInterval = d }
}

// NewEmitter creates an emitter spilling to spillDir. Call Run to start the
// append loop and Close to drain and stop it.
func NewEmitter(sink Sink, spillDir string, logger *logging.Logger, m *metrics.Registry, opts ...EmitterOption) (*Emitter, error) {
	spill, err := newSpillArea(spillDir)
	if err != nil {
		return nil, err
	}
	e := &Emitter{
		sink:          sink,
		spill:         spill,
		logger:        logger,
		metrics:       m,
		retryBudget:   5,
		retryInterval: 500 * time.Millisecond,
		queue:         make(chan Record, 1024),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Emit enqueues a record. It never blocks: with the queue full the record
// goes straight to the spill area rather than stalling the caller.
func (e *Emitter) Emit(rec Record) {
	select {
	case e.queue <- rec:
	default:
		e.logger.Warn("Audit queue full, spilling record %s", rec.ID)
		e.spillRecord(rec)
	}
}

// Run processes the queue until ctx is cancelled and the queue is drained.
// Start exactly once, in its own goroutine via the returned function or by
// the caller.
func (e *Emitter) Run(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		// Records spilled by a previous process are still owed to the sink.
		if n, err := e.spill.count(); err == nil && n > 0 {
			e.setDegraded(true)
			e.replay(ctx)
		}

		for {
			select {
			case rec, ok := <-e.queue:
				if !ok {
					return
				}
				e.deliver(ctx, rec)
			case <-ctx.Done():
				// Drain whatever is already queued, then stop.
				for {
					select {
					case rec, ok := <-e.queue:
						if !ok {
							return
						}
						e.deliver(context.Background(), rec)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close waits for the append loop to finish. Callers cancel the Run context
// first.
func (e *Emitter) Close() {
	e.wg.Wait()
}

// Degraded reports whether the emitter is currently spilling.
func (e *Emitter) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

func (e *Emitter) deliver(ctx context.Context, rec Record) {
	if err := e.appendWithRetry(ctx, rec); err != nil {
		e.logger.Error("Audit sink unavailable, spilling record %s: %v", rec.ID, err)
		e.spillRecord(rec)
		return
	}
	// The sink took a record; if we were degraded, try to replay the spill.
	if e.Degraded() {
		e.replay(ctx)
	}
}

func (e *Emitter) appendWithRetry(ctx context.Context, rec Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.sink.Append(ctx, rec)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.retryBudget)))
	return err
}

func (e *Emitter) spillRecord(rec Record) {
	if err := e.spill.write(rec); err != nil {
		// Losing an audit record is the last resort; say so loudly.
		e.logger.Error("Failed to spill audit record %s: %v", rec.ID, err)
		return
	}
	e.metrics.RecordAuditSpill()
	e.setDegraded(true)
}

// replay pushes spilled records back into the sink, oldest first. Any
// failure leaves the remaining files in place for the next attempt.
func (e *Emitter) replay(ctx context.Context) {
	recs, err := e.spill.list()
	if err != nil {
		e.logger.Error("Failed to list audit spill area: %v", err)
		return
	}

	for _, rec := range recs {
		if err := e.sink.Append(ctx, rec); err != nil {
			e.logger.Warn("Audit replay interrupted at record %s: %v", rec.ID, err)
			return
		}
		if err := e.spill.remove(rec.ID); err != nil {
			e.logger.Error("Failed to remove replayed spill record %s: %v", rec.ID, err)
			return
		}
	}

	e.setDegraded(false)
	if len(recs) > 0 {
		e.logger.Info("Replayed %d spilled audit records", len(recs))
	}
}

func (e *Emitter) setDegraded(d bool) {
	e.mu.Lock()
	changed := e.degraded != d
	e.degraded = d
	e.mu.Unlock()
	if changed {
		e.metrics.SetAuditDegraded(d)
	}
}
