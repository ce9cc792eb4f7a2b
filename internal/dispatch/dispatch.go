// Package dispatch moves finalized incident notifications out of the core:
// persistence upsert plus pub/sub publication, decoupled from the hot path
// by a bounded buffer with at-least-once semantics. Re-publication is
// idempotent by (incident id, change sequence); downstream consumers
// deduplicate on the same pair.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fleetwatch/incident-engine/internal/metrics"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

// Publisher emits one notification to the outbound feed.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
	Close() error
}

// RowStore is the slice of the persistence collaborator the dispatcher needs.
type RowStore interface {
	Save(ctx context.Context, inc models.Incident) error
}

// ErrClosed is returned by Enqueue after the dispatcher has shut down.
var ErrClosed = errors.New("dispatcher closed")

// Options tunes the outbound buffer and retry policy.
type Options struct {
	QueueSize       int
	PublishTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 2 * time.Minute
	}
}

// Dispatcher drains the handoff queue sequentially so per-incident change
// order is preserved on the wire.
type Dispatcher struct {
	logger    *slog.Logger
	publisher Publisher
	rows      RowStore
	opts      Options

	queue chan models.Notification
	mu    sync.RWMutex
	done  bool
	wg    sync.WaitGroup

	seqMu     sync.Mutex
	published map[string]uint64
}

// New builds a dispatcher; rows may be nil when no store is configured.
func New(logger *slog.Logger, publisher Publisher, rows RowStore, opts Options) *Dispatcher {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	opts.withDefaults()
	return &Dispatcher{
		logger:    logger,
		publisher: publisher,
		rows:      rows,
		opts:      opts,
		queue:     make(chan models.Notification, opts.QueueSize),
		published: make(map[string]uint64),
	}
}

// Start launches the drain loop. ctx cancellation abandons retries in
// flight but the loop itself runs until Close so shutdown can flush.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for n := range d.queue {
			metrics.SetDispatchQueueDepth(len(d.queue))
			d.deliver(ctx, n)
		}
	}()
}

// Enqueue hands a finalized notification to the drain loop. Blocks when the
// buffer is full, backpressuring the lanes rather than dropping output.
func (d *Dispatcher) Enqueue(n models.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.done {
		return ErrClosed
	}
	d.queue <- n
	metrics.SetDispatchQueueDepth(len(d.queue))
	return nil
}

// Close stops intake and flushes everything already buffered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return nil
	}
	d.done = true
	close(d.queue)
	d.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	if d.alreadyPublished(n) {
		metrics.ObservePublish("duplicate", false)
		return
	}

	if d.rows != nil {
		if err := d.retry(ctx, "store", func(opCtx context.Context) error {
			return d.rows.Save(opCtx, n.Incident)
		}); err != nil {
			d.logger.Error("incident row persist failed",
				slog.String("incident_id", n.Incident.ID), slog.Any("error", err))
		}
	}

	if d.publisher == nil {
		d.markPublished(n)
		return
	}

	err := d.retry(ctx, "publish", func(opCtx context.Context) error {
		return d.publisher.Publish(opCtx, n)
	})
	if err != nil {
		metrics.ObservePublish("error", false)
		d.logger.Error("notification publish abandoned",
			slog.String("incident_id", n.Incident.ID),
			slog.Uint64("seq", n.Seq),
			slog.Any("error", err))
		return
	}
	metrics.ObservePublish("success", false)
	d.markPublished(n)
}

func (d *Dispatcher) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.InitialInterval
	bo.MaxInterval = d.opts.MaxInterval
	bo.MaxElapsedTime = d.opts.MaxElapsed

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
		defer cancel()
		return fn(opCtx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		metrics.ObservePublish("retry", true)
		d.logger.Warn("downstream "+op+" failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("next", next),
			slog.Any("error", err))
	})
}

func (d *Dispatcher) alreadyPublished(n models.Notification) bool {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	return n.Seq <= d.published[n.Incident.ID]
}

func (d *Dispatcher) markPublished(n models.Notification) {
	d.seqMu.Lock()
	if n.Seq > d.published[n.Incident.ID] {
		d.published[n.Incident.ID] = n.Seq
	}
	d.seqMu.Unlock()
}
