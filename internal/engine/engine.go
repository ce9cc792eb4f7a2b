// Package engine wires key derivation, suppression, correlation and the
// incident aggregator into the event-processing pipeline. Events are
// sharded onto lanes by suppression key so same-key ordering is preserved
// end-to-end; the shared tracker and index are bucket-locked for the
// cross-lane lookups correlation needs.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fleetwatch/incident-engine/internal/correlate"
	"github.com/fleetwatch/incident-engine/internal/incident"
	"github.com/fleetwatch/incident-engine/internal/keys"
	"github.com/fleetwatch/incident-engine/internal/metrics"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/suppress"
	"github.com/fleetwatch/incident-engine/internal/tracking"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

var (
	// ErrOverloaded signals backpressure: the lane queue is full and the
	// event was refused rather than buffered without bound.
	ErrOverloaded = errors.New("engine overloaded")
	// ErrStopped is returned by Submit after shutdown began.
	ErrStopped = errors.New("engine stopped")
	// ErrNotFound signals an unknown incident id on the admin surface.
	ErrNotFound = errors.New("incident not found")
)

// Dispatcher receives finalized notifications for persistence and
// publication. Implementations must not block indefinitely.
type Dispatcher interface {
	Enqueue(n models.Notification) error
}

// Config tunes the pipeline. Zero values pick defaults.
type Config struct {
	Workers            int
	LaneQueueSize      int
	SuppressionWindow  time.Duration
	CorrelationHorizon time.Duration
	ResolveGrace       time.Duration
	CloseQuiescence    time.Duration
	SweepInterval      time.Duration
	Shapes             []keys.Shape
	Severity           incident.SeverityMapper
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.LaneQueueSize <= 0 {
		c.LaneQueueSize = 256
	}
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = 5 * time.Minute
	}
	if c.CorrelationHorizon <= 0 {
		c.CorrelationHorizon = 30 * time.Minute
	}
	if c.ResolveGrace <= 0 {
		c.ResolveGrace = 2 * c.SuppressionWindow
	}
	if c.CloseQuiescence <= 0 {
		c.CloseQuiescence = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Severity == nil {
		c.Severity = incident.MapperFromCutoffs(incident.DefaultCutoffs())
	}
}

type laneMsg struct {
	ev   models.AnomalyEvent
	skey string
}

// membership tracks which suppression and correlation keys an incident is
// currently reachable through, so resolve can unhook it from the index.
type membership struct {
	skeys map[string]struct{}
	ckeys map[string]struct{}
}

// Engine is the pipeline facade. Construct with New, then Start.
type Engine struct {
	logger     *slog.Logger
	cfg        Config
	deriver    *keys.Deriver
	tracker    *suppress.Tracker
	index      *correlate.Index
	registry   *incident.Registry
	seq        *tracking.Sequencer
	dispatcher Dispatcher
	latencies  *utils.LatencyTracker

	lanes   []chan laneMsg
	laneWG  sync.WaitGroup
	stateMu sync.RWMutex
	stopped bool

	memMu   sync.Mutex
	mem     map[string]*membership
	pending map[string]time.Time // incident id -> suppression expiry awaiting grace

	sweepStop chan struct{}
	sweepDone chan struct{}

	now func() time.Time
}

// New builds an engine. dispatcher must be non-nil; logger may be nil.
func New(logger *slog.Logger, cfg Config, dispatcher Dispatcher) *Engine {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	cfg.withDefaults()

	e := &Engine{
		logger:     logger,
		cfg:        cfg,
		deriver:    keys.NewDeriver(cfg.Shapes),
		tracker:    suppress.NewTracker(cfg.SuppressionWindow, 0),
		index:      correlate.NewIndex(cfg.CorrelationHorizon, 0),
		registry:   incident.NewRegistry(),
		seq:        tracking.NewSequencer(),
		dispatcher: dispatcher,
		latencies:  utils.NewLatencyTracker(1024),
		mem:        make(map[string]*membership),
		pending:    make(map[string]time.Time),
		now:        time.Now,
	}
	e.lanes = make([]chan laneMsg, cfg.Workers)
	for i := range e.lanes {
		e.lanes[i] = make(chan laneMsg, cfg.LaneQueueSize)
	}
	return e
}

// Start launches the lane workers and the background sweeper.
func (e *Engine) Start() {
	for i := range e.lanes {
		lane := e.lanes[i]
		e.laneWG.Add(1)
		go func() {
			defer e.laneWG.Done()
			for msg := range lane {
				e.process(msg)
			}
		}()
	}

	e.sweepStop = make(chan struct{})
	e.sweepDone = make(chan struct{})
	go func() {
		defer close(e.sweepDone)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweepOnce(e.now())
			case <-e.sweepStop:
				return
			}
		}
	}()
}

// Submit validates an event and routes it to the lane owning its
// suppression key. Malformed events are rejected with a counted signal;
// a full lane refuses with ErrOverloaded instead of growing without bound.
func (e *Engine) Submit(ev models.AnomalyEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.ObserveEvent(metrics.OutcomeRejected)
		e.logger.Warn("rejected malformed event",
			slog.String("detector", ev.Detector), slog.Any("error", err))
		return err
	}
	ev.Domain = models.ParseDomain(string(ev.Domain))

	skey := e.deriver.Suppression(ev)

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	lane := e.lanes[laneFor(skey, len(e.lanes))]
	select {
	case lane <- laneMsg{ev: ev, skey: skey}:
		metrics.ObserveEvent(metrics.OutcomeAccepted)
		return nil
	default:
		metrics.ObserveEvent(metrics.OutcomeOverload)
		return ErrOverloaded
	}
}

// Stop drains in-flight lane work, stops the sweeper, and returns once all
// pending notifications have been handed to the dispatcher. No partial
// incident state is ever published mid-mutation.
func (e *Engine) Stop(ctx context.Context) error {
	e.stateMu.Lock()
	if e.stopped {
		e.stateMu.Unlock()
		return nil
	}
	e.stopped = true
	for _, lane := range e.lanes {
		close(lane)
	}
	e.stateMu.Unlock()

	if e.sweepStop != nil {
		close(e.sweepStop)
		<-e.sweepDone
	}

	drained := make(chan struct{})
	go func() {
		e.laneWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs the suppression/correlation decision for one event. Events
// sharing a suppression key arrive here strictly in submission order.
func (e *Engine) process(msg laneMsg) {
	started := e.now()
	ev, skey := msg.ev, msg.skey

	trackingID, synthetic := tracking.Ensure(ev, skey, e.seq.Next(skey))
	sev := e.cfg.Severity(ev.Score, ev.Threshold)

	if incID, ok := e.tracker.Observe(skey, started); ok {
		if e.applyExisting(incID, skey, ev, trackingID, synthetic, sev, started) {
			metrics.ObserveSuppressionHit()
			e.observeLatency(started)
			return
		}
		// The bound incident resolved under us (benign sweep race):
		// fall through and treat this as first sight for the key.
		e.tracker.Release(skey)
		e.tracker.Observe(skey, started)
	}

	ckeys := e.deriver.Correlation(ev)
	if candID, ok := e.index.FindCandidate(ckeys, started); ok {
		if e.mergeInto(candID, skey, ckeys, ev, trackingID, synthetic, sev, started) {
			metrics.ObserveCorrelationMerge()
			e.observeLatency(started)
			return
		}
	}

	e.create(skey, ckeys, ev, trackingID, synthetic, sev, started)
	e.observeLatency(started)
}

// applyExisting folds a suppression-window repeat into its bound incident.
// Returns false when the incident already left the OPEN/ACKNOWLEDGED states.
func (e *Engine) applyExisting(incID, skey string, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) bool {
	h, ok := e.registry.Get(incID)
	if !ok {
		return false
	}
	inc := h.Lock()
	entry, err := incident.Apply(inc, ev, trackingID, synthetic, sev, now)
	if err != nil {
		h.Unlock()
		return false
	}
	snapshot := inc.Clone()
	h.Unlock()

	e.cancelPending(incID)
	e.touchMembership(incID, now)
	e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "event", Entry: &entry})
	return true
}

// mergeInto routes a first-sight suppression key into an open incident that
// shares a correlation key. The key binds to that incident from here on,
// and the incident's correlation membership gains the event's keys.
func (e *Engine) mergeInto(incID, skey string, ckeys []string, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) bool {
	h, ok := e.registry.Get(incID)
	if !ok {
		return false
	}
	inc := h.Lock()
	entry, err := incident.Apply(inc, ev, trackingID, synthetic, sev, now)
	if err != nil {
		h.Unlock()
		return false
	}
	snapshot := inc.Clone()
	h.Unlock()

	if prev := e.tracker.Bind(skey, incID, now); prev != "" && prev != incID {
		e.reconcile(incID, prev, now)
	}
	e.index.Add(incID, ckeys, now)
	e.addMembership(incID, skey, ckeys)
	e.cancelPending(incID)

	e.emit(models.ChangeUpdated, snapshot, models.Delta{Reason: "correlated", Entry: &entry})
	return true
}

// create opens a brand-new incident. Lanes serialize same-key events, so
// the tracker reservation taken in Observe cannot be raced for this key;
// Bind still reports a previous binding defensively and any duplicate is
// reconciled rather than left to drift.
func (e *Engine) create(skey string, ckeys []string, ev models.AnomalyEvent, trackingID string, synthetic bool, sev models.Severity, now time.Time) {
	id := ulid.Make().String()
	inc := incident.New(id, ev, trackingID, synthetic, sev, now)
	e.registry.Put(inc)

	if prev := e.tracker.Bind(skey, id, now); prev != "" && prev != id {
		// Another binding surfaced for this key: the first incident wins,
		// the fresh one is folded into it.
		e.tracker.Rebind(skey, prev)
		e.index.Add(prev, ckeys, now)
		e.addMembership(prev, skey, ckeys)
		e.reconcile(prev, id, now)
		return
	}
	e.index.Add(id, ckeys, now)
	e.addMembership(id, skey, ckeys)

	metrics.ObserveIncident("opened")
	metrics.SetOpenIncidents(e.registry.OpenCount())

	snapshot := inc.Clone()
	entry := snapshot.Timeline[0]
	e.emit(models.ChangeCreated, snapshot, models.Delta{Reason: "opened", Entry: &entry})
}

// reconcile folds dup into survivor after a duplicate-creation race was
// observed. The atomic check-and-create makes this structurally
// unreachable; the metric keeps it visible if that ever stops holding.
func (e *Engine) reconcile(survivorID, dupID string, now time.Time) {
	sh, ok1 := e.registry.Get(survivorID)
	dh, ok2 := e.registry.Get(dupID)
	if !ok1 || !ok2 {
		return
	}

	surv := sh.Lock()
	dup := dh.Lock()
	err := incident.Reconcile(surv, dup, now)
	survSnap := surv.Clone()
	dh.Unlock()
	sh.Unlock()
	if err != nil {
		e.logger.Error("duplicate reconcile failed",
			slog.String("survivor", survivorID), slog.String("duplicate", dupID), slog.Any("error", err))
		return
	}

	// Transfer the duplicate's key reachability to the survivor so later
	// events route to the incident that absorbed the evidence.
	e.memMu.Lock()
	dm := e.mem[dupID]
	delete(e.mem, dupID)
	delete(e.pending, dupID)
	sm := e.mem[survivorID]
	if sm == nil {
		sm = &membership{skeys: make(map[string]struct{}), ckeys: make(map[string]struct{})}
		e.mem[survivorID] = sm
	}
	var skeys, ckeys []string
	if dm != nil {
		for k := range dm.skeys {
			sm.skeys[k] = struct{}{}
			skeys = append(skeys, k)
		}
		for k := range dm.ckeys {
			sm.ckeys[k] = struct{}{}
			ckeys = append(ckeys, k)
		}
	}
	e.memMu.Unlock()

	for _, k := range skeys {
		e.tracker.Rebind(k, survivorID)
	}
	e.index.Remove(dupID, ckeys)
	e.index.Add(survivorID, ckeys, now)
	e.registry.Delete(dupID)

	metrics.ObserveIncident("reconciled")
	e.emit(models.ChangeUpdated, survSnap, models.Delta{Reason: "reconciled"})
}

func (e *Engine) emit(kind models.ChangeKind, snapshot models.Incident, delta models.Delta) {
	n := models.Notification{
		Kind:      kind,
		Seq:       snapshot.ChangeSeq,
		EmittedAt: e.now(),
		Delta:     delta,
		Incident:  snapshot,
	}
	if err := e.dispatcher.Enqueue(n); err != nil {
		e.logger.Error("notification handoff failed",
			slog.String("incident_id", snapshot.ID), slog.Any("error", err))
	}
}

func (e *Engine) observeLatency(started time.Time) {
	elapsed := e.now().Sub(started)
	metrics.ObserveProcessing(elapsed)
	e.latencies.Observe(elapsed)
	if count := e.latencies.Count(); count >= 500 && count%500 == 0 {
		e.logger.Debug("event processing latency",
			slog.Duration("p95", e.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func (e *Engine) addMembership(incID, skey string, ckeys []string) {
	e.memMu.Lock()
	defer e.memMu.Unlock()
	m := e.mem[incID]
	if m == nil {
		m = &membership{skeys: make(map[string]struct{}), ckeys: make(map[string]struct{})}
		e.mem[incID] = m
	}
	m.skeys[skey] = struct{}{}
	for _, k := range ckeys {
		m.ckeys[k] = struct{}{}
	}
}

func (e *Engine) touchMembership(incID string, now time.Time) {
	e.memMu.Lock()
	m := e.mem[incID]
	var ckeys []string
	if m != nil {
		ckeys = make([]string, 0, len(m.ckeys))
		for k := range m.ckeys {
			ckeys = append(ckeys, k)
		}
	}
	e.memMu.Unlock()
	if len(ckeys) > 0 {
		e.index.Touch(incID, ckeys, now)
	}
}

func (e *Engine) dropMembership(incID string) {
	e.memMu.Lock()
	m := e.mem[incID]
	delete(e.mem, incID)
	delete(e.pending, incID)
	e.memMu.Unlock()
	if m == nil {
		return
	}
	ckeys := make([]string, 0, len(m.ckeys))
	for k := range m.ckeys {
		ckeys = append(ckeys, k)
	}
	e.index.Remove(incID, ckeys)
	for k := range m.skeys {
		e.tracker.Release(k)
	}
}

func (e *Engine) cancelPending(incID string) {
	e.memMu.Lock()
	delete(e.pending, incID)
	e.memMu.Unlock()
}

func laneFor(skey string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(skey))
	return int(h.Sum32() % uint32(lanes))
}
