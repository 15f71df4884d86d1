// Package dispatch routes road events to the primary store and the
// secondary channels, buffering primary deliveries in memory while the
// store is unreachable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/timeutil"
)

// ErrSinkStatus is wrapped by sinks when the remote answered with a
// non-success status.
var ErrSinkStatus = errors.New("sink returned non-success status")

// ErrUnsendable is wrapped by sinks when an event can never be accepted,
// for example because it cannot be encoded. Such events are dropped
// instead of buffered.
var ErrUnsendable = errors.New("event cannot be sent")

// maxFlushBatch bounds how many buffered events one flush replays, so a
// long backlog does not hold up the frame loop.
const maxFlushBatch = 32

// Primary is the durable object store. Deliver appends an event; PutState
// overwrites the keyed current-state record.
type Primary interface {
	Deliver(ctx context.Context, ev Event) error
	PutState(ctx context.Context, st VehicleState) error
}

// Secondary is a best-effort channel. Failures are logged and dropped.
type Secondary interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Prober checks whether the primary store is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Journal records the primary-store outcome of each event.
type Journal interface {
	RecordEvent(ev Event, outcome Outcome) error
}

// Config holds dispatcher timing.
type Config struct {
	CheckInterval time.Duration
	SinkTimeout   time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig returns a 10s recheck interval with 3s sink and 2s probe timeouts.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		SinkTimeout:   3 * time.Second,
		ProbeTimeout:  2 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Options configures a Dispatcher. Everything except Config may be nil.
type Options struct {
	Config  Config
	Primary Primary
	Prober  Prober
	Journal Journal
	Metrics *metrics.Metrics
	Clock   timeutil.Clock
}

type route struct {
	sink  Secondary
	kinds []Kind // empty means every kind
}

func (r route) accepts(k Kind) bool {
	return len(r.kinds) == 0 || slices.Contains(r.kinds, k)
}

// Snapshot is a point-in-time view of the connectivity state.
type Snapshot struct {
	Online      bool      `json:"online"`
	QueueLength int       `json:"queueLength"`
	LastChecked time.Time `json:"lastChecked"`
	Delivered   int       `json:"delivered"`
	Flushed     int       `json:"flushed"`
}

// Dispatcher owns the connectivity state and the offline buffer.
//
// Trigger, Tick and PublishState are called from the control loop;
// Snapshot and Pending are safe to read from HTTP handlers meanwhile.
type Dispatcher struct {
	cfg     Config
	primary Primary
	prober  Prober
	journal Journal
	metrics *metrics.Metrics
	clock   timeutil.Clock

	// sendMu serializes primary-store work. mu guards the fields below
	// and is never held across a network call.
	sendMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	online      bool
	checked     bool
	lastChecked time.Time
	queue       []PendingEvent
	routes      []route
	delivered   int
	flushed     int

	inflight sync.WaitGroup
}

// New creates a Dispatcher in the Online state.
func New(opts Options) *Dispatcher {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Dispatcher{
		cfg:     opts.Config.normalized(),
		primary: opts.Primary,
		prober:  opts.Prober,
		journal: opts.Journal,
		metrics: opts.Metrics,
		clock:   clock,
		online:  true,
	}
}

// AddSecondary registers a best-effort sink for the given kinds, or for
// every kind when none are given.
func (d *Dispatcher) AddSecondary(s Secondary, kinds ...Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{sink: s, kinds: kinds})
}

// Trigger sends ev to every matching secondary sink in the background and
// to the primary store, buffering it when the store is unreachable.
func (d *Dispatcher) Trigger(ctx context.Context, ev Event) {
	if d.metrics != nil {
		d.metrics.EventTriggered(string(ev.Kind))
	}
	d.fanOut(ctx, ev)

	if d.primary == nil {
		d.record(ev, OutcomeSkipped)
		return
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.mu.Lock()
	if !d.online || len(d.queue) > 0 {
		// Keep FIFO: the new event waits behind the backlog.
		d.enqueueLocked(ev)
		online := d.online
		d.mu.Unlock()
		d.record(ev, OutcomeBuffered)
		if online {
			d.flush(ctx)
		}
		return
	}
	d.mu.Unlock()

	err := d.deliver(ctx, ev)
	switch {
	case err == nil:
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
		d.record(ev, OutcomeDelivered)
	case errors.Is(err, ErrUnsendable):
		d.reject(ev, err)
	default:
		monitoring.Logf("dispatch: %s %s failed, buffering: %v", ev.Kind, ev.ID, err)
		d.mu.Lock()
		d.setOnlineLocked(false)
		d.enqueueLocked(ev)
		d.mu.Unlock()
		d.record(ev, OutcomeBuffered)
	}
}

// Tick rechecks reachability once the check interval has elapsed and
// flushes the buffer when the store is reachable.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.mu.Lock()
	if d.checked && now.Sub(d.lastChecked) <= d.cfg.CheckInterval {
		d.mu.Unlock()
		return
	}
	d.checked = true
	d.lastChecked = now
	d.mu.Unlock()

	reachable := d.probe(ctx)

	d.mu.Lock()
	wasOnline := d.online
	d.setOnlineLocked(reachable)
	backlog := len(d.queue)
	d.mu.Unlock()

	if !reachable {
		if wasOnline {
			monitoring.Logf("dispatch: primary store unreachable, buffering events")
		}
		return
	}
	if !wasOnline {
		monitoring.Logf("dispatch: primary store reachable, flushing %d buffered events", backlog)
	}
	if backlog > 0 {
		d.flush(ctx)
	}
}

// Flush replays the buffer now if the dispatcher is online.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	d.flush(ctx)
}

// PublishState overwrites the vehicle's current state on the primary
// store. It is skipped while offline and never buffered.
func (d *Dispatcher) PublishState(ctx context.Context, st VehicleState) error {
	if d.primary == nil {
		return nil
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if !d.Online() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, d.cfg.SinkTimeout)
	defer cancel()
	if err := d.primary.PutState(cctx, st); err != nil {
		d.countFailure()
		if !errors.Is(err, ErrUnsendable) {
			d.mu.Lock()
			d.setOnlineLocked(false)
			d.mu.Unlock()
		}
		return fmt.Errorf("publish state: %w", err)
	}
	if d.metrics != nil {
		d.metrics.StateUpdates.Add(1)
	}
	return nil
}

// Online reports the current connectivity state.
func (d *Dispatcher) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// Pending returns a copy of the buffer, oldest first.
func (d *Dispatcher) Pending() []PendingEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.queue)
}

// Snapshot returns the current connectivity view.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Online:      d.online,
		QueueLength: len(d.queue),
		LastChecked: d.lastChecked,
		Delivered:   d.delivered,
		Flushed:     d.flushed,
	}
}

// Wait stops further secondary sends and blocks until in-flight ones
// complete or time out. Events triggered afterwards still reach the
// primary store.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		monitoring.Debugf("dispatch: shutting down, %s %s not sent to secondaries", ev.Kind, ev.ID)
		return
	}
	var sinks []Secondary
	for _, r := range d.routes {
		if r.accepts(ev.Kind) {
			sinks = append(sinks, r.sink)
		}
	}
	// Add under mu so no Add can race with Wait.
	d.inflight.Add(len(sinks))
	d.mu.Unlock()

	// Secondary sends outlive loop cancellation; each is bounded by SinkTimeout.
	base := context.WithoutCancel(ctx)
	for _, s := range sinks {
		go func(s Secondary) {
			defer d.inflight.Done()
			sctx, cancel := context.WithTimeout(base, d.cfg.SinkTimeout)
			defer cancel()
			if err := s.Send(sctx, ev); err != nil {
				monitoring.Logf("dispatch: %s send %s failed: %v", s.Name(), ev.Kind, err)
				if d.metrics != nil {
					d.metrics.SecondaryFailures.Add(1)
				}
			}
		}(s)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.SinkTimeout)
	defer cancel()
	if err := d.primary.Deliver(cctx, ev); err != nil {
		d.countFailure()
		return err
	}
	if d.metrics != nil {
		d.metrics.PrimaryDelivered.Add(1)
	}
	return nil
}

// flush replays up to maxFlushBatch buffered events in order. The head
// stays queued while it is being delivered; the first event that fails
// keeps its place and the dispatcher goes offline. Callers hold sendMu.
func (d *Dispatcher) flush(ctx context.Context) {
	for range maxFlushBatch {
		d.mu.Lock()
		if !d.online || len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		d.queue[0].Attempts++
		pe := d.queue[0]
		d.mu.Unlock()

		err := d.deliver(ctx, pe.Event)
		if err != nil && !errors.Is(err, ErrUnsendable) {
			monitoring.Logf("dispatch: flush of %s %s failed: %v", pe.Event.Kind, pe.Event.ID, err)
			d.mu.Lock()
			d.setOnlineLocked(false)
			d.mu.Unlock()
			d.record(pe.Event, OutcomeBuffered)
			return
		}

		d.mu.Lock()
		d.queue = d.queue[1:]
		d.updateQueueGauge()
		if err == nil {
			d.flushed++
		}
		d.mu.Unlock()

		if err != nil {
			d.reject(pe.Event, err)
			continue
		}
		if d.metrics != nil {
			d.metrics.EventsFlushed.Add(1)
		}
		d.record(pe.Event, OutcomeFlushed)
	}
}

// reject drops an event the store can never accept, so it cannot hold up
// the events behind it.
func (d *Dispatcher) reject(ev Event, err error) {
	monitoring.Logf("dispatch: dropping %s %s: %v", ev.Kind, ev.ID, err)
	if d.metrics != nil {
		d.metrics.EventsRejected.Add(1)
	}
	d.record(ev, OutcomeRejected)
}

func (d *Dispatcher) enqueueLocked(ev Event) {
	d.queue = append(d.queue, PendingEvent{Event: ev, EnqueuedAt: d.clock.Now()})
	if d.metrics != nil {
		d.metrics.EventsBuffered.Add(1)
	}
	d.updateQueueGauge()
}

// probe treats a missing prober as reachable.
func (d *Dispatcher) probe(ctx context.Context) bool {
	if d.prober == nil {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()
	if err := d.prober.Probe(pctx); err != nil {
		monitoring.Debugf("dispatch: probe failed: %v", err)
		return false
	}
	return true
}

func (d *Dispatcher) setOnlineLocked(online bool) {
	d.online = online
	if d.metrics != nil {
		d.metrics.Online.Store(metrics.BoolToUint(online))
	}
}

func (d *Dispatcher) countFailure() {
	if d.metrics != nil {
		d.metrics.PrimaryFailures.Add(1)
	}
}

func (d *Dispatcher) updateQueueGauge() {
	if d.metrics != nil {
		d.metrics.QueueLength.Store(int64(len(d.queue)))
	}
}

func (d *Dispatcher) record(ev Event, outcome Outcome) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordEvent(ev, outcome); err != nil {
		monitoring.Logf("dispatch: journal %s %s: %v", ev.ID, outcome, err)
	}
}
