package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/timeutil"
)

var (
	errDown        = errors.New("connection refused")
	errUnencodable = fmt.Errorf("%w: json: unsupported value: NaN", ErrUnsendable)
)

type fakePrimary struct {
	mu        sync.Mutex
	fail      bool
	failIDs   map[string]bool
	rejectIDs map[string]bool
	delivered []string
	states    []VehicleState
	calls     int
}

func (p *fakePrimary) Deliver(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.rejectIDs[ev.ID] {
		return errUnencodable
	}
	if p.fail || p.failIDs[ev.ID] {
		return errDown
	}
	p.delivered = append(p.delivered, ev.ID)
	return nil
}

func (p *fakePrimary) PutState(_ context.Context, st VehicleState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errDown
	}
	p.states = append(p.states, st)
	return nil
}

func (p *fakePrimary) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

// blockingPrimary holds every delivery until release is closed.
type blockingPrimary struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPrimary) Deliver(context.Context, Event) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func (b *blockingPrimary) PutState(context.Context, VehicleState) error { return nil }

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Probe(context.Context) error {
	p.calls++
	return p.err
}

type fakeSecondary struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Event
}

func (s *fakeSecondary) Name() string { return s.name }

func (s *fakeSecondary) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func (s *fakeSecondary) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Kind
	for _, ev := range s.got {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeJournal struct {
	outcomes []Outcome
}

func (j *fakeJournal) RecordEvent(_ Event, o Outcome) error {
	j.outcomes = append(j.outcomes, o)
	return nil
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDispatcher(p *fakePrimary, pr *fakeProber) (*Dispatcher, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(t0)
	opts := Options{Clock: clock}
	if p != nil {
		opts.Primary = p
	}
	if pr != nil {
		opts.Prober = pr
	}
	return New(opts), clock
}

func event(kind Kind, id string) Event {
	ev := NewEvent(kind, t0)
	ev.ID = id
	return ev
}

func pendingIDs(d *Dispatcher) []string {
	var ids []string
	for _, pe := range d.Pending() {
		ids = append(ids, pe.Event.ID)
	}
	return ids
}

func TestDispatcher_StartsOnlineAndDeliversImmediately(t *testing.T) {
	p := &fakePrimary{}
	d, _ := newTestDispatcher(p, nil)

	assert.True(t, d.Online())
	d.Trigger(context.Background(), event(KindAccident, "a1"))

	assert.Equal(t, []string{"a1"}, p.delivered)
	assert.Empty(t, d.Pending())
	assert.Equal(t, 1, d.Snapshot().Delivered)
}

func TestDispatcher_OfflineTriggerEnqueuesThenFlushesOnReconnect(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	d, _ := newTestDispatcher(p, pr)
	ctx := context.Background()

	d.Tick(ctx, t0)
	require.False(t, d.Online())

	d.Trigger(ctx, event(KindTraffic, "t1"))
	assert.Equal(t, []string{"t1"}, pendingIDs(d), "exactly one pending event")
	assert.Zero(t, p.calls, "no delivery attempted while offline")

	pr.err = nil
	d.Tick(ctx, t0.Add(11*time.Second))

	assert.True(t, d.Online())
	assert.Empty(t, d.Pending())
	assert.Equal(t, []string{"t1"}, p.delivered)
	assert.Equal(t, 1, d.Snapshot().Flushed)
}

func TestDispatcher_FailedFlushKeepsEventAndGoesOffline(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	d, _ := newTestDispatcher(p, pr)
	ctx := context.Background()

	d.Tick(ctx, t0)
	d.Trigger(ctx, event(KindAccident, "a1"))

	// Probe succeeds but the delivery itself fails.
	pr.err = nil
	p.setFail(true)
	d.Tick(ctx, t0.Add(11*time.Second))

	assert.False(t, d.Online())
	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a1", pending[0].Event.ID)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestDispatcher_DeliveryFailureGoesOfflineAndBuffers(t *testing.T) {
	p := &fakePrimary{fail: true}
	d, _ := newTestDispatcher(p, nil)
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "a1"))
	assert.False(t, d.Online())
	assert.Equal(t, []string{"a1"}, pendingIDs(d))

	d.Trigger(ctx, event(KindAccident, "a2"))
	assert.Equal(t, 1, p.calls, "offline triggers do not call the primary store")
	assert.Equal(t, []string{"a1", "a2"}, pendingIDs(d))
}

func TestDispatcher_FlushStopsAtFirstFailurePreservingOrder(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	d, _ := newTestDispatcher(p, pr)
	ctx := context.Background()

	d.Tick(ctx, t0)
	for _, id := range []string{"e1", "e2", "e3"} {
		d.Trigger(ctx, event(KindTraffic, id))
	}

	pr.err = nil
	p.failIDs = map[string]bool{"e2": true}
	d.Tick(ctx, t0.Add(11*time.Second))

	assert.Equal(t, []string{"e1"}, p.delivered)
	assert.Equal(t, []string{"e2", "e3"}, pendingIDs(d))
	assert.False(t, d.Online())

	p.failIDs = nil
	d.Tick(ctx, t0.Add(22*time.Second))
	assert.Equal(t, []string{"e1", "e2", "e3"}, p.delivered)
	assert.Empty(t, d.Pending())
}

func TestDispatcher_TickRespectsInterval(t *testing.T) {
	pr := &fakeProber{}
	d, _ := newTestDispatcher(&fakePrimary{}, pr)
	ctx := context.Background()

	d.Tick(ctx, t0)
	assert.Equal(t, 1, pr.calls, "first tick always checks")

	d.Tick(ctx, t0.Add(5*time.Second))
	d.Tick(ctx, t0.Add(10*time.Second))
	assert.Equal(t, 1, pr.calls, "recheck needs strictly more than the interval")

	d.Tick(ctx, t0.Add(10*time.Second+time.Millisecond))
	assert.Equal(t, 2, pr.calls)
	assert.Equal(t, t0.Add(10*time.Second+time.Millisecond), d.Snapshot().LastChecked)
}

func TestDispatcher_OnlineRecheckFlushesBacklog(t *testing.T) {
	p := &fakePrimary{fail: true}
	d, _ := newTestDispatcher(p, nil)
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "a1"))
	require.False(t, d.Online())

	p.setFail(false)
	d.Tick(ctx, t0)
	assert.True(t, d.Online())
	assert.Empty(t, d.Pending())
	assert.Equal(t, []string{"a1"}, p.delivered)
}

func TestDispatcher_OnlineTriggerWithBacklogKeepsFIFO(t *testing.T) {
	p := &fakePrimary{fail: true}
	d, _ := newTestDispatcher(p, nil)
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "old"))
	p.setFail(false)
	// Force the state back online without a flush.
	d.mu.Lock()
	d.online = true
	d.mu.Unlock()

	d.Trigger(ctx, event(KindAccident, "new"))
	assert.Equal(t, []string{"old", "new"}, p.delivered)
	assert.Empty(t, d.Pending())
}

func TestDispatcher_SecondaryRouting(t *testing.T) {
	p := &fakePrimary{fail: true}
	d, _ := newTestDispatcher(p, nil)
	relay := &fakeSecondary{name: "relay"}
	alert := &fakeSecondary{name: "alert", err: errDown}
	d.AddSecondary(relay, KindAccident, KindTraffic)
	d.AddSecondary(alert)
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "a1"))
	d.Trigger(ctx, event(KindRelay, "r1"))
	d.Wait()

	assert.Equal(t, []Kind{KindAccident}, relay.kinds(), "relay events are not re-broadcast to peers")
	assert.ElementsMatch(t, []Kind{KindAccident, KindRelay}, alert.kinds(), "secondaries run even while offline")
	assert.Equal(t, []string{"a1", "r1"}, pendingIDs(d), "secondary failures do not affect the primary path")
}

func TestDispatcher_SecondaryOutlivesCancelledContext(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil)
	s := &fakeSecondary{name: "alert"}
	d.AddSecondary(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Trigger(ctx, event(KindAccident, "a1"))
	d.Wait()
	assert.Len(t, s.kinds(), 1)
}

func TestDispatcher_PublishState(t *testing.T) {
	p := &fakePrimary{}
	d, _ := newTestDispatcher(p, nil)
	ctx := context.Background()

	require.NoError(t, d.PublishState(ctx, VehicleState{CarID: "KA01AB1234"}))
	require.Len(t, p.states, 1)

	p.setFail(true)
	err := d.PublishState(ctx, VehicleState{CarID: "KA01AB1234"})
	require.ErrorIs(t, err, errDown)
	assert.False(t, d.Online())

	calls := p.calls
	require.NoError(t, d.PublishState(ctx, VehicleState{CarID: "KA01AB1234"}))
	assert.Equal(t, calls, p.calls, "state is not sent while offline")
	assert.Empty(t, d.Pending(), "state updates are never buffered")
}

func TestDispatcher_NoPrimaryIsSkipped(t *testing.T) {
	j := &fakeJournal{}
	d := New(Options{Journal: j})
	d.Trigger(context.Background(), event(KindTraffic, "t1"))
	assert.Equal(t, []Outcome{OutcomeSkipped}, j.outcomes)
	assert.NoError(t, d.PublishState(context.Background(), VehicleState{}))
}

func TestDispatcher_JournalAndMetrics(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{}
	j := &fakeJournal{}
	m := metrics.New()
	clock := timeutil.NewMockClock(t0)
	d := New(Options{Primary: p, Prober: pr, Journal: j, Metrics: m, Clock: clock})
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "a1"))
	p.setFail(true)
	d.Trigger(ctx, event(KindAccident, "a2"))
	assert.Equal(t, int64(1), m.QueueLength.Load())
	assert.Equal(t, uint64(0), m.Online.Load())

	p.setFail(false)
	d.Tick(ctx, t0)

	assert.Equal(t, []Outcome{OutcomeDelivered, OutcomeBuffered, OutcomeFlushed}, j.outcomes)
	assert.Equal(t, uint64(2), m.PrimaryDelivered.Load())
	assert.Equal(t, uint64(1), m.PrimaryFailures.Load())
	assert.Equal(t, uint64(1), m.EventsBuffered.Load())
	assert.Equal(t, uint64(1), m.EventsFlushed.Load())
	assert.Equal(t, int64(0), m.QueueLength.Load())
	assert.Equal(t, uint64(1), m.Online.Load())
}

func TestDispatcher_EnqueuedAtUsesClock(t *testing.T) {
	p := &fakePrimary{fail: true}
	d, clock := newTestDispatcher(p, nil)
	clock.Advance(3 * time.Second)

	d.Trigger(context.Background(), event(KindAccident, "a1"))
	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, t0.Add(3*time.Second), pending[0].EnqueuedAt)
	assert.Equal(t, t0, pending[0].Event.CreatedAt)
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	a := NewEvent(KindAccident, t0)
	b := NewEvent(KindAccident, t0)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, t0.UnixMilli(), a.TimestampMillis())
}

func TestConfigNormalized(t *testing.T) {
	c := Config{CheckInterval: time.Second}.normalized()
	assert.Equal(t, time.Second, c.CheckInterval)
	assert.Equal(t, 3*time.Second, c.SinkTimeout)
	assert.Equal(t, 2*time.Second, c.ProbeTimeout)
}

func TestDispatcher_UnsendableEventDoesNotBlockQueue(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	j := &fakeJournal{}
	m := metrics.New()
	d := New(Options{Primary: p, Prober: pr, Journal: j, Metrics: m, Clock: timeutil.NewMockClock(t0)})
	ctx := context.Background()

	d.Tick(ctx, t0)
	d.Trigger(ctx, event(KindAccident, "bad"))
	d.Trigger(ctx, event(KindTraffic, "good"))

	pr.err = nil
	p.rejectIDs = map[string]bool{"bad": true}
	d.Tick(ctx, t0.Add(11*time.Second))

	assert.True(t, d.Online(), "an event the store can never accept is not an outage")
	assert.Empty(t, d.Pending())
	assert.Equal(t, []string{"good"}, p.delivered)
	assert.Equal(t, []Outcome{OutcomeBuffered, OutcomeBuffered, OutcomeRejected, OutcomeFlushed}, j.outcomes)
	assert.Equal(t, uint64(1), m.EventsRejected.Load())
	assert.Equal(t, 1, d.Snapshot().Flushed)
}

func TestDispatcher_UnsendableTriggerStaysOnline(t *testing.T) {
	p := &fakePrimary{rejectIDs: map[string]bool{"bad": true}}
	j := &fakeJournal{}
	d := New(Options{Primary: p, Journal: j, Clock: timeutil.NewMockClock(t0)})
	ctx := context.Background()

	d.Trigger(ctx, event(KindAccident, "bad"))
	assert.True(t, d.Online())
	assert.Empty(t, d.Pending())

	d.Trigger(ctx, event(KindAccident, "next"))
	assert.Equal(t, []string{"next"}, p.delivered)
	assert.Equal(t, []Outcome{OutcomeRejected, OutcomeDelivered}, j.outcomes)
}

func TestDispatcher_FailedFlushIsJournalled(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	j := &fakeJournal{}
	d := New(Options{Primary: p, Prober: pr, Journal: j, Clock: timeutil.NewMockClock(t0)})
	ctx := context.Background()

	d.Tick(ctx, t0)
	d.Trigger(ctx, event(KindAccident, "a1"))

	pr.err = nil
	p.setFail(true)
	d.Tick(ctx, t0.Add(11*time.Second))
	p.setFail(false)
	d.Tick(ctx, t0.Add(22*time.Second))

	// One row per attempt: buffered, failed retry, delivered retry.
	assert.Equal(t, []Outcome{OutcomeBuffered, OutcomeBuffered, OutcomeFlushed}, j.outcomes)
	assert.Empty(t, d.Pending())
}

func TestDispatcher_SnapshotNotBlockedByDelivery(t *testing.T) {
	bp := &blockingPrimary{entered: make(chan struct{}, 1), release: make(chan struct{})}
	pr := &fakeProber{err: errDown}
	d := New(Options{Primary: bp, Prober: pr, Clock: timeutil.NewMockClock(t0)})
	ctx := context.Background()

	d.Tick(ctx, t0)
	d.Trigger(ctx, event(KindAccident, "a1"))
	pr.err = nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Tick(ctx, t0.Add(11*time.Second))
	}()

	select {
	case <-bp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never reached the primary store")
	}

	snap := make(chan Snapshot, 1)
	go func() { snap <- d.Snapshot() }()
	select {
	case s := <-snap:
		assert.Equal(t, 1, s.QueueLength, "the head stays queued until delivered")
		assert.True(t, s.Online)
	case <-time.After(time.Second):
		t.Fatal("Snapshot waited on an in-flight delivery")
	}

	close(bp.release)
	<-done
	assert.Empty(t, d.Pending())
}

func TestDispatcher_FlushIsBatched(t *testing.T) {
	p := &fakePrimary{}
	pr := &fakeProber{err: errDown}
	d, _ := newTestDispatcher(p, pr)
	ctx := context.Background()

	d.Tick(ctx, t0)
	var want []string
	for i := range maxFlushBatch + 8 {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, id)
		d.Trigger(ctx, event(KindTraffic, id))
	}

	pr.err = nil
	d.Tick(ctx, t0.Add(11*time.Second))
	assert.Len(t, p.delivered, maxFlushBatch)
	assert.Len(t, d.Pending(), 8)
	assert.True(t, d.Online())

	d.Flush(ctx)
	assert.Equal(t, want, p.delivered, "batches keep FIFO order")
	assert.Empty(t, d.Pending())
}

func TestDispatcher_NoSecondarySendsAfterWait(t *testing.T) {
	p := &fakePrimary{}
	d, _ := newTestDispatcher(p, nil)
	s := &fakeSecondary{name: "alert"}
	d.AddSecondary(s)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 50 {
			d.Trigger(ctx, event(KindTraffic, fmt.Sprintf("t%d", i)))
		}
	}()
	d.Wait()
	wg.Wait()

	sent := len(s.kinds())
	d.Trigger(ctx, event(KindAccident, "late"))
	d.Wait()
	assert.Equal(t, sent, len(s.kinds()), "no secondary send starts after Wait")
	assert.Len(t, p.delivered, 51, "the primary path is unaffected")
}
