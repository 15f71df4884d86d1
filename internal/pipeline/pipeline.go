// Package pipeline runs the per-frame control loop: connectivity recheck,
// telemetry drain, smoother and counter updates, trigger evaluation and
// dispatch, in that order on every tick.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/roadwatch/internal/accident"
	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/geocode"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/session"
	"github.com/banshee-data/roadwatch/internal/telemetry"
	"github.com/banshee-data/roadwatch/internal/timeutil"
	"github.com/banshee-data/roadwatch/internal/traffic"
	"github.com/banshee-data/roadwatch/internal/vision"
)

// Config controls which analyses run and the loop cadences.
type Config struct {
	AccidentEnabled bool
	TrafficEnabled  bool
	Bands           traffic.Bands
	Severity        string
	// StateInterval is the minimum gap between vehicle state uploads.
	StateInterval time.Duration
	// SampleInterval is the gap between occupancy history samples.
	SampleInterval time.Duration
	HistorySize    int
	GeocodeTimeout time.Duration
}

// DefaultConfig enables both analyses with the stock cadences.
func DefaultConfig() Config {
	return Config{
		AccidentEnabled: true,
		TrafficEnabled:  true,
		Bands:           traffic.DefaultBands(),
		Severity:        "HIGH",
		StateInterval:   time.Second,
		SampleInterval:  time.Second,
		HistorySize:     600,
		GeocodeTimeout:  4 * time.Second,
	}
}

// Deps are the collaborators of one pipeline. Ingest, Geocoder and
// Metrics may be nil.
type Deps struct {
	Session    *session.Session
	Source     vision.FrameSource
	Ingest     *telemetry.Ingest
	Dispatcher *dispatch.Dispatcher
	Geocoder   geocode.Geocoder
	Smoother   *accident.Smoother
	Counter    *traffic.Counter
	Metrics    *metrics.Metrics
	Clock      timeutil.Clock
}

// Status is the loop state after the most recent tick.
type Status struct {
	Frame       int            `json:"frame"`
	At          time.Time      `json:"at"`
	Accident    accident.State `json:"accident"`
	Occupancy   int            `json:"occupancy"`
	Crossings   int            `json:"crossings"`
	Level       traffic.Level  `json:"level"`
	Online      bool           `json:"online"`
	QueueLength int            `json:"queueLength"`
	HasFix      bool           `json:"hasFix"`
	Lat         float64        `json:"lat"`
	Lng         float64        `json:"lng"`
	Temp        float64        `json:"temp"`
	Hum         float64        `json:"hum"`
	Location    string         `json:"location"`
	CarID       string         `json:"carId"`
}

// Sample is one point of occupancy history.
type Sample struct {
	At        time.Time `json:"at"`
	Frame     int       `json:"frame"`
	Occupancy int       `json:"occupancy"`
	Crossings int       `json:"crossings"`
	Level     string    `json:"level"`
}

// Pipeline owns the smoother, counter and triggers for one capture
// session. Step and Run must be called from a single goroutine; Status
// and History are safe from any goroutine.
type Pipeline struct {
	cfg Config
	d   Deps

	accTrigger     accident.Trigger
	trafficTrigger traffic.Trigger
	lastState      time.Time
	lastSample     time.Time
	lastCrossings  int

	status atomic.Pointer[Status]

	histMu  sync.Mutex
	history []Sample
	histPos int
	histLen int
}

// New validates deps and returns a pipeline.
func New(cfg Config, d Deps) (*Pipeline, error) {
	if d.Session == nil {
		return nil, errors.New("pipeline: session is required")
	}
	if d.Dispatcher == nil {
		return nil, errors.New("pipeline: dispatcher is required")
	}
	if d.Smoother == nil {
		d.Smoother = accident.NewSmoother(accident.DefaultConfig())
	}
	if d.Counter == nil {
		d.Counter = traffic.NewCounter(traffic.DefaultCooldownFrames)
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	def := DefaultConfig()
	if cfg.Bands == (traffic.Bands{}) {
		cfg.Bands = def.Bands
	}
	if cfg.Severity == "" {
		cfg.Severity = def.Severity
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = def.StateInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = def.GeocodeTimeout
	}
	p := &Pipeline{cfg: cfg, d: d, history: make([]Sample, cfg.HistorySize)}
	p.status.Store(&Status{Location: d.Session.Location(), Online: true, CarID: d.Session.Registration.CarID})
	return p, nil
}

// Run reads frames until the source is exhausted or ctx is cancelled.
// Exhaustion and cancellation return nil; any other source error is
// returned as is.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := p.d.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("frame source exhausted after %d frames", p.Status().Frame)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if p.d.Metrics != nil {
				p.d.Metrics.FrameErrors.Add(1)
			}
			return fmt.Errorf("read frame: %w", err)
		}
		p.Step(ctx, frame)
	}
}

// Step runs one tick for frame.
func (p *Pipeline) Step(ctx context.Context, frame vision.Frame) {
	now := p.d.Clock.Now()
	sess := p.d.Session

	// 1. connectivity recheck and flush
	p.d.Dispatcher.Tick(ctx, now)

	// 2. telemetry
	var relays []telemetry.RelayMessage
	for _, r := range p.d.Ingest.Drain() {
		switch r := r.(type) {
		case telemetry.SensorReading:
			sess.ObserveSensor(r, now)
		case telemetry.RelayMessage:
			monitoring.Logf("relay message from peer: %s", r.Payload)
			relays = append(relays, r)
		}
	}
	if p.d.Metrics != nil && p.d.Ingest != nil {
		parsed, dropped := p.d.Ingest.Stats()
		p.d.Metrics.TelemetryParsed.Store(parsed)
		p.d.Metrics.TelemetryDropped.Store(dropped)
		p.d.Metrics.RelayReceived.Add(uint64(len(relays)))
	}

	// 3. detection-derived updates
	accDets, vehDets := sess.Classes.Split(frame.Detections)
	var acc accident.State
	if p.cfg.AccidentEnabled {
		acc = p.d.Smoother.Update(accident.CandidatesFrom(accDets))
	}
	occupancy, crossings := 0, p.d.Counter.Total()
	level := traffic.LevelNone
	if p.cfg.TrafficEnabled {
		roi, lineY := sess.ZonesFor(frame.Width, frame.Height)
		occupancy, crossings = p.d.Counter.Update(traffic.TrackedFrom(vehDets), roi, lineY, frame.Index)
		level = p.cfg.Bands.Classify(occupancy)
	}

	// 4. triggers
	var events []dispatch.Event
	if p.accTrigger.Observe(acc.On) {
		monitoring.Logf("accident detected at frame %d (confidence %.2f)", frame.Index, acc.BestConfidence)
		ev := dispatch.NewEvent(dispatch.KindAccident, now)
		ev.Severity = p.cfg.Severity
		ev.Confidence = acc.BestConfidence
		events = append(events, ev)
	}
	if p.trafficTrigger.Observe(level) {
		monitoring.Logf("traffic level %s at frame %d (%d in roi)", level, frame.Index, occupancy)
		ev := dispatch.NewEvent(dispatch.KindTraffic, now)
		ev.Level = string(level)
		ev.Density = occupancy
		ev.Crossings = crossings
		events = append(events, ev)
	}
	for _, r := range relays {
		ev := dispatch.NewEvent(dispatch.KindRelay, now)
		ev.Payload = r.Payload
		events = append(events, ev)
	}

	// 5. dispatch; relay events reuse the last label
	if len(events) > len(relays) {
		p.refreshLocation(ctx)
	}
	reading, _ := sess.Sensor()
	for _, ev := range events {
		ev.CarID = sess.Registration.CarID
		ev.RegNumber = sess.Registration.RegNumber
		ev.Lat, ev.Lng = reading.Lat, reading.Lng
		ev.LocationName = sess.Location()
		p.d.Dispatcher.Trigger(ctx, ev)
	}
	p.publishState(ctx, now, acc, occupancy, crossings, level)

	p.record(now, frame, acc, occupancy, crossings, level)
}

// refreshLocation re-geocodes when online with a fix. A failed lookup
// keeps the previous label.
func (p *Pipeline) refreshLocation(ctx context.Context) {
	if p.d.Geocoder == nil || !p.d.Dispatcher.Online() || !p.d.Session.HasFix() {
		return
	}
	reading, _ := p.d.Session.Sensor()
	gctx, cancel := context.WithTimeout(ctx, p.cfg.GeocodeTimeout)
	defer cancel()
	name, err := p.d.Geocoder.Locate(gctx, reading.Lat, reading.Lng)
	if err != nil {
		monitoring.Logf("geocode failed: %v", err)
		return
	}
	p.d.Session.SetLocation(name)
}

func (p *Pipeline) publishState(ctx context.Context, now time.Time, acc accident.State, occupancy, crossings int, level traffic.Level) {
	sess := p.d.Session
	if !sess.HasFix() || now.Sub(p.lastState) <= p.cfg.StateInterval {
		return
	}
	p.lastState = now
	if sess.Location() == session.UnknownLocation {
		p.refreshLocation(ctx)
	}
	reading, _ := sess.Sensor()
	err := p.d.Dispatcher.PublishState(ctx, dispatch.VehicleState{
		CarID:        sess.Registration.CarID,
		RegNumber:    sess.Registration.RegNumber,
		Lat:          reading.Lat,
		Lng:          reading.Lng,
		Temp:         reading.Temp,
		Hum:          reading.Hum,
		LocationName: sess.Location(),
		AccidentOn:   acc.On,
		Occupancy:    occupancy,
		Level:        string(level),
		Crossings:    crossings,
		UpdatedAt:    now,
	})
	if err != nil {
		monitoring.Logf("vehicle state update failed: %v", err)
	}
}

func (p *Pipeline) record(now time.Time, frame vision.Frame, acc accident.State, occupancy, crossings int, level traffic.Level) {
	if m := p.d.Metrics; m != nil {
		m.FramesProcessed.Add(1)
		m.AccidentOn.Store(metrics.BoolToUint(acc.On))
		m.Occupancy.Store(int64(occupancy))
		if crossings > p.lastCrossings {
			m.Crossings.Add(uint64(crossings - p.lastCrossings))
		}
	}
	p.lastCrossings = crossings

	reading, _ := p.d.Session.Sensor()
	snap := p.d.Dispatcher.Snapshot()
	p.status.Store(&Status{
		Frame:       frame.Index,
		At:          now,
		Accident:    acc,
		Occupancy:   occupancy,
		Crossings:   crossings,
		Level:       level,
		Online:      snap.Online,
		QueueLength: snap.QueueLength,
		HasFix:      reading.HasFix(),
		Lat:         reading.Lat,
		Lng:         reading.Lng,
		Temp:        reading.Temp,
		Hum:         reading.Hum,
		Location:    p.d.Session.Location(),
		CarID:       p.d.Session.Registration.CarID,
	})

	if !p.lastSample.IsZero() && now.Sub(p.lastSample) < p.cfg.SampleInterval {
		return
	}
	p.lastSample = now
	p.histMu.Lock()
	p.history[p.histPos] = Sample{At: now, Frame: frame.Index, Occupancy: occupancy, Crossings: crossings, Level: string(level)}
	p.histPos = (p.histPos + 1) % len(p.history)
	if p.histLen < len(p.history) {
		p.histLen++
	}
	p.histMu.Unlock()
}

// Status returns the state after the most recent tick.
func (p *Pipeline) Status() Status {
	return *p.status.Load()
}

// History returns the retained occupancy samples, oldest first.
func (p *Pipeline) History() []Sample {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	out := make([]Sample, 0, p.histLen)
	start := (p.histPos - p.histLen + len(p.history)) % len(p.history)
	for i := 0; i < p.histLen; i++ {
		out = append(out, p.history[(start+i)%len(p.history)])
	}
	return out
}
