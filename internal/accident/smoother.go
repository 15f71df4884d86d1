// Package accident turns noisy per-frame accident detections into a stable
// on/off signal with a persistent best-evidence box.
//
// Entering the on state needs RiseFrames consecutive frames with at least one
// accident candidate; leaving it needs FallFrames consecutive frames with
// none. The default thresholds are asymmetric (3 in, 6 out) so a single noisy
// frame cannot raise an alert and a brief occlusion cannot clear one.
package accident

import (
	"github.com/banshee-data/roadwatch/internal/geom"
	"github.com/banshee-data/roadwatch/internal/vision"
	"gonum.org/v1/gonum/floats"
)

// Config holds the hysteresis thresholds.
type Config struct {
	RiseFrames int
	FallFrames int
	// IoUMatch is the overlap below which a new candidate is treated as a
	// different occurrence and replaces the persisted best box.
	IoUMatch float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{RiseFrames: 3, FallFrames: 6, IoUMatch: 0.3}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.RiseFrames < 1 {
		c.RiseFrames = d.RiseFrames
	}
	if c.FallFrames < 1 {
		c.FallFrames = d.FallFrames
	}
	if c.IoUMatch <= 0 || c.IoUMatch > 1 {
		c.IoUMatch = d.IoUMatch
	}
	return c
}

// Candidate is one accident-class box from the current frame.
type Candidate struct {
	Box        geom.Rect
	Confidence float64
}

// CandidatesFrom converts accident-class detections into smoother input.
func CandidatesFrom(dets []vision.Detection) []Candidate {
	out := make([]Candidate, 0, len(dets))
	for _, d := range dets {
		out = append(out, Candidate{Box: d.Box, Confidence: d.Confidence})
	}
	return out
}

// State is a snapshot of the smoother after an update.
type State struct {
	On             bool      `json:"on"`
	BestBox        geom.Rect `json:"best_box"`
	HasBest        bool      `json:"has_best"`
	BestConfidence float64   `json:"best_confidence"`
	Rising         int       `json:"rising"`
	Falling        int       `json:"falling"`
}

// Smoother is the hysteresis state machine. It is not safe for concurrent
// use; one instance belongs to one capture session.
type Smoother struct {
	cfg      Config
	rising   int
	falling  int
	on       bool
	best     geom.Rect
	hasBest  bool
	bestConf float64
}

// NewSmoother returns a smoother in the off state. Zero or out-of-range
// thresholds fall back to DefaultConfig values.
func NewSmoother(cfg Config) *Smoother {
	return &Smoother{cfg: cfg.normalized()}
}

// Config returns the effective thresholds.
func (s *Smoother) Config() Config { return s.cfg }

// Update feeds one frame of candidates and returns the resulting state.
// Candidates with invalid boxes or NaN confidence are ignored; a frame whose
// candidates are all ignored counts as an empty frame.
func (s *Smoother) Update(cands []Candidate) State {
	boxes, confs := sanitize(cands)

	if len(boxes) == 0 {
		s.rising = 0
		s.falling++
		if s.on && s.falling >= s.cfg.FallFrames {
			s.on = false
			s.best = geom.Rect{}
			s.hasBest = false
			s.bestConf = 0
		}
		return s.State()
	}

	i := floats.MaxIdx(confs)
	cur, curConf := boxes[i], confs[i]
	if !s.hasBest || geom.IoU(s.best, cur) < s.cfg.IoUMatch || curConf > s.bestConf {
		s.best = cur
		s.bestConf = curConf
		s.hasBest = true
	}

	s.rising++
	s.falling = 0
	if !s.on && s.rising >= s.cfg.RiseFrames {
		s.on = true
	}
	return s.State()
}

// State returns the current snapshot without mutating anything.
func (s *Smoother) State() State {
	return State{
		On:             s.on,
		BestBox:        s.best,
		HasBest:        s.hasBest,
		BestConfidence: s.bestConf,
		Rising:         s.rising,
		Falling:        s.falling,
	}
}

func sanitize(cands []Candidate) ([]geom.Rect, []float64) {
	boxes := make([]geom.Rect, 0, len(cands))
	confs := make([]float64, 0, len(cands))
	for _, c := range cands {
		if !c.Box.Valid() {
			continue
		}
		conf, ok := vision.ClampConfidence(c.Confidence)
		if !ok {
			continue
		}
		boxes = append(boxes, c.Box)
		confs = append(confs, conf)
	}
	return boxes, confs
}
