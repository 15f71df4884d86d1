package accident

import (
	"math"
	"testing"

	"github.com/banshee-data/roadwatch/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var crashBox = geom.Rect{X1: 100, Y1: 100, X2: 200, Y2: 200}

func one(box geom.Rect, conf float64) []Candidate {
	return []Candidate{{Box: box, Confidence: conf}}
}

func TestSmootherStaysOffWithoutCandidates(t *testing.T) {
	s := NewSmoother(DefaultConfig())
	for i := 0; i < 50; i++ {
		st := s.Update(nil)
		require.False(t, st.On, "frame %d", i)
		require.False(t, st.HasBest)
	}
}

func TestSmootherRise(t *testing.T) {
	t.Run("three consecutive frames turn on", func(t *testing.T) {
		s := NewSmoother(DefaultConfig())
		assert.False(t, s.Update(one(crashBox, 0.5)).On)
		assert.False(t, s.Update(one(crashBox, 0.5)).On)
		assert.True(t, s.Update(one(crashBox, 0.5)).On)
	})

	t.Run("gap resets the rising count", func(t *testing.T) {
		s := NewSmoother(DefaultConfig())
		s.Update(one(crashBox, 0.5))
		s.Update(one(crashBox, 0.5))
		st := s.Update(nil)
		assert.False(t, st.On)
		assert.Equal(t, 0, st.Rising)
		assert.False(t, s.Update(one(crashBox, 0.5)).On)
		assert.False(t, s.Update(one(crashBox, 0.5)).On)
		assert.True(t, s.Update(one(crashBox, 0.5)).On)
	})
}

func TestSmootherFall(t *testing.T) {
	s := NewSmoother(DefaultConfig())
	for i := 0; i < 3; i++ {
		s.Update(one(crashBox, 0.7))
	}
	require.True(t, s.State().On)

	for i := 1; i <= 5; i++ {
		st := s.Update(nil)
		require.True(t, st.On, "empty frame %d should keep state on", i)
		require.True(t, st.HasBest)
	}
	st := s.Update(nil)
	assert.False(t, st.On)
	assert.False(t, st.HasBest)
	assert.Equal(t, geom.Rect{}, st.BestBox)
	assert.Equal(t, 0.0, st.BestConfidence)
}

func TestSmootherFallInterruptedByDetection(t *testing.T) {
	s := NewSmoother(DefaultConfig())
	for i := 0; i < 3; i++ {
		s.Update(one(crashBox, 0.7))
	}
	for i := 0; i < 5; i++ {
		s.Update(nil)
	}
	s.Update(one(crashBox, 0.6))
	for i := 0; i < 5; i++ {
		require.True(t, s.Update(nil).On)
	}
	assert.False(t, s.Update(nil).On)
}

func TestSmootherBestBoxReplacement(t *testing.T) {
	overlapping := geom.Rect{X1: 110, Y1: 110, X2: 210, Y2: 210} // IoU with crashBox ~0.68
	far := geom.Rect{X1: 500, Y1: 500, X2: 600, Y2: 600}

	t.Run("overlapping weaker candidate keeps best", func(t *testing.T) {
		s := NewSmoother(DefaultConfig())
		s.Update(one(crashBox, 0.8))
		require.GreaterOrEqual(t, geom.IoU(crashBox, overlapping), 0.3)
		st := s.Update(one(overlapping, 0.8))
		assert.Equal(t, crashBox, st.BestBox)
		assert.Equal(t, 0.8, st.BestConfidence)
		st = s.Update(one(overlapping, 0.4))
		assert.Equal(t, crashBox, st.BestBox)
	})

	t.Run("overlapping stronger candidate replaces best", func(t *testing.T) {
		s := NewSmoother(DefaultConfig())
		s.Update(one(crashBox, 0.5))
		st := s.Update(one(overlapping, 0.9))
		assert.Equal(t, overlapping, st.BestBox)
		assert.Equal(t, 0.9, st.BestConfidence)
	})

	t.Run("moved region replaces best even when weaker", func(t *testing.T) {
		s := NewSmoother(DefaultConfig())
		s.Update(one(crashBox, 0.9))
		st := s.Update(one(far, 0.2))
		assert.Equal(t, far, st.BestBox)
		assert.Equal(t, 0.2, st.BestConfidence)
	})
}

func TestSmootherPicksHighestConfidence(t *testing.T) {
	s := NewSmoother(DefaultConfig())
	st := s.Update([]Candidate{
		{Box: crashBox, Confidence: 0.3},
		{Box: geom.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50}, Confidence: 0.95},
		{Box: geom.Rect{X1: 300, Y1: 300, X2: 350, Y2: 350}, Confidence: 0.6},
	})
	assert.Equal(t, geom.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50}, st.BestBox)
	assert.Equal(t, 0.95, st.BestConfidence)
}

func TestSmootherIgnoresBadCandidates(t *testing.T) {
	s := NewSmoother(DefaultConfig())
	st := s.Update([]Candidate{
		{Box: geom.Rect{X1: 10, Y1: 10, X2: 5, Y2: 5}, Confidence: 0.9},
		{Box: crashBox, Confidence: math.NaN()},
	})
	assert.Equal(t, 0, st.Rising)
	assert.Equal(t, 1, st.Falling)
	assert.False(t, st.HasBest)

	st = s.Update(one(crashBox, 1.5))
	assert.Equal(t, 1.0, st.BestConfidence)
}

func TestNewSmootherNormalizesConfig(t *testing.T) {
	s := NewSmoother(Config{})
	assert.Equal(t, DefaultConfig(), s.Config())

	s = NewSmoother(Config{RiseFrames: 1, FallFrames: 2, IoUMatch: 0.5})
	assert.Equal(t, Config{RiseFrames: 1, FallFrames: 2, IoUMatch: 0.5}, s.Config())
	assert.True(t, s.Update(one(crashBox, 0.5)).On)
}

// Frames 1-3 carry an accident box with rising confidence; the state turns on
// at frame 3 and the accident edge fires exactly once while it stays on.
func TestSmootherWithTriggerSequence(t *testing.T) {
	frames := [][]Candidate{
		one(geom.Rect{X1: 100, Y1: 100, X2: 200, Y2: 200}, 0.4),
		one(geom.Rect{X1: 105, Y1: 105, X2: 205, Y2: 205}, 0.5),
		one(geom.Rect{X1: 110, Y1: 110, X2: 210, Y2: 210}, 0.9),
		nil, nil, nil, nil, nil, nil, nil,
	}

	s := NewSmoother(DefaultConfig())
	var trig Trigger
	fired := 0
	for i, f := range frames {
		st := s.Update(f)
		if trig.Observe(st.On) {
			fired++
			assert.Equal(t, 2, i, "edge should fire on frame 3")
		}
		if i == 2 {
			assert.True(t, st.On)
			assert.Equal(t, 0.9, st.BestConfidence)
		}
		if i == 3 {
			assert.True(t, st.On, "frame 4 keeps the state on")
		}
	}
	assert.Equal(t, 1, fired)
	assert.False(t, s.State().On, "the sixth empty frame clears the state")
}
