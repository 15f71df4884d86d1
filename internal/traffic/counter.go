// Package traffic counts tracked vehicles crossing a horizontal count line
// and measures how many occupy a region of interest.
//
// Crossings are undirected: a vehicle moving down through the line and one
// moving up both add one to the same total.
package traffic

import (
	"github.com/banshee-data/roadwatch/internal/geom"
	"github.com/banshee-data/roadwatch/internal/vision"
)

// DefaultCooldownFrames is the minimum gap between two counted crossings of
// the same identity.
const DefaultCooldownFrames = 5

// Tracked is a vehicle box with the identity assigned by the external
// tracker. Boxes without an identity still contribute to occupancy.
type Tracked struct {
	ID    int
	HasID bool
	Box   geom.Rect
}

// TrackedFrom converts vehicle detections into counter input.
func TrackedFrom(dets []vision.Detection) []Tracked {
	out := make([]Tracked, 0, len(dets))
	for _, d := range dets {
		out = append(out, Tracked{ID: d.TrackID, HasID: d.Tracked, Box: d.Box})
	}
	return out
}

type trackState struct {
	lastY       float64
	lastCounted int
	everCounted bool
}

// Counter keeps per-identity centroid history. Identities are never evicted;
// the identity space is bounded by the length of one capture session.
type Counter struct {
	cooldown int
	tracks   map[int]*trackState
	total    int
}

// NewCounter returns an empty counter. A cooldown below 1 uses
// DefaultCooldownFrames.
func NewCounter(cooldownFrames int) *Counter {
	if cooldownFrames < 1 {
		cooldownFrames = DefaultCooldownFrames
	}
	return &Counter{
		cooldown: cooldownFrames,
		tracks:   make(map[int]*trackState),
	}
}

// Update processes one frame and returns the number of boxes strictly
// intersecting roi together with the running crossing total.
func (c *Counter) Update(dets []Tracked, roi geom.Rect, lineY float64, frame int) (occupancy, total int) {
	seen := make(map[int]struct{}, len(dets))
	for _, d := range dets {
		if geom.Intersects(d.Box, roi) {
			occupancy++
		}
		if !d.HasID {
			continue
		}
		// a tracker should never emit the same identity twice in a frame;
		// if it does, only the first box moves the track
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		c.observe(d.ID, d.Box, lineY, frame)
	}
	return occupancy, c.total
}

func (c *Counter) observe(id int, box geom.Rect, lineY float64, frame int) {
	_, cy := box.Centroid()
	st, ok := c.tracks[id]
	if !ok {
		c.tracks[id] = &trackState{lastY: cy}
		return
	}
	prev := st.lastY
	st.lastY = cy

	if !crossed(prev, cy, lineY) {
		return
	}
	if st.everCounted && frame-st.lastCounted < c.cooldown {
		return
	}
	c.total++
	st.lastCounted = frame
	st.everCounted = true
}

// crossed reports whether moving from prev to cur reaches or passes line,
// starting strictly on one side of it.
func crossed(prev, cur, line float64) bool {
	return (prev < line && line <= cur) || (prev > line && line >= cur)
}

// Total returns the monotonic crossing count.
func (c *Counter) Total() int { return c.total }

// Identities returns how many distinct identities have been observed.
func (c *Counter) Identities() int { return len(c.tracks) }
