// Package vision defines the boundary to the external object detector: the
// per-frame detections it produces and the immutable class-id tables that
// decide which detections feed the accident smoother and which feed the
// traffic counter.
package vision

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/roadwatch/internal/geom"
)

// Detection is a single detector box for one frame.
type Detection struct {
	Box        geom.Rect
	ClassID    int
	Confidence float64
	// TrackID is the identity assigned by the external tracker. It is only
	// meaningful when Tracked is true.
	TrackID int
	Tracked bool
}

// Frame is one tick's worth of detector output.
type Frame struct {
	Index      int
	Width      int
	Height     int
	Detections []Detection
}

// FrameSource is implemented by anything that yields detector frames. Next
// returns io.EOF once the capture source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// ClampConfidence forces c into [0,1]. NaN is reported as not ok.
func ClampConfidence(c float64) (float64, bool) {
	if math.IsNaN(c) {
		return 0, false
	}
	return math.Min(1, math.Max(0, c)), true
}

// accidentKeywords identify accident-like labels when no explicit accident
// id set is configured.
var accidentKeywords = []string{"accident", "collision", "fire", "smoke"}

// ClassMap is an immutable lookup of which detector classes are accidents and
// which are vehicles. Build it once at startup with NewClassMap.
type ClassMap struct {
	accident map[int]struct{}
	vehicle  map[int]struct{}
	labels   map[int]string
}

// NewClassMap copies the given id sets and labels into a ClassMap.
func NewClassMap(accidentIDs, vehicleIDs []int, labels map[int]string) ClassMap {
	cm := ClassMap{
		accident: make(map[int]struct{}, len(accidentIDs)),
		vehicle:  make(map[int]struct{}, len(vehicleIDs)),
		labels:   make(map[int]string, len(labels)),
	}
	for _, id := range accidentIDs {
		cm.accident[id] = struct{}{}
	}
	for _, id := range vehicleIDs {
		cm.vehicle[id] = struct{}{}
	}
	for id, l := range labels {
		cm.labels[id] = l
	}
	return cm
}

// AccidentIDsFromLabels picks the ids whose label mentions an accident-like
// keyword. When nothing matches and class 0 exists, class 0 is used.
func AccidentIDsFromLabels(labels map[int]string) []int {
	var ids []int
	for id, l := range labels {
		s := strings.ToLower(l)
		for _, kw := range accidentKeywords {
			if strings.Contains(s, kw) {
				ids = append(ids, id)
				break
			}
		}
	}
	if len(ids) == 0 {
		if _, ok := labels[0]; ok {
			ids = append(ids, 0)
		}
	}
	sort.Ints(ids)
	return ids
}

// IsAccident reports whether id belongs to the accident class set.
func (c ClassMap) IsAccident(id int) bool {
	_, ok := c.accident[id]
	return ok
}

// IsVehicle reports whether id belongs to the vehicle class set.
func (c ClassMap) IsVehicle(id int) bool {
	_, ok := c.vehicle[id]
	return ok
}

// Label returns the configured label for id, or "" when unknown.
func (c ClassMap) Label(id int) string {
	return c.labels[id]
}

// AccidentIDs returns the sorted accident id set.
func (c ClassMap) AccidentIDs() []int { return sortedKeys(c.accident) }

// VehicleIDs returns the sorted vehicle id set.
func (c ClassMap) VehicleIDs() []int { return sortedKeys(c.vehicle) }

// Split partitions detections into accident and vehicle subsets. A class
// may appear in both sets; detections of unknown classes are discarded.
func (c ClassMap) Split(dets []Detection) (accidents, vehicles []Detection) {
	for _, d := range dets {
		if c.IsAccident(d.ClassID) {
			accidents = append(accidents, d)
		}
		if c.IsVehicle(d.ClassID) {
			vehicles = append(vehicles, d)
		}
	}
	return accidents, vehicles
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
