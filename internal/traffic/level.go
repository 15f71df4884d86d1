package traffic

// Level is the discretized traffic density.
type Level string

const (
	LevelNone   Level = ""
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// AlertWorthy reports whether entering this level should raise an event.
func (l Level) AlertWorthy() bool {
	return l == LevelMedium || l == LevelHigh
}

// Bands are the inclusive upper occupancy bounds of the LOW and MEDIUM
// levels; anything above MediumMax is HIGH.
type Bands struct {
	LowMax    int
	MediumMax int
}

// DefaultBands returns LOW <= 3, MEDIUM <= 8, HIGH > 8.
func DefaultBands() Bands {
	return Bands{LowMax: 3, MediumMax: 8}
}

// Classify maps an occupancy count to a Level.
func (b Bands) Classify(occupancy int) Level {
	switch {
	case occupancy <= b.LowMax:
		return LevelLow
	case occupancy <= b.MediumMax:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Trigger fires when the level rises into an alert-worthy level. Drops are
// remembered silently so a later rise fires again.
type Trigger struct {
	last Level
}

// Observe records l and reports whether it is an alert-worthy increase.
// LevelNone means "no measurement this tick" and leaves the remembered level
// untouched.
func (t *Trigger) Observe(l Level) bool {
	if l == LevelNone {
		return false
	}
	fire := l != t.last && l.AlertWorthy() && l.rank() > t.last.rank()
	t.last = l
	return fire
}

// Last returns the most recently observed level.
func (t *Trigger) Last() Level { return t.last }
