package accident

// Trigger converts the smoother's level signal into a one-shot edge. It
// fires once when the signal goes on and re-arms only after the signal has
// been observed off.
type Trigger struct {
	fired bool
}

// Observe returns true exactly on the off->on edge.
func (t *Trigger) Observe(on bool) bool {
	if !on {
		t.fired = false
		return false
	}
	if t.fired {
		return false
	}
	t.fired = true
	return true
}

// Armed reports whether the next on observation will fire.
func (t *Trigger) Armed() bool { return !t.fired }
