package telemetry

import "strings"

// Ingest drains device-link lines that have already arrived. The device
// link's reader goroutine fills the channel; the frame loop calls Drain once
// per tick and never waits for more input.
type Ingest struct {
	lines   <-chan string
	closed  bool
	parsed  uint64
	dropped uint64
}

// NewIngest wraps a buffered line channel, typically a serialmux
// subscription.
func NewIngest(lines <-chan string) *Ingest {
	return &Ingest{lines: lines}
}

// Drain returns every reading that can be parsed from the lines currently
// queued, in arrival order. It returns immediately when the channel is empty
// or closed.
func (in *Ingest) Drain() []Reading {
	if in == nil || in.lines == nil || in.closed {
		return nil
	}
	var out []Reading
	for {
		select {
		case line, ok := <-in.lines:
			if !ok {
				in.closed = true
				return out
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			r, ok := ParseLine(line)
			if !ok {
				in.dropped++
				continue
			}
			in.parsed++
			out = append(out, r)
		default:
			return out
		}
	}
}

// Stats returns the number of lines parsed and dropped so far.
func (in *Ingest) Stats() (parsed, dropped uint64) {
	return in.parsed, in.dropped
}

// Closed reports whether the underlying channel has been closed.
func (in *Ingest) Closed() bool { return in.closed }
