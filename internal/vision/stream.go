package vision

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/banshee-data/roadwatch/internal/geom"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/tidwall/gjson"
)

// maxLineBytes bounds a single detector line; frames with many boxes can
// easily exceed bufio's 64KiB default.
const maxLineBytes = 10 << 20

// StreamSource reads detector frames encoded as one JSON object per line:
//
//	{"frame":12,"width":1280,"height":720,
//	 "detections":[{"box":[x1,y1,x2,y2],"class":2,"conf":0.81,"id":7}]}
//
// "frame", "width", "height" and "id" are optional. Lines that are not valid
// JSON are skipped, as are boxes that are not four finite numbers describing
// a positive-area rectangle.
type StreamSource struct {
	scan          *bufio.Scanner
	next          int
	width, height int
}

// NewStreamSource wraps r. defaultWidth/defaultHeight are used until a frame
// reports its own size.
func NewStreamSource(r io.Reader, defaultWidth, defaultHeight int) *StreamSource {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &StreamSource{scan: s, next: 1, width: defaultWidth, height: defaultHeight}
}

// Next returns the next parsable frame. It returns io.EOF when the stream
// ends.
func (s *StreamSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scan.Scan() {
			if err := s.scan.Err(); err != nil {
				return Frame{}, fmt.Errorf("failed to read detector stream: %w", err)
			}
			return Frame{}, io.EOF
		}
		line := s.scan.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			monitoring.Logf("skipping malformed detector line (%d bytes)", len(line))
			continue
		}
		return s.parse(gjson.ParseBytes(line)), nil
	}
}

func (s *StreamSource) parse(doc gjson.Result) Frame {
	if w := doc.Get("width"); w.Exists() && w.Int() > 0 {
		s.width = int(w.Int())
	}
	if h := doc.Get("height"); h.Exists() && h.Int() > 0 {
		s.height = int(h.Int())
	}

	idx := s.next
	if f := doc.Get("frame"); f.Exists() {
		idx = int(f.Int())
	}
	s.next = idx + 1

	frame := Frame{Index: idx, Width: s.width, Height: s.height}
	doc.Get("detections").ForEach(func(_, item gjson.Result) bool {
		if d, ok := parseDetection(item); ok {
			frame.Detections = append(frame.Detections, d)
		}
		return true
	})
	return frame
}

func parseDetection(item gjson.Result) (Detection, bool) {
	coords := item.Get("box").Array()
	if len(coords) != 4 {
		return Detection{}, false
	}
	box := geom.Rect{
		X1: coords[0].Float(),
		Y1: coords[1].Float(),
		X2: coords[2].Float(),
		Y2: coords[3].Float(),
	}
	if !box.Valid() {
		return Detection{}, false
	}
	conf, ok := ClampConfidence(item.Get("conf").Float())
	if !ok {
		return Detection{}, false
	}
	d := Detection{
		Box:        box,
		ClassID:    int(item.Get("class").Int()),
		Confidence: conf,
	}
	if id := item.Get("id"); id.Exists() && id.Type == gjson.Number {
		d.TrackID = int(id.Int())
		d.Tracked = true
	}
	return d, true
}

// CommandSource runs an external detector process and reads frames from its
// standard output.
type CommandSource struct {
	*StreamSource
	cmd *exec.Cmd
}

// StartCommand launches name with args. The process is killed when ctx is
// cancelled.
func StartCommand(ctx context.Context, defaultWidth, defaultHeight int, name string, args ...string) (*CommandSource, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach detector stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start detector %q: %w", name, err)
	}
	monitoring.Logf("started detector %q (pid %d)", name, cmd.Process.Pid)
	return &CommandSource{
		StreamSource: NewStreamSource(stdout, defaultWidth, defaultHeight),
		cmd:          cmd,
	}, nil
}

// Close waits for the detector process to exit.
func (c *CommandSource) Close() error {
	return c.cmd.Wait()
}
