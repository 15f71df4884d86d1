package serialmux

import (
	"strings"

	"github.com/banshee-data/roadwatch/internal/telemetry"
)

// TagUnknown marks a line without a recognised tag.
const TagUnknown = "UNKNOWN"

// ClassifyLine returns the tag of a device line: telemetry.TagSensor,
// telemetry.TagRelay or TagUnknown. It only looks at the text before the
// first '|'; payload validity is the telemetry parser's concern.
func ClassifyLine(line string) string {
	tag, _, ok := strings.Cut(strings.TrimSpace(line), "|")
	if !ok {
		return TagUnknown
	}
	switch strings.ToUpper(tag) {
	case telemetry.TagSensor:
		return telemetry.TagSensor
	case telemetry.TagRelay:
		return telemetry.TagRelay
	}
	return TagUnknown
}
