package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/roadwatch/internal/dispatch"
)

// CommandSender writes one command line to the device link.
type CommandSender interface {
	SendCommand(command string) error
}

// Relay forwards accident and traffic events to peers by asking the
// device link to broadcast a CMD line over LoRa.
type Relay struct {
	link CommandSender
}

// NewRelay creates a relay sink writing to link.
func NewRelay(link CommandSender) *Relay {
	return &Relay{link: link}
}

// Name implements dispatch.Secondary.
func (r *Relay) Name() string { return "peer-relay" }

// Send implements dispatch.Secondary. Kinds without a command format are
// ignored.
func (r *Relay) Send(ctx context.Context, ev dispatch.Event) error {
	line, ok := FormatCommand(ev)
	if !ok {
		return nil
	}
	errc := make(chan error, 1)
	go func() { errc <- r.link.SendCommand(line) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("write %q: %w", line, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fieldEscaper keeps a value from breaking the "|" and newline framing.
var fieldEscaper = strings.NewReplacer("|", "/", "\r", " ", "\n", " ")

// FormatCommand renders the device-link command for ev:
//
//	CMD|ACCIDENT|severity:HIGH|loc:<name>
//	CMD|TRAFFIC|level:MEDIUM|loc:<name>
func FormatCommand(ev dispatch.Event) (string, bool) {
	loc := fieldEscaper.Replace(ev.LocationName)
	switch ev.Kind {
	case dispatch.KindAccident:
		sev := ev.Severity
		if sev == "" {
			sev = "HIGH"
		}
		return fmt.Sprintf("CMD|ACCIDENT|severity:%s|loc:%s", fieldEscaper.Replace(sev), loc), true
	case dispatch.KindTraffic:
		return fmt.Sprintf("CMD|TRAFFIC|level:%s|loc:%s", fieldEscaper.Replace(ev.Level), loc), true
	default:
		return "", false
	}
}
