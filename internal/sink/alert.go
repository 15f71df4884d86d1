package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/session"
)

// Alert is one NDJSON message on the local alert channel.
type Alert struct {
	Type         string         `json:"type"`
	Kind         string         `json:"kind"`
	RegNumber    string         `json:"regNumber"`
	Lat          float64        `json:"lat"`
	Lng          float64        `json:"lng"`
	LocationName string         `json:"locationName"`
	Extra        map[string]any `json:"extra"`
	Timestamp    int64          `json:"timestamp"`
}

// NewAlert builds the alert message for ev.
func NewAlert(ev dispatch.Event) Alert {
	extra := map[string]any{}
	switch ev.Kind {
	case dispatch.KindAccident:
		extra["confidence"] = ev.Confidence
	case dispatch.KindTraffic:
		extra["level"] = ev.Level
		extra["density"] = ev.Density
	case dispatch.KindRelay:
		extra["payload"] = ev.Payload
	}
	return Alert{
		Type:         "alert",
		Kind:         strings.ToUpper(string(ev.Kind)),
		RegNumber:    ev.RegNumber,
		Lat:          ev.Lat,
		Lng:          ev.Lng,
		LocationName: ev.LocationName,
		Extra:        extra,
		Timestamp:    ev.TimestampMillis(),
	}
}

// Greeting is sent once when a local alert client connects.
type Greeting struct {
	Type      string `json:"type"`
	CarID     string `json:"carId"`
	RegNumber string `json:"regNumber"`
	OwnerName string `json:"ownerName"`
	Phone     string `json:"phone"`
}

// NewGreeting builds the greeting for reg.
func NewGreeting(reg session.Registration) Greeting {
	return Greeting{
		Type:      "config",
		CarID:     reg.CarID,
		RegNumber: reg.RegNumber,
		OwnerName: reg.OwnerName,
		Phone:     reg.Phone,
	}
}

// EncodeLine marshals v as a single newline-terminated JSON line.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// LocalAlert fans an alert out to the websocket hub and, when configured,
// a paired phone on a serial line. Either target may be nil.
type LocalAlert struct {
	hub  *Hub
	line *LineWriter
}

// NewLocalAlert creates the local alert sink.
func NewLocalAlert(hub *Hub, line *LineWriter) *LocalAlert {
	return &LocalAlert{hub: hub, line: line}
}

// Name implements dispatch.Secondary.
func (a *LocalAlert) Name() string { return "local-alert" }

// Send implements dispatch.Secondary.
func (a *LocalAlert) Send(ctx context.Context, ev dispatch.Event) error {
	msg, err := EncodeLine(NewAlert(ev))
	if err != nil {
		return err
	}
	var errs []error
	if a.hub != nil {
		a.hub.Broadcast(msg)
	}
	if a.line != nil {
		if err := a.line.WriteLine(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
