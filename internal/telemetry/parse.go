// Package telemetry parses the line protocol spoken by the device link: sensor
// readings (position and environment) and messages relayed from peers over
// LoRa. Anything it cannot parse is dropped; nothing here returns an error to
// the frame loop.
package telemetry

import (
	"math"
	"strconv"
	"strings"
)

// Line tags understood by ParseLine.
const (
	TagSensor = "SENSOR"
	TagRelay  = "LORA_RX"
)

// Reading is either a SensorReading or a RelayMessage.
type Reading interface {
	tag() string
}

// SensorReading is a position and environment sample, e.g.
//
//	SENSOR|lat:12.973800,lng:77.594600,temp:29.4,hum:65.2
//
// Keys absent from the line read as zero.
type SensorReading struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Temp float64 `json:"temp"`
	Hum  float64 `json:"hum"`
}

func (SensorReading) tag() string { return TagSensor }

// HasFix reports whether the reading carries a non-zero position.
func (r SensorReading) HasFix() bool { return r.Lat != 0 || r.Lng != 0 }

// RelayMessage is an opaque payload received from a peer, e.g.
//
//	LORA_RX|ALERT|ACCIDENT|from:C1
type RelayMessage struct {
	Payload string `json:"payload"`
}

func (RelayMessage) tag() string { return TagRelay }

// ParseLine decodes one raw line. ok is false for unknown tags, malformed
// numeric fields and empty relay payloads.
func ParseLine(raw string) (r Reading, ok bool) {
	line := strings.TrimSpace(raw)
	tag, body, found := strings.Cut(line, "|")
	if !found {
		return nil, false
	}
	switch tag {
	case TagSensor:
		return parseSensor(body)
	case TagRelay:
		if body == "" {
			return nil, false
		}
		return RelayMessage{Payload: body}, true
	}
	return nil, false
}

func parseSensor(body string) (Reading, bool) {
	fields := make(map[string]string, 4)
	for _, part := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	var r SensorReading
	for key, dst := range map[string]*float64{
		"lat":  &r.Lat,
		"lng":  &r.Lng,
		"temp": &r.Temp,
		"hum":  &r.Hum,
	} {
		v, present := fields[key]
		if !present {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		// ParseFloat accepts NaN and Inf; neither can be stored or encoded.
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		*dst = f
	}
	return r, true
}
