// Package session carries the per-capture-session context: who this
// vehicle is, how detector classes map to accident and vehicle sets, where
// the ROI and count line sit, and the last telemetry fix.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/roadwatch/internal/geom"
	"github.com/banshee-data/roadwatch/internal/telemetry"
	"github.com/banshee-data/roadwatch/internal/vision"
)

// UnknownLocation is the location label used before a geocode succeeds.
const UnknownLocation = "Unknown"

// Registration identifies the vehicle this module is mounted in.
type Registration struct {
	CarID        string    `json:"carId"`
	RegNumber    string    `json:"regNumber"`
	OwnerName    string    `json:"ownerName"`
	Phone        string    `json:"phone"`
	BluetoothMAC string    `json:"bluetoothMac"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CarIDFor upper-cases reg and keeps only A-Z and 0-9, so the same plate
// always maps to the same store key.
func CarIDFor(reg string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(reg) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NewRegistration builds a registration record, deriving the car ID.
func NewRegistration(regNumber, owner, phone, mac string, now time.Time) (Registration, error) {
	regNumber = strings.ToUpper(strings.TrimSpace(regNumber))
	id := CarIDFor(regNumber)
	if id == "" {
		return Registration{}, fmt.Errorf("registration number %q has no letters or digits", regNumber)
	}
	return Registration{
		CarID:        id,
		RegNumber:    regNumber,
		OwnerName:    strings.TrimSpace(owner),
		Phone:        strings.TrimSpace(phone),
		BluetoothMAC: strings.TrimSpace(mac),
		CreatedAt:    now,
	}, nil
}

// Zones holds the ROI and count line as normalized "x1,y1,x2,y2" strings.
// The count line uses its first y coordinate.
type Zones struct {
	ROI  string
	Line string
}

// DefaultZones returns the stock ROI and count line.
func DefaultZones() Zones {
	return Zones{
		ROI:  "0.25,0.35,0.75,0.95",
		Line: "0.15,0.80,0.85,0.80",
	}
}

// Validate checks both strings parse.
func (z Zones) Validate() error {
	if _, err := geom.ParseNormRect(z.ROI, 1, 1); err != nil {
		return fmt.Errorf("roi: %w", err)
	}
	if _, err := geom.ParseNormRect(z.Line, 1, 1); err != nil {
		return fmt.Errorf("count line: %w", err)
	}
	return nil
}

// Pixels resolves the zones for a frame of the given size.
func (z Zones) Pixels(width, height int) (roi geom.Rect, lineY float64, err error) {
	roi, err = geom.ParseNormRect(z.ROI, width, height)
	if err != nil {
		return geom.Rect{}, 0, fmt.Errorf("roi: %w", err)
	}
	line, err := geom.ParseNormRect(z.Line, width, height)
	if err != nil {
		return geom.Rect{}, 0, fmt.Errorf("count line: %w", err)
	}
	return roi, line.Y1, nil
}

// Session is the context for one capture session. Registration, Classes
// and Zones are fixed at creation; the telemetry fix and location label
// change as the session runs.
type Session struct {
	Registration Registration
	Classes      vision.ClassMap
	Zones        Zones

	mu       sync.RWMutex
	reading  telemetry.SensorReading
	readAt   time.Time
	location string

	// cached pixel zones for the last frame size seen
	zoneW, zoneH int
	roi          geom.Rect
	lineY        float64
}

// New creates a session. Zones are validated up front so per-frame
// resolution cannot fail.
func New(reg Registration, classes vision.ClassMap, zones Zones) (*Session, error) {
	if err := zones.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		Registration: reg,
		Classes:      classes,
		Zones:        zones,
		location:     UnknownLocation,
	}, nil
}

// ZonesFor returns the pixel ROI and count-line y for a frame size,
// recomputing only when the size changes.
func (s *Session) ZonesFor(width, height int) (geom.Rect, float64) {
	if width != s.zoneW || height != s.zoneH {
		// Validated in New, so only the frame size can vary here.
		s.roi, s.lineY, _ = s.Zones.Pixels(width, height)
		s.zoneW, s.zoneH = width, height
	}
	return s.roi, s.lineY
}

// ObserveSensor records the latest telemetry reading.
func (s *Session) ObserveSensor(r telemetry.SensorReading, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
	s.readAt = at
}

// Sensor returns the last reading and when it arrived.
func (s *Session) Sensor() (telemetry.SensorReading, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading, s.readAt
}

// HasFix reports whether the last reading carried a position.
func (s *Session) HasFix() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading.HasFix()
}

// Location returns the current location label.
func (s *Session) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// SetLocation replaces the location label. Empty names are ignored.
func (s *Session) SetLocation(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = name
}
