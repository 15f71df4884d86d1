package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the type of road event.
type Kind string

const (
	KindAccident Kind = "accident"
	KindTraffic  Kind = "traffic"
	KindRelay    Kind = "relay"
)

// Event is a road event awaiting delivery. Sinks choose which fields they
// serialise; zero values are omitted where the kind does not use them.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	CarID        string    `json:"carId"`
	RegNumber    string    `json:"regNumber"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	LocationName string    `json:"locationName"`
	Severity     string    `json:"severity,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Level        string    `json:"level,omitempty"`
	Density      int       `json:"density,omitempty"`
	Crossings    int       `json:"crossings,omitempty"`
	Payload      string    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewEvent returns an event of the given kind with a fresh ID.
func NewEvent(kind Kind, createdAt time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: createdAt,
	}
}

// TimestampMillis is the event time as Unix milliseconds.
func (e Event) TimestampMillis() int64 {
	return e.CreatedAt.UnixMilli()
}

// PendingEvent is an event held in the offline buffer.
type PendingEvent struct {
	Event      Event
	EnqueuedAt time.Time
	Attempts   int
}

// VehicleState is the current-state record overwritten on the primary store.
type VehicleState struct {
	CarID        string    `json:"carId"`
	RegNumber    string    `json:"regNumber"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Temp         float64   `json:"temp"`
	Hum          float64   `json:"hum"`
	LocationName string    `json:"locationName"`
	AccidentOn   bool      `json:"accident"`
	Occupancy    int       `json:"density"`
	Level        string    `json:"level"`
	Crossings    int       `json:"crossings"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Outcome is what happened to an event at the primary store.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeFlushed   Outcome = "flushed"
	OutcomeSkipped   Outcome = "skipped" // no primary store configured
	OutcomeRejected  Outcome = "rejected" // the store can never accept it
)
