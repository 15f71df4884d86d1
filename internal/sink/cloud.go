// Package sink implements the delivery targets for road events: the cloud
// object store, the LoRa peer relay on the device link and the local alert
// channel.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/httputil"
	"github.com/banshee-data/roadwatch/internal/session"
)

// Record sources written alongside each appended record.
const (
	SourceVision = "roadwatch"
	SourceRelay  = "lora-relay"
)

// Cloud is a Firebase-style REST object store. Paths are "<name>.json"
// under the base URL; PUT overwrites a key and POST appends a child.
type Cloud struct {
	baseURL string
	auth    string
	client  httputil.HTTPClient
}

// NewCloud creates a store client. auth, when set, is sent as the "auth"
// query parameter.
func NewCloud(baseURL, auth string, client httputil.HTTPClient) *Cloud {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Cloud{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		client:  client,
	}
}

type accidentRecord struct {
	CarID        string  `json:"carId"`
	RegNumber    string  `json:"regNumber"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationName string  `json:"locationName"`
	Severity     string  `json:"severity"`
	Confidence   float64 `json:"confidence"`
	Timestamp    int64   `json:"timestamp"`
	Source       string  `json:"source"`
}

type trafficRecord struct {
	CarID        string  `json:"carId"`
	RegNumber    string  `json:"regNumber"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationName string  `json:"locationName"`
	Level        string  `json:"level"`
	Density      int     `json:"density"`
	Crossings    int     `json:"crossings"`
	Timestamp    int64   `json:"timestamp"`
	Source       string  `json:"source"`
}

type relayRecord struct {
	CarID        string  `json:"carId"`
	RegNumber    string  `json:"regNumber"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationName string  `json:"locationName"`
	Payload      string  `json:"payload"`
	Timestamp    int64   `json:"timestamp"`
	Source       string  `json:"source"`
}

type vehicleRecord struct {
	RegNumber    string  `json:"regNumber"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationName string  `json:"locationName"`
	TrafficLevel *string `json:"trafficLevel"`
	IsAccident   bool    `json:"isAccident"`
	Density      int     `json:"density"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	LastUpdate   int64   `json:"lastUpdate"`
}

type carRecord struct {
	CarID        string `json:"carId"`
	RegNumber    string `json:"regNumber"`
	OwnerName    string `json:"ownerName"`
	Phone        string `json:"phone"`
	BluetoothMAC string `json:"bluetoothMac"`
	CreatedAt    int64  `json:"createdAt"`
}

// Deliver appends ev to the collection for its kind.
func (c *Cloud) Deliver(ctx context.Context, ev dispatch.Event) error {
	switch ev.Kind {
	case dispatch.KindAccident:
		return c.send(ctx, http.MethodPost, "accidents", accidentRecord{
			CarID:        ev.CarID,
			RegNumber:    ev.RegNumber,
			Latitude:     ev.Lat,
			Longitude:    ev.Lng,
			LocationName: ev.LocationName,
			Severity:     ev.Severity,
			Confidence:   ev.Confidence,
			Timestamp:    ev.TimestampMillis(),
			Source:       SourceVision,
		})
	case dispatch.KindTraffic:
		return c.send(ctx, http.MethodPost, "traffic", trafficRecord{
			CarID:        ev.CarID,
			RegNumber:    ev.RegNumber,
			Latitude:     ev.Lat,
			Longitude:    ev.Lng,
			LocationName: ev.LocationName,
			Level:        ev.Level,
			Density:      ev.Density,
			Crossings:    ev.Crossings,
			Timestamp:    ev.TimestampMillis(),
			Source:       SourceVision,
		})
	case dispatch.KindRelay:
		return c.send(ctx, http.MethodPost, "v2v_messages", relayRecord{
			CarID:        ev.CarID,
			RegNumber:    ev.RegNumber,
			Latitude:     ev.Lat,
			Longitude:    ev.Lng,
			LocationName: ev.LocationName,
			Payload:      ev.Payload,
			Timestamp:    ev.TimestampMillis(),
			Source:       SourceRelay,
		})
	default:
		return fmt.Errorf("%w: unknown event kind %q", dispatch.ErrUnsendable, ev.Kind)
	}
}

// PutState overwrites vehicles/<carId>.
func (c *Cloud) PutState(ctx context.Context, st dispatch.VehicleState) error {
	rec := vehicleRecord{
		RegNumber:    st.RegNumber,
		Latitude:     st.Lat,
		Longitude:    st.Lng,
		LocationName: st.LocationName,
		IsAccident:   st.AccidentOn,
		Density:      st.Occupancy,
		Temperature:  st.Temp,
		Humidity:     st.Hum,
		LastUpdate:   st.UpdatedAt.UnixMilli(),
	}
	if st.Level != "" {
		level := st.Level
		rec.TrafficLevel = &level
	}
	return c.send(ctx, http.MethodPut, "vehicles/"+url.PathEscape(st.CarID), rec)
}

// Register overwrites cars/<carId> with the registration record.
func (c *Cloud) Register(ctx context.Context, reg session.Registration) error {
	return c.send(ctx, http.MethodPut, "cars/"+url.PathEscape(reg.CarID), carRecord{
		CarID:        reg.CarID,
		RegNumber:    reg.RegNumber,
		OwnerName:    reg.OwnerName,
		Phone:        reg.Phone,
		BluetoothMAC: reg.BluetoothMAC,
		CreatedAt:    reg.CreatedAt.UnixMilli(),
	})
}

func (c *Cloud) url(path string) string {
	u := c.baseURL + "/" + path + ".json"
	if c.auth != "" {
		u += "?auth=" + url.QueryEscape(c.auth)
	}
	return u
}

func (c *Cloud) send(ctx context.Context, method, path string, body any) error {
	err := httputil.SendJSON(ctx, c.client, method, c.url(path), body)
	if errors.Is(err, httputil.ErrEncodeBody) {
		return fmt.Errorf("%w: %s %s: %w", dispatch.ErrUnsendable, method, path, err)
	}
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %w", dispatch.ErrSinkStatus, err)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
