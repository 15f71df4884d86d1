// Package geocode turns a position fix into a short human-readable
// location label such as "Magadi Road, Kottigepalya".
package geocode

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"sync"

	"github.com/banshee-data/roadwatch/internal/httputil"
)

// Unknown is returned when no label can be derived.
const Unknown = "Unknown"

// DefaultEndpoint is the Google reverse geocoding API.
const DefaultEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

// Geocoder resolves a position to a location label.
type Geocoder interface {
	Locate(ctx context.Context, lat, lng float64) (string, error)
}

// Google reverse-geocodes with the Google Maps geocoding API.
type Google struct {
	endpoint string
	apiKey   string
	client   httputil.HTTPClient
}

// NewGoogle creates a client. An empty endpoint uses DefaultEndpoint.
func NewGoogle(endpoint, apiKey string, client httputil.HTTPClient) *Google {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Google{endpoint: endpoint, apiKey: apiKey, client: client}
}

type component struct {
	LongName string   `json:"long_name"`
	Types    []string `json:"types"`
}

type result struct {
	FormattedAddress  string      `json:"formatted_address"`
	AddressComponents []component `json:"address_components"`
}

type response struct {
	Status       string   `json:"status"`
	ErrorMessage string   `json:"error_message"`
	Results      []result `json:"results"`
}

// Locate implements Geocoder. A response with no results yields Unknown
// and no error.
func (g *Google) Locate(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("latlng", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("key", g.apiKey)
	q.Set("result_type", "route|street_address|sublocality")

	var resp response
	if err := httputil.GetJSON(ctx, g.client, g.endpoint+"?"+q.Encode(), &resp); err != nil {
		return Unknown, fmt.Errorf("geocode %f,%f: %w", lat, lng, err)
	}
	switch resp.Status {
	case "OK", "":
	case "ZERO_RESULTS":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("geocode %f,%f: %s %s", lat, lng, resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 {
		return Unknown, nil
	}
	return Label(resp.Results[0]), nil
}

// Label picks the most useful name from a geocoding result, preferring
// road and area, then road and city, area and city, road alone, area
// alone, and finally the formatted address.
func Label(r result) string {
	var road, area, city string
	for _, c := range r.AddressComponents {
		has := func(t ...string) bool {
			return slices.ContainsFunc(c.Types, func(s string) bool { return slices.Contains(t, s) })
		}
		if road == "" && has("route") {
			road = c.LongName
		}
		if area == "" && has("sublocality", "sublocality_level_1", "neighborhood") {
			area = c.LongName
		}
		if city == "" && has("locality") {
			city = c.LongName
		}
	}
	switch {
	case road != "" && area != "":
		return road + ", " + area
	case road != "" && city != "":
		return road + ", " + city
	case area != "" && city != "":
		return area + ", " + city
	case road != "":
		return road
	case area != "":
		return area
	case r.FormattedAddress != "":
		return r.FormattedAddress
	}
	return Unknown
}

// Cached memoises labels on a grid of roughly 100m cells so a parked or
// slow vehicle does not re-query on every trigger.
type Cached struct {
	next    Geocoder
	maxSize int

	mu     sync.Mutex
	labels map[[2]int64]string
	order  [][2]int64
}

// cellScale sets the grid to 1e-3 degrees.
const cellScale = 1e3

// NewCached wraps next with a cache bounded to maxSize cells.
func NewCached(next Geocoder, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Cached{next: next, maxSize: maxSize, labels: make(map[[2]int64]string)}
}

func cellOf(lat, lng float64) [2]int64 {
	return [2]int64{int64(math.Round(lat * cellScale)), int64(math.Round(lng * cellScale))}
}

// Locate implements Geocoder. Errors and Unknown labels are not cached.
func (c *Cached) Locate(ctx context.Context, lat, lng float64) (string, error) {
	key := cellOf(lat, lng)
	c.mu.Lock()
	if l, ok := c.labels[key]; ok {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	l, err := c.next.Locate(ctx, lat, lng)
	if err != nil || l == Unknown {
		return l, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.labels[key]; !ok {
		if len(c.order) >= c.maxSize {
			delete(c.labels, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key)
	}
	c.labels[key] = l
	return l, nil
}
