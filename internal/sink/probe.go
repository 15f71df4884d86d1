package sink

import (
	"context"
	"io"
	"net/http"

	"github.com/banshee-data/roadwatch/internal/httputil"
)

// DefaultProbeURL is fetched to decide whether the uplink works.
const DefaultProbeURL = "https://www.google.com"

// HTTPProber reports the uplink reachable when a GET to URL gets any HTTP
// response at all; only transport failures count as unreachable.
type HTTPProber struct {
	URL    string
	Client httputil.HTTPClient
}

// Probe implements dispatch.Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	target := p.URL
	if target == "" {
		target = DefaultProbeURL
	}
	client := p.Client
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Body.Close()
}
