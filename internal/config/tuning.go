package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/roadwatch/internal/accident"
	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/serialmux"
	"github.com/banshee-data/roadwatch/internal/session"
	"github.com/banshee-data/roadwatch/internal/traffic"
)

// DefaultConfigPath is the canonical tuning defaults file.
const DefaultConfigPath = "config/roadwatch.defaults.json"

// TuningConfig holds the detector, counter, dispatch and device-link
// tuning. Every field is optional; the Get* methods supply defaults for
// anything the file leaves out.
type TuningConfig struct {
	// Detector classes
	AccidentClasses []int          `json:"accident_classes,omitempty"`
	VehicleClasses  []int          `json:"vehicle_classes,omitempty"`
	ClassLabels     map[int]string `json:"class_labels,omitempty"`

	// Accident smoother
	AccidentEnabled *bool    `json:"accident_enabled,omitempty"`
	RiseFrames      *int     `json:"rise_frames,omitempty"`
	FallFrames      *int     `json:"fall_frames,omitempty"`
	IoUMatch        *float64 `json:"iou_match,omitempty"`

	// Traffic counter
	TrafficEnabled *bool   `json:"traffic_enabled,omitempty"`
	CooldownFrames *int    `json:"cooldown_frames,omitempty"`
	LowMax         *int    `json:"low_max,omitempty"`
	MediumMax      *int    `json:"medium_max,omitempty"`
	ROI            *string `json:"roi,omitempty"`        // normalized "x1,y1,x2,y2"
	CountLine      *string `json:"count_line,omitempty"` // normalized "x1,y,x2,y"

	// Dispatch, durations like "10s"
	CheckInterval *string `json:"check_interval,omitempty"`
	SinkTimeout   *string `json:"sink_timeout,omitempty"`
	ProbeTimeout  *string `json:"probe_timeout,omitempty"`
	StateInterval *string `json:"state_interval,omitempty"`

	// Geocoding
	GeocodeTimeout   *string `json:"geocode_timeout,omitempty"`
	GeocodeCacheSize *int    `json:"geocode_cache_size,omitempty"`

	// Status history
	SampleInterval *string `json:"sample_interval,omitempty"`
	HistorySize    *int    `json:"history_size,omitempty"`

	// Device link and alert line
	Serial *serialmux.PortOptions `json:"serial,omitempty"`
}

// EmptyTuningConfig returns a config with every field unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig reads and validates a JSON tuning file. Omitted fields
// keep their defaults, so partial files are fine.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. Panics if not found; intended for tests.
func MustLoadDefaultConfig() *TuningConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadTuningConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks ranges and that durations and zones parse.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*int{
		"rise_frames":     c.RiseFrames,
		"fall_frames":     c.FallFrames,
		"cooldown_frames": c.CooldownFrames,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.IoUMatch != nil && (*c.IoUMatch <= 0 || *c.IoUMatch > 1) {
		return fmt.Errorf("iou_match must be in (0, 1], got %f", *c.IoUMatch)
	}

	b := c.GetBands()
	if b.LowMax < 0 || b.MediumMax <= b.LowMax {
		return fmt.Errorf("density bands must satisfy 0 <= low_max < medium_max, got %d and %d", b.LowMax, b.MediumMax)
	}

	for name, v := range map[string]*string{
		"check_interval":  c.CheckInterval,
		"sink_timeout":    c.SinkTimeout,
		"probe_timeout":   c.ProbeTimeout,
		"state_interval":  c.StateInterval,
		"geocode_timeout": c.GeocodeTimeout,
		"sample_interval": c.SampleInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.HistorySize != nil && *c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", *c.HistorySize)
	}
	if c.GeocodeCacheSize != nil && *c.GeocodeCacheSize < 0 {
		return fmt.Errorf("geocode_cache_size must be non-negative, got %d", *c.GeocodeCacheSize)
	}

	if err := c.GetZones().Validate(); err != nil {
		return err
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetAccidentEnabled reports whether the accident analysis runs.
func (c *TuningConfig) GetAccidentEnabled() bool { return boolOr(c.AccidentEnabled, true) }

// GetTrafficEnabled reports whether the traffic analysis runs.
func (c *TuningConfig) GetTrafficEnabled() bool { return boolOr(c.TrafficEnabled, true) }

// GetSmoother returns the accident hysteresis thresholds.
func (c *TuningConfig) GetSmoother() accident.Config {
	d := accident.DefaultConfig()
	iou := d.IoUMatch
	if c.IoUMatch != nil {
		iou = *c.IoUMatch
	}
	return accident.Config{
		RiseFrames: intOr(c.RiseFrames, d.RiseFrames),
		FallFrames: intOr(c.FallFrames, d.FallFrames),
		IoUMatch:   iou,
	}
}

// GetCooldownFrames returns the per-identity recount cooldown.
func (c *TuningConfig) GetCooldownFrames() int {
	return intOr(c.CooldownFrames, traffic.DefaultCooldownFrames)
}

// GetBands returns the density level bands.
func (c *TuningConfig) GetBands() traffic.Bands {
	d := traffic.DefaultBands()
	return traffic.Bands{
		LowMax:    intOr(c.LowMax, d.LowMax),
		MediumMax: intOr(c.MediumMax, d.MediumMax),
	}
}

// GetZones returns the ROI and count line.
func (c *TuningConfig) GetZones() session.Zones {
	z := session.DefaultZones()
	if c.ROI != nil && *c.ROI != "" {
		z.ROI = *c.ROI
	}
	if c.CountLine != nil && *c.CountLine != "" {
		z.Line = *c.CountLine
	}
	return z
}

// GetDispatch returns the dispatcher timing.
func (c *TuningConfig) GetDispatch() dispatch.Config {
	d := dispatch.DefaultConfig()
	return dispatch.Config{
		CheckInterval: durationOr(c.CheckInterval, d.CheckInterval),
		SinkTimeout:   durationOr(c.SinkTimeout, d.SinkTimeout),
		ProbeTimeout:  durationOr(c.ProbeTimeout, d.ProbeTimeout),
	}
}

// GetStateInterval is the minimum gap between vehicle state uploads.
func (c *TuningConfig) GetStateInterval() time.Duration {
	return durationOr(c.StateInterval, time.Second)
}

// GetGeocodeTimeout bounds a single reverse-geocode request.
func (c *TuningConfig) GetGeocodeTimeout() time.Duration {
	return durationOr(c.GeocodeTimeout, 4*time.Second)
}

// GetGeocodeCacheSize is the number of cached grid cells; 0 disables the cache.
func (c *TuningConfig) GetGeocodeCacheSize() int {
	return intOr(c.GeocodeCacheSize, 1024)
}

// GetSampleInterval is the gap between status history samples.
func (c *TuningConfig) GetSampleInterval() time.Duration {
	return durationOr(c.SampleInterval, time.Second)
}

// GetHistorySize is the number of status samples kept.
func (c *TuningConfig) GetHistorySize() int {
	return intOr(c.HistorySize, 600)
}

// GetSerial returns the device-link options, defaulting to 115200 8N1.
func (c *TuningConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}
