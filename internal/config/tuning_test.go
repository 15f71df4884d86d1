package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/roadwatch/internal/accident"
	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/serialmux"
	"github.com/banshee-data/roadwatch/internal/session"
	"github.com/banshee-data/roadwatch/internal/traffic"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if diff := cmp.Diff(accident.DefaultConfig(), cfg.GetSmoother()); diff != "" {
		t.Errorf("GetSmoother() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(traffic.DefaultBands(), cfg.GetBands()); diff != "" {
		t.Errorf("GetBands() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(dispatch.DefaultConfig(), cfg.GetDispatch()); diff != "" {
		t.Errorf("GetDispatch() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(session.DefaultZones(), cfg.GetZones()); diff != "" {
		t.Errorf("GetZones() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.GetCooldownFrames(); got != 5 {
		t.Errorf("GetCooldownFrames() = %d, want 5", got)
	}
	if !cfg.GetAccidentEnabled() || !cfg.GetTrafficEnabled() {
		t.Error("both analyses should default to enabled")
	}
	if cfg.GetStateInterval() != time.Second || cfg.GetSampleInterval() != time.Second {
		t.Errorf("unexpected intervals %v %v", cfg.GetStateInterval(), cfg.GetSampleInterval())
	}
	if cfg.GetGeocodeTimeout() != 4*time.Second {
		t.Errorf("GetGeocodeTimeout() = %v", cfg.GetGeocodeTimeout())
	}
	if cfg.GetHistorySize() != 600 || cfg.GetGeocodeCacheSize() != 1024 {
		t.Errorf("unexpected sizes %d %d", cfg.GetHistorySize(), cfg.GetGeocodeCacheSize())
	}
	want := serialmux.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got := cfg.GetSerial(); got != want {
		t.Errorf("GetSerial() = %+v, want %+v", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, `{
  "accident_classes": [1, 4],
  "vehicle_classes": [2],
  "class_labels": {"1": "collision", "2": "car"},
  "traffic_enabled": false,
  "rise_frames": 4,
  "iou_match": 0.5,
  "low_max": 2,
  "medium_max": 6,
  "roi": "0,0,1,1",
  "check_interval": "30s",
  "sink_timeout": "1500ms",
  "serial": {"baud_rate": 9600}
}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if diff := cmp.Diff([]int{1, 4}, cfg.AccidentClasses); diff != "" {
		t.Errorf("AccidentClasses mismatch:\n%s", diff)
	}
	if cfg.ClassLabels[1] != "collision" || cfg.ClassLabels[2] != "car" {
		t.Errorf("ClassLabels = %v", cfg.ClassLabels)
	}
	if cfg.GetTrafficEnabled() {
		t.Error("traffic should be disabled")
	}
	if got := cfg.GetSmoother(); got.RiseFrames != 4 || got.FallFrames != 6 || got.IoUMatch != 0.5 {
		t.Errorf("GetSmoother() = %+v", got)
	}
	if got := cfg.GetBands(); got.LowMax != 2 || got.MediumMax != 6 {
		t.Errorf("GetBands() = %+v", got)
	}
	if got := cfg.GetZones(); got.ROI != "0,0,1,1" || got.Line != session.DefaultZones().Line {
		t.Errorf("GetZones() = %+v", got)
	}
	d := cfg.GetDispatch()
	if d.CheckInterval != 30*time.Second || d.SinkTimeout != 1500*time.Millisecond || d.ProbeTimeout != 2*time.Second {
		t.Errorf("GetDispatch() = %+v", d)
	}
	if got := cfg.GetSerial(); got.BaudRate != 9600 || got.Parity != "N" {
		t.Errorf("GetSerial() = %+v", got)
	}
}

func TestLoadTuningConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad json", `{"rise_frames":`, "failed to parse"},
		{"zero rise", `{"rise_frames": 0}`, "rise_frames"},
		{"zero cooldown", `{"cooldown_frames": 0}`, "cooldown_frames"},
		{"iou out of range", `{"iou_match": 1.5}`, "iou_match"},
		{"inverted bands", `{"low_max": 8, "medium_max": 3}`, "density bands"},
		{"bad duration", `{"check_interval": "soon"}`, "check_interval"},
		{"negative duration", `{"sink_timeout": "-1s"}`, "sink_timeout"},
		{"bad roi", `{"roi": "0,0,1"}`, "roi"},
		{"bad history", `{"history_size": 0}`, "history_size"},
		{"bad serial", `{"serial": {"parity": "mark"}}`, "serial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTuningConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTuningConfigPath(t *testing.T) {
	if _, err := LoadTuningConfig("tuning.yaml"); err == nil || !strings.Contains(err.Error(), ".json") {
		t.Errorf("expected extension error, got %v", err)
	}
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(big, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestDefaultsFileMatchesGetters(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	if diff := cmp.Diff(empty.GetSmoother(), cfg.GetSmoother()); diff != "" {
		t.Errorf("smoother defaults drifted:\n%s", diff)
	}
	if diff := cmp.Diff(empty.GetBands(), cfg.GetBands()); diff != "" {
		t.Errorf("band defaults drifted:\n%s", diff)
	}
	if diff := cmp.Diff(empty.GetDispatch(), cfg.GetDispatch()); diff != "" {
		t.Errorf("dispatch defaults drifted:\n%s", diff)
	}
	if diff := cmp.Diff(empty.GetZones(), cfg.GetZones()); diff != "" {
		t.Errorf("zone defaults drifted:\n%s", diff)
	}
	if empty.GetSerial() != cfg.GetSerial() {
		t.Errorf("serial defaults drifted: %+v vs %+v", empty.GetSerial(), cfg.GetSerial())
	}
	if cfg.GetCooldownFrames() != empty.GetCooldownFrames() ||
		cfg.GetHistorySize() != empty.GetHistorySize() ||
		cfg.GetGeocodeCacheSize() != empty.GetGeocodeCacheSize() ||
		cfg.GetStateInterval() != empty.GetStateInterval() ||
		cfg.GetGeocodeTimeout() != empty.GetGeocodeTimeout() {
		t.Error("scalar defaults drifted")
	}
	if len(cfg.AccidentClasses) == 0 || len(cfg.VehicleClasses) == 0 {
		t.Error("defaults file should name accident and vehicle classes")
	}
}
