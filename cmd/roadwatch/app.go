package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/roadwatch/internal/accident"
	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/db"
	"github.com/banshee-data/roadwatch/internal/geocode"
	"github.com/banshee-data/roadwatch/internal/serialmux"
	"github.com/banshee-data/roadwatch/internal/session"
	"github.com/banshee-data/roadwatch/internal/sink"
	"github.com/banshee-data/roadwatch/internal/traffic"
	"github.com/banshee-data/roadwatch/internal/vision"
)

const defaultTuningHint = config.DefaultConfigPath + " if present, else built-in defaults"

// mockLineInterval paces replayed device-link lines.
const mockLineInterval = 500 * time.Millisecond

// loadTuning loads path, or the defaults file when path is empty and the
// file exists, or an empty config whose getters return built-in defaults.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadTuningConfig(config.DefaultConfigPath)
	}
	return config.EmptyTuningConfig(), nil
}

// classMapFor builds the class map once. Without configured accident
// classes, labels mentioning an accident keyword are used.
func classMapFor(t *config.TuningConfig) vision.ClassMap {
	accidentIDs := t.AccidentClasses
	if len(accidentIDs) == 0 {
		accidentIDs = vision.AccidentIDsFromLabels(t.ClassLabels)
	}
	return vision.NewClassMap(accidentIDs, t.VehicleClasses, t.ClassLabels)
}

func newSmoother(t *config.TuningConfig) *accident.Smoother {
	return accident.NewSmoother(t.GetSmoother())
}

func newCounter(t *config.TuningConfig) *traffic.Counter {
	return traffic.NewCounter(t.GetCooldownFrames())
}

type registrationFlags struct {
	RegNumber string
	Owner     string
	Phone     string
	MAC       string
}

type registrationStore interface {
	LoadRegistration() (session.Registration, error)
	SaveRegistration(session.Registration) error
}

// resolveRegistration returns the vehicle identity. With a registration
// number on the command line the stored record is created or replaced and
// created reports true so the caller uploads it; otherwise the stored
// record is required.
func resolveRegistration(store registrationStore, f registrationFlags, now time.Time) (reg session.Registration, created bool, err error) {
	existing, loadErr := store.LoadRegistration()
	if loadErr != nil && !errors.Is(loadErr, db.ErrNotRegistered) {
		return session.Registration{}, false, loadErr
	}

	if strings.TrimSpace(f.RegNumber) == "" {
		if loadErr != nil {
			return session.Registration{}, false, errors.New("vehicle not registered; run once with -reg")
		}
		return existing, false, nil
	}

	reg, err = session.NewRegistration(f.RegNumber, f.Owner, f.Phone, f.MAC, now)
	if err != nil {
		return session.Registration{}, false, err
	}
	if loadErr == nil && existing.CarID == reg.CarID {
		reg.CreatedAt = existing.CreatedAt
		if reg == existing {
			return existing, false, nil
		}
	}
	if err := store.SaveRegistration(reg); err != nil {
		return session.Registration{}, false, err
	}
	return reg, true, nil
}

// openDeviceLink returns the real port, a replay of mockFile, or a
// disabled link.
func openDeviceLink(ctx context.Context, port, mockFile string, disabled bool, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	switch {
	case disabled:
		return serialmux.NewDisabledSerialMux(), nil
	case mockFile != "":
		lines, err := readLines(mockFile)
		if err != nil {
			return nil, err
		}
		mux, _ := serialmux.NewMockSerialMux(ctx, lines, mockLineInterval)
		return mux, nil
	default:
		return serialmux.NewRealSerialMux(port, opts)
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if l := strings.TrimSpace(scan.Text()); l != "" && !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s has no lines to replay", path)
	}
	return lines, nil
}

// settings read from the environment (and .env).
type settings struct {
	FirebaseURL     string
	FirebaseAuth    string
	GoogleAPIKey    string
	GeocodeEndpoint string
}

func envSettings() settings {
	return settings{
		FirebaseURL:     os.Getenv("FIREBASE_URL"),
		FirebaseAuth:    os.Getenv("FIREBASE_AUTH"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		GeocodeEndpoint: os.Getenv("GEOCODE_ENDPOINT"),
	}
}

// newPrimary returns nil when no store is configured.
func newPrimary(s settings) *sink.Cloud {
	if s.FirebaseURL == "" {
		return nil
	}
	return sink.NewCloud(s.FirebaseURL, s.FirebaseAuth, nil)
}

// newGeocoder returns nil when no API key is configured, so callers can
// leave the interface unset.
func newGeocoder(s settings, cacheSize int) geocode.Geocoder {
	if s.GoogleAPIKey == "" {
		return nil
	}
	endpoint := s.GeocodeEndpoint
	if endpoint == "" {
		endpoint = geocode.DefaultEndpoint
	}
	g := geocode.NewGoogle(endpoint, s.GoogleAPIKey, nil)
	if cacheSize == 0 {
		return g
	}
	return geocode.NewCached(g, cacheSize)
}

// openFrameSource starts the detector command when given, else reads the
// NDJSON stream from source ("-" for stdin).
func openFrameSource(ctx context.Context, command, source string, width, height int) (vision.FrameSource, func(), error) {
	if command = strings.TrimSpace(command); command != "" {
		fields := strings.Fields(command)
		cs, err := vision.StartCommand(ctx, width, height, fields[0], fields[1:]...)
		if err != nil {
			return nil, nil, err
		}
		return cs, func() { _ = cs.Close() }, nil
	}

	var r io.ReadCloser = os.Stdin
	if source != "" && source != "-" {
		f, err := os.Open(source)
		if err != nil {
			return nil, nil, err
		}
		r = f
	}
	return vision.NewStreamSource(r, width, height), func() { _ = r.Close() }, nil
}
