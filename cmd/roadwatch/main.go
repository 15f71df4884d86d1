package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/roadwatch/internal/api"
	"github.com/banshee-data/roadwatch/internal/db"
	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/pipeline"
	"github.com/banshee-data/roadwatch/internal/session"
	"github.com/banshee-data/roadwatch/internal/sink"
	"github.com/banshee-data/roadwatch/internal/telemetry"
	"github.com/banshee-data/roadwatch/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbPath        = flag.String("db", "roadwatch.db", "SQLite database path")
	configPath    = flag.String("config", "", "Tuning JSON file (default: "+defaultTuningHint+")")
	envFile       = flag.String("env", ".env", "Optional .env file with FIREBASE_URL, FIREBASE_AUTH, GOOGLE_API_KEY")
	serialPort    = flag.String("serial", "/dev/ttyUSB0", "Device link serial port")
	disableSerial = flag.Bool("disable-serial", false, "Run without a device link")
	serialMock    = flag.String("serial-mock", "", "Replay device-link lines from this file instead of a real port")
	alertLine     = flag.String("alert-line", "", "Serial/RFCOMM device for phone alerts, e.g. /dev/rfcomm0")
	source        = flag.String("source", "-", "Detector NDJSON stream: file path or - for stdin")
	detector      = flag.String("detector", "", "Detector command whose stdout is the NDJSON stream (overrides -source)")
	frameWidth    = flag.Int("width", 1280, "Frame width when the stream omits it")
	frameHeight   = flag.Int("height", 720, "Frame height when the stream omits it")
	probeURL      = flag.String("probe-url", sink.DefaultProbeURL, "URL probed to decide connectivity")
	regNumber     = flag.String("reg", "", "Vehicle registration number (registers or replaces the stored vehicle)")
	ownerName     = flag.String("owner", "", "Owner name for registration")
	phone         = flag.String("phone", "", "Owner phone for registration")
	btMAC         = flag.String("bt-mac", "", "Paired phone Bluetooth MAC for registration")
	devMigrations = flag.Bool("dev-migrations", false, "Load migrations from internal/db/migrations on disk")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	if err := loadEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}

	tuning, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	db.DevMode = *devMigrations
	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	reg, created, err := resolveRegistration(database, registrationFlags{
		RegNumber: *regNumber, Owner: *ownerName, Phone: *phone, MAC: *btMAC,
	}, time.Now())
	if err != nil {
		log.Fatalf("registration: %v", err)
	}
	log.Printf("vehicle %s (%s)", reg.RegNumber, reg.CarID)

	sess, err := session.New(reg, classMapFor(tuning), tuning.GetZones())
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	link, err := openDeviceLink(ctx, *serialPort, *serialMock, *disableSerial, tuning.GetSerial())
	if err != nil {
		log.Fatalf("failed to open device link: %v", err)
	}
	defer link.Close()

	var wg sync.WaitGroup

	// The subscription must exist before Monitor starts reading.
	linkSubID, lines := link.Subscribe()
	defer link.Unsubscribe(linkSubID)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("device link monitor stopped: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	env := envSettings()
	primary := newPrimary(env)
	if primary != nil && created {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, tuning.GetDispatch().SinkTimeout)
			defer cancel()
			if err := primary.Register(rctx, reg); err != nil {
				log.Printf("failed to upload registration: %v", err)
			}
		}()
	}

	dopts := dispatch.Options{
		Config:  tuning.GetDispatch(),
		Prober:  &sink.HTTPProber{URL: *probeURL},
		Journal: database,
		Metrics: m,
	}
	if primary != nil {
		dopts.Primary = primary
	} else {
		log.Print("FIREBASE_URL not set; events are journalled locally only")
	}
	dispatcher := dispatch.New(dopts)
	dispatcher.AddSecondary(sink.NewRelay(link), dispatch.KindAccident, dispatch.KindTraffic)

	greeting, err := sink.EncodeLine(sink.NewGreeting(reg))
	if err != nil {
		log.Fatalf("failed to encode greeting: %v", err)
	}
	hub := sink.NewHub(greeting, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	var line *sink.LineWriter
	if *alertLine != "" {
		line, err = sink.NewLineWriter(*alertLine, tuning.GetSerial(), greeting)
		if err != nil {
			log.Fatalf("alert line: %v", err)
		}
		defer line.Close()
		if err := line.Connect(); err != nil {
			log.Printf("alert line not connected yet: %v", err)
		}
	}
	dispatcher.AddSecondary(sink.NewLocalAlert(hub, line))

	frames, closeFrames, err := openFrameSource(ctx, *detector, *source, *frameWidth, *frameHeight)
	if err != nil {
		log.Fatalf("failed to open detector stream: %v", err)
	}
	defer closeFrames()

	pcfg := pipeline.Config{
		AccidentEnabled: tuning.GetAccidentEnabled(),
		TrafficEnabled:  tuning.GetTrafficEnabled(),
		Bands:           tuning.GetBands(),
		StateInterval:   tuning.GetStateInterval(),
		SampleInterval:  tuning.GetSampleInterval(),
		HistorySize:     tuning.GetHistorySize(),
		GeocodeTimeout:  tuning.GetGeocodeTimeout(),
	}
	deps := pipeline.Deps{
		Session:    sess,
		Source:     frames,
		Ingest:     telemetry.NewIngest(lines),
		Dispatcher: dispatcher,
		Smoother:   newSmoother(tuning),
		Counter:    newCounter(tuning),
		Metrics:    m,
	}
	if g := newGeocoder(env, tuning.GetGeocodeCacheSize()); g != nil {
		deps.Geocoder = g
	} else {
		log.Print("GOOGLE_API_KEY not set; location names stay Unknown")
	}
	loop, err := pipeline.New(pcfg, deps)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	// The loop ending (stream exhausted or failed) shuts everything down.
	// It is not in wg: a read blocked on stdin cannot be interrupted.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		defer stop()
		if err := loop.Run(ctx); err != nil {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Options{
			Pipeline:     loop,
			Connectivity: dispatcher,
			Events:       database,
			Alerts:       hub,
			Metrics:      m,
		}).ServeMux()
		link.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		log.Print("pipeline still blocked on the detector stream; exiting anyway")
	}
	// Let in-flight sink calls finish or time out; the offline buffer is
	// not flushed at shutdown.
	dispatcher.Wait()
	if n := len(dispatcher.Pending()); n > 0 {
		log.Printf("%d buffered events were not delivered", n)
	}
	log.Printf("Graceful shutdown complete")
}

// loadEnv reads path into the environment without overriding variables
// already set. A missing file is not an error.
func loadEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
