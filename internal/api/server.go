// Package api serves the local HTTP surface: loop status, the event
// journal, occupancy history and chart, the alert websocket and metrics.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/roadwatch/internal/db"
	"github.com/banshee-data/roadwatch/internal/dispatch"
	"github.com/banshee-data/roadwatch/internal/httputil"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/pipeline"
	"github.com/banshee-data/roadwatch/internal/version"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// StatusSource is implemented by *pipeline.Pipeline.
type StatusSource interface {
	Status() pipeline.Status
	History() []pipeline.Sample
}

// ConnectivitySource is implemented by *dispatch.Dispatcher.
type ConnectivitySource interface {
	Snapshot() dispatch.Snapshot
}

// EventStore is implemented by *db.DB.
type EventStore interface {
	RecentEvents(limit int) ([]db.JournalEntry, error)
	CountByOutcome() (map[dispatch.Outcome]int, error)
}

// Options wires a Server. Any field may be nil; the matching routes then
// answer 503.
type Options struct {
	Pipeline     StatusSource
	Connectivity ConnectivitySource
	Events       EventStore
	Alerts       http.Handler
	Metrics      *metrics.Metrics
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version      string             `json:"version"`
	Loop         *pipeline.Status   `json:"loop,omitempty"`
	Connectivity *dispatch.Snapshot `json:"connectivity,omitempty"`
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []db.JournalEntry         `json:"events"`
	Counts map[dispatch.Outcome]int `json:"counts"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, status and duration. The alert
// websocket is passed through untouched since it must hijack the
// connection.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/charts/traffic", s.handleTrafficChart)
	if s.opts.Alerts != nil {
		mux.Handle("/ws", s.opts.Alerts)
	}
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics.Handler())
	}
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{Version: version.Version}
	if s.opts.Pipeline != nil {
		st := s.opts.Pipeline.Status()
		resp.Loop = &st
	}
	if s.opts.Connectivity != nil {
		snap := s.opts.Connectivity.Snapshot()
		resp.Connectivity = &snap
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Events == nil {
		httputil.ServiceUnavailable(w, "event journal not configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.opts.Events.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read events: "+err.Error())
		return
	}
	counts, err := s.opts.Events.CountByOutcome()
	if err != nil {
		httputil.InternalServerError(w, "failed to count events: "+err.Error())
		return
	}
	if events == nil {
		events = []db.JournalEntry{}
	}
	httputil.WriteJSONOK(w, EventsResponse{Events: events, Counts: counts})
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Pipeline == nil {
		httputil.ServiceUnavailable(w, "pipeline not running")
		return
	}
	httputil.WriteJSONOK(w, s.opts.Pipeline.History())
}
