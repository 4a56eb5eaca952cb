package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mini-rodalies-3d/tracker/internal/db"
	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/metrics"
	"github.com/mini-rodalies-3d/tracker/internal/parking"
	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
	"github.com/mini-rodalies-3d/tracker/internal/static"
	"github.com/mini-rodalies-3d/tracker/internal/tripcache"
)

// FrameStore publishes the latest pipeline frame to HTTP handlers.
type FrameStore struct {
	p atomic.Pointer[pipeline.Frame]
}

// Store replaces the current frame.
func (s *FrameStore) Store(f *pipeline.Frame) { s.p.Store(f) }

// Load returns the current frame, or nil before the first one.
func (s *FrameStore) Load() *pipeline.Frame { return s.p.Load() }

// Stats is the JSON body of GET /api/stats.
type Stats struct {
	Parking    parking.CacheStats     `json:"parking"`
	TripCache  *tripcache.Stats       `json:"tripCache,omitempty"`
	Speeds     []metrics.SpeedSummary `json:"speeds"`
	Overall    metrics.SpeedSummary   `json:"overall"`
	LastResult *pipeline.Result       `json:"lastResult,omitempty"`
	Batches    int64                  `json:"batches"`
}

// Deps wires the server to the rest of the service. Only Frames is required.
type Deps struct {
	Frames *FrameStore
	Lines  []*geometry.Line

	// Stats reports cache and speed statistics.
	Stats func() Stats
	// SetZoom forwards a zoom change to the pipeline goroutine.
	SetZoom func(zoom float64) error
	// Ping checks backing storage for /health.
	Ping func(ctx context.Context) error
	// DelayStats reads hourly per-line delay aggregates.
	DelayStats func(ctx context.Context, since time.Time) ([]db.LineDelayStats, error)

	// MaxFrameAge marks /health degraded when the last frame or poll is older.
	MaxFrameAge time.Duration

	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the render and diagnostics API.
type Server struct {
	deps  Deps
	lines map[string]*geometry.Line
	now   func() time.Time
}

// NewServer builds a server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Frames == nil {
		deps.Frames = &FrameStore{}
	}
	if deps.MaxFrameAge <= 0 {
		deps.MaxFrameAge = 2 * time.Minute
	}
	lines := make(map[string]*geometry.Line, len(deps.Lines))
	for _, l := range deps.Lines {
		lines[strings.ToUpper(l.ID)] = l
	}
	return &Server{deps: deps, lines: lines, now: time.Now}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/vehicles", s.listVehicles)
		r.Get("/vehicles/{vehicleKey}", s.getVehicle)
		r.Get("/diagnostics", s.diagnostics)
		r.Get("/stats", s.stats)
		r.Get("/delays", s.delays)
		r.Put("/zoom", s.setZoom)
		r.Get("/lines", s.listLines)
		r.Get("/lines/{lineCode}", s.getLine)
	})
	return r
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status    string     `json:"status"`
	Database  string     `json:"database,omitempty"`
	Vehicles  int        `json:"vehicles"`
	FrameAt   *time.Time `json:"frameAt,omitempty"`
	PolledAt  *time.Time `json:"polledAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	resp := HealthResponse{Status: "ok", Timestamp: now}

	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			resp.Status = "error"
			resp.Database = "disconnected"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "connected"
	}

	f := s.deps.Frames.Load()
	switch {
	case f == nil:
		resp.Status = "starting"
	default:
		at, polled := f.At, f.LastPolledAt
		resp.FrameAt = &at
		resp.Vehicles = len(f.Vehicles)
		if !polled.IsZero() {
			resp.PolledAt = &polled
		}
		if now.Sub(f.At) > s.deps.MaxFrameAge || (!polled.IsZero() && now.Sub(polled) > s.deps.MaxFrameAge) {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// VehiclesResponse is the JSON body of GET /api/vehicles.
type VehiclesResponse struct {
	Vehicles []pipeline.RenderedVehicle `json:"vehicles"`
	Count    int                        `json:"count"`
	At       time.Time                  `json:"at"`
	PolledAt time.Time                  `json:"polledAt"`
	Zoom     float64                    `json:"zoom"`
}

// listVehicles handles GET /api/vehicles, optionally filtered by ?line=.
func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	f := s.deps.Frames.Load()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "No frame rendered yet")
		return
	}

	line := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("line")))
	vehicles := make([]pipeline.RenderedVehicle, 0, len(f.Vehicles))
	for _, v := range f.Vehicles {
		if line != "" && v.Line != line {
			continue
		}
		vehicles = append(vehicles, v)
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles: vehicles,
		Count:    len(vehicles),
		At:       f.At,
		PolledAt: f.LastPolledAt,
		Zoom:     f.Zoom,
	})
}

// getVehicle handles GET /api/vehicles/{vehicleKey}
func (s *Server) getVehicle(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "vehicleKey")
	f := s.deps.Frames.Load()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "No frame rendered yet")
		return
	}
	v, ok := f.Vehicle(key)
	if !ok {
		writeError(w, http.StatusNotFound, "Vehicle not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DiagnosticsResponse is the JSON body of GET /api/diagnostics.
type DiagnosticsResponse struct {
	Diagnostics []pipeline.Diagnostic `json:"diagnostics"`
	Count       int                   `json:"count"`
	At          time.Time             `json:"at"`
	Zoom        float64               `json:"zoom"`
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	f := s.deps.Frames.Load()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "No frame rendered yet")
		return
	}
	writeJSON(w, http.StatusOK, DiagnosticsResponse{
		Diagnostics: f.Diagnostics,
		Count:       len(f.Diagnostics),
		At:          f.At,
		Zoom:        f.Zoom,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotImplemented, "Stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

// DelaysResponse is the JSON body of GET /api/delays.
type DelaysResponse struct {
	Stats []db.LineDelayStats `json:"stats"`
	Since time.Time           `json:"since"`
	Count int                 `json:"count"`
}

// delays handles GET /api/delays?hours=N (default 24, max 168) and ?line=.
func (s *Server) delays(w http.ResponseWriter, r *http.Request) {
	if s.deps.DelayStats == nil {
		writeError(w, http.StatusNotImplemented, "Delay stats not available")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 1 || h > 168 {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		hours = h
	}
	line := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("line")))

	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	all, err := s.deps.DelayStats(r.Context(), since)
	if err != nil {
		s.deps.Logger.Error("API: failed to read delay stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read delay stats")
		return
	}

	stats := make([]db.LineDelayStats, 0, len(all))
	for _, st := range all {
		if line == "" || st.Line == line {
			stats = append(stats, st)
		}
	}
	writeJSON(w, http.StatusOK, DelaysResponse{Stats: stats, Since: since, Count: len(stats)})
}

// ZoomRequest is the JSON body of PUT /api/zoom.
type ZoomRequest struct {
	Zoom *float64 `json:"zoom"`
}

func (s *Server) setZoom(w http.ResponseWriter, r *http.Request) {
	if s.deps.SetZoom == nil {
		writeError(w, http.StatusNotImplemented, "Zoom control not available")
		return
	}

	var req ZoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Zoom == nil || *req.Zoom < 0 || *req.Zoom > 24 {
		writeError(w, http.StatusBadRequest, "zoom must be between 0 and 24")
		return
	}
	if err := s.deps.SetZoom(*req.Zoom); err != nil {
		s.deps.Logger.Warn("API: zoom change rejected", "zoom", *req.Zoom, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Zoom change not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]float64{"zoom": *req.Zoom})
}

// LineSummary describes one loaded line.
type LineSummary struct {
	ID       string  `json:"id"`
	Length   float64 `json:"lengthMeters"`
	Vertices int     `json:"vertices"`
}

func (s *Server) listLines(w http.ResponseWriter, r *http.Request) {
	out := make([]LineSummary, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, LineSummary{ID: l.ID, Length: l.TotalLength, Vertices: len(l.Coordinates)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, out)
}

// LineResponse is the JSON body of GET /api/lines/{lineCode}.
type LineResponse struct {
	LineSummary
	Polyline string `json:"polyline"`
}

func (s *Server) getLine(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "lineCode"))
	l, ok := s.lines[code]
	if !ok {
		writeError(w, http.StatusNotFound, "Line not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, LineResponse{
		LineSummary: LineSummary{ID: l.ID, Length: l.TotalLength, Vertices: len(l.Coordinates)},
		Polyline:    static.EncodeLine(l),
	})
}
