package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/ingest"
	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/store"
)

// VehicleReader is the read-only slice of the store the HTTP surface
// needs.
type VehicleReader interface {
	VehicleByID(ctx context.Context, id string) (models.Vehicle, error)
	PositionHistory(ctx context.Context, vehicleID string, limit int, since time.Time) ([]models.Position, error)
	Ping(ctx context.Context) error
}

// Ingestor is the pipeline surface driven by webhook and driver updates.
type Ingestor interface {
	Process(ctx context.Context, fix ingest.Fix) (ingest.Result, error)
	ProcessVehicle(ctx context.Context, vehicleID string, fix ingest.Fix) (ingest.Result, error)
}

// Server is the HTTP surface: webhook ingestion, read endpoints, health,
// metrics and the live websocket feed. Nothing here sits on the polling
// path.
type Server struct {
	reader   VehicleReader
	ingestor Ingestor
	hub      *Hub
	metrics  http.Handler
	http     *http.Server
}

// New assembles the server on the given port. metricsHandler may be nil
// to disable the /metrics endpoint.
func New(port int, reader VehicleReader, ingestor Ingestor, hub *Hub, metricsHandler http.Handler) *Server {
	s := &Server{
		reader:   reader,
		ingestor: ingestor,
		hub:      hub,
		metrics:  metricsHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/gps/webhook", s.handleWebhook)
	mux.HandleFunc("POST /api/gps/vehicles/{id}/position", s.handleDriverUpdate)
	mux.HandleFunc("GET /api/gps/vehicles/{id}/current", s.handleCurrent)
	mux.HandleFunc("GET /api/gps/vehicles/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.handleWebSocket)
	}
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		slog.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleWebhook ingests a position forwarded by the tracking platform.
// Traccar delivers the fields as query parameters.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	deviceKey := q.Get("id")
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if deviceKey == "" || latErr != nil || lonErr != nil {
		writeError(w, http.StatusBadRequest, "id, lat and lon are required")
		return
	}

	fix := ingest.Fix{
		DeviceKey: deviceKey,
		Latitude:  lat,
		Longitude: lon,
		Source:    models.SourceWebhook,
	}
	if speed, err := strconv.ParseFloat(q.Get("speed"), 64); err == nil {
		fix.Speed = speed
	}
	if id, err := strconv.ParseInt(q.Get("positionId"), 10, 64); err == nil {
		fix.ExternalID = id
	}
	if at, err := time.Parse(time.RFC3339, q.Get("timestamp")); err == nil {
		fix.CapturedAt = at
	}

	result, err := s.ingestor.Process(r.Context(), fix)
	if err != nil {
		slog.Error("Webhook ingestion failed", "deviceKey", deviceKey, "error", err)
		writeError(w, http.StatusInternalServerError, "cannot process position")
		return
	}

	switch result {
	case ingest.UnknownVehicle:
		writeError(w, http.StatusNotFound, fmt.Sprintf("no vehicle for device %s", deviceKey))
	case ingest.Duplicate:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

type driverUpdateRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     float64  `json:"speed"`
}

// handleDriverUpdate ingests a position reported by the driver app for a
// vehicle without (or instead of) a GPS tracker.
func (s *Server) handleDriverUpdate(w http.ResponseWriter, r *http.Request) {
	var req driverUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	result, err := s.ingestor.ProcessVehicle(r.Context(), r.PathValue("id"), ingest.Fix{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Speed:     req.Speed,
		Source:    models.SourceDriver,
	})
	if err != nil {
		slog.Error("Driver position update failed", "vehicleID", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "cannot process position")
		return
	}
	if result == ingest.UnknownVehicle {
		writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	vehicle, err := s.reader.VehicleByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	if err != nil {
		slog.Error("Cannot load vehicle", "vehicleID", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "cannot load vehicle")
		return
	}
	if vehicle.Latest == nil {
		writeError(w, http.StatusNotFound, "vehicle has no recorded position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"vehicle_id":   vehicle.ID,
			"plate":        vehicle.Plate,
			"position":     vehicle.Latest,
			"last_updated": vehicle.LastUpdated,
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	var since time.Time
	if v, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		since = v
	}

	positions, err := s.reader.PositionHistory(r.Context(), r.PathValue("id"), limit, since)
	if err != nil {
		slog.Error("Cannot load position history", "vehicleID", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "cannot load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(positions),
		"data":    positions,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.reader.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": true, "message": message})
}
