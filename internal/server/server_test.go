package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/ingest"
	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/store"
)

type fakeReader struct {
	vehicles map[string]models.Vehicle
	history  []models.Position
	pingErr  error
}

func (f *fakeReader) VehicleByID(_ context.Context, id string) (models.Vehicle, error) {
	v, ok := f.vehicles[id]
	if !ok {
		return models.Vehicle{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeReader) PositionHistory(_ context.Context, _ string, limit int, _ time.Time) ([]models.Position, error) {
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeReader) Ping(_ context.Context) error { return f.pingErr }

type fakeIngestor struct {
	fixes      []ingest.Fix
	vehicleIDs []string
	result     ingest.Result
	err        error
}

func (f *fakeIngestor) Process(_ context.Context, fix ingest.Fix) (ingest.Result, error) {
	f.fixes = append(f.fixes, fix)
	return f.result, f.err
}

func (f *fakeIngestor) ProcessVehicle(_ context.Context, vehicleID string, fix ingest.Fix) (ingest.Result, error) {
	f.vehicleIDs = append(f.vehicleIDs, vehicleID)
	f.fixes = append(f.fixes, fix)
	return f.result, f.err
}

func testServer(reader *fakeReader, ingestor *fakeIngestor) *Server {
	return New(0, reader, ingestor, nil, nil)
}

func TestWebhookIngestsFix(t *testing.T) {
	ingestor := &fakeIngestor{result: ingest.Processed}
	s := testServer(&fakeReader{}, ingestor)

	req := httptest.NewRequest(http.MethodPost,
		"/api/gps/webhook?id=D1&lat=-12.0464&lon=-77.0428&speed=23&timestamp=2025-03-10T14:05:00Z&positionId=991", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(ingestor.fixes) != 1 {
		t.Fatalf("ingested %d fixes, want 1", len(ingestor.fixes))
	}
	fix := ingestor.fixes[0]
	if fix.DeviceKey != "D1" || fix.ExternalID != 991 {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Source != models.SourceWebhook {
		t.Errorf("source = %q, want webhook", fix.Source)
	}
	if fix.CapturedAt.IsZero() {
		t.Error("timestamp not parsed")
	}
}

func TestWebhookRejectsIncompleteParams(t *testing.T) {
	ingestor := &fakeIngestor{result: ingest.Processed}
	s := testServer(&fakeReader{}, ingestor)

	req := httptest.NewRequest(http.MethodPost, "/api/gps/webhook?id=D1&lat=bogus", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(ingestor.fixes) != 0 {
		t.Error("invalid webhook reached the pipeline")
	}
}

func TestWebhookUnknownVehicle(t *testing.T) {
	s := testServer(&fakeReader{}, &fakeIngestor{result: ingest.UnknownVehicle})

	req := httptest.NewRequest(http.MethodPost, "/api/gps/webhook?id=NOPE&lat=1&lon=2", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDriverUpdate(t *testing.T) {
	ingestor := &fakeIngestor{result: ingest.Processed}
	s := testServer(&fakeReader{}, ingestor)

	body := strings.NewReader(`{"latitude": -12.05, "longitude": -77.04, "speed": 32}`)
	req := httptest.NewRequest(http.MethodPost, "/api/gps/vehicles/v1/position", body)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(ingestor.vehicleIDs) != 1 || ingestor.vehicleIDs[0] != "v1" {
		t.Errorf("vehicle ids = %v, want [v1]", ingestor.vehicleIDs)
	}
	if ingestor.fixes[0].Source != models.SourceDriver {
		t.Errorf("source = %q, want driver tag", ingestor.fixes[0].Source)
	}
}

func TestDriverUpdateRequiresCoordinates(t *testing.T) {
	s := testServer(&fakeReader{}, &fakeIngestor{result: ingest.Processed})

	req := httptest.NewRequest(http.MethodPost, "/api/gps/vehicles/v1/position",
		strings.NewReader(`{"speed": 10}`))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCurrentPosition(t *testing.T) {
	now := time.Now().UTC()
	reader := &fakeReader{vehicles: map[string]models.Vehicle{
		"v1": {
			ID:    "v1",
			Plate: "ABC-123",
			Latest: &models.Position{
				Latitude: -12.0464, Longitude: -77.0428, CapturedAt: now,
			},
			LastUpdated: &now,
		},
		"v2": {ID: "v2", Plate: "XYZ-999"},
	}}
	s := testServer(reader, &fakeIngestor{})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gps/vehicles/v1/current", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data struct {
			Plate string `json:"plate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Plate != "ABC-123" {
		t.Errorf("plate = %q", resp.Data.Plate)
	}

	// vehicle exists but has no recorded position
	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gps/vehicles/v2/current", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("no-position status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gps/vehicles/missing/current", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing-vehicle status = %d, want 404", rec.Code)
	}
}

func TestHistoryLimit(t *testing.T) {
	reader := &fakeReader{history: []models.Position{
		{Latitude: 1}, {Latitude: 2}, {Latitude: 3},
	}}
	s := testServer(reader, &fakeIngestor{})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gps/vehicles/v1/history?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestHealth(t *testing.T) {
	s := testServer(&fakeReader{}, &fakeIngestor{})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	s := testServer(&fakeReader{pingErr: context.DeadlineExceeded}, &fakeIngestor{})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
