package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/store"
	"github.com/rutaescolar/bus-watcher/internal/traccar"
)

type fakeResolver struct {
	devices map[int64]traccar.Device
	calls   int
}

func (f *fakeResolver) Device(_ context.Context, deviceID int64) (traccar.Device, error) {
	f.calls++
	device, ok := f.devices[deviceID]
	if !ok {
		return traccar.Device{}, traccar.ErrUnknownDevice
	}
	return device, nil
}

type fakeStorage struct {
	vehicles  map[string]models.Vehicle
	appended  []models.Position
	latest    map[string]models.Position
	appendErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		vehicles: map[string]models.Vehicle{
			"D1": {ID: "v1", Plate: "ABC-123", DeviceKey: "D1"},
		},
		latest: make(map[string]models.Position),
	}
}

func (f *fakeStorage) VehicleByDeviceKey(_ context.Context, deviceKey string) (models.Vehicle, error) {
	v, ok := f.vehicles[deviceKey]
	if !ok {
		return models.Vehicle{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStorage) VehicleByID(_ context.Context, id string) (models.Vehicle, error) {
	for _, v := range f.vehicles {
		if v.ID == id {
			return v, nil
		}
	}
	return models.Vehicle{}, store.ErrNotFound
}

func (f *fakeStorage) AppendPosition(_ context.Context, vehicleID string, p models.Position) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, p)
	return nil
}

func (f *fakeStorage) SetLatestPosition(_ context.Context, vehicleID string, p models.Position) error {
	f.latest[vehicleID] = p
	return nil
}

type fakeEvaluator struct {
	evaluations []models.Position
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ models.Vehicle, pos models.Position) {
	f.evaluations = append(f.evaluations, pos)
}

func newTestPipeline(resolver *fakeResolver, storage *fakeStorage, evaluator *fakeEvaluator) *Pipeline {
	return NewPipeline(resolver, storage, evaluator, nil, PipelineOptions{})
}

func polledFix(externalID int64) Fix {
	return Fix{
		DeviceID:   7,
		ExternalID: externalID,
		Latitude:   -12.0464,
		Longitude:  -77.0428,
		Speed:      25,
		CapturedAt: time.Now(),
		Source:     models.SourcePolling,
	}
}

func TestProcessPersistsAndEvaluates(t *testing.T) {
	resolver := &fakeResolver{devices: map[int64]traccar.Device{7: {ID: 7, UniqueID: "D1"}}}
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	result, err := p.Process(context.Background(), polledFix(100))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != Processed {
		t.Fatalf("result = %v, want Processed", result)
	}
	if len(storage.appended) != 1 {
		t.Fatalf("appended %d rows, want 1", len(storage.appended))
	}
	if storage.appended[0].DeviceKey != "D1" {
		t.Errorf("device key = %q, want D1", storage.appended[0].DeviceKey)
	}
	if _, ok := storage.latest["v1"]; !ok {
		t.Error("latest position not updated")
	}
	if len(evaluator.evaluations) != 1 {
		t.Errorf("evaluations = %d, want 1", len(evaluator.evaluations))
	}
}

func TestProcessDedupSkipsRepeatedFix(t *testing.T) {
	resolver := &fakeResolver{devices: map[int64]traccar.Device{7: {ID: 7, UniqueID: "D1"}}}
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	for i := 0; i < 2; i++ {
		if _, err := p.Process(context.Background(), polledFix(100)); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
	}

	if len(storage.appended) != 1 {
		t.Errorf("appended %d rows, want 1 after dedup", len(storage.appended))
	}
	if len(evaluator.evaluations) != 1 {
		t.Errorf("evaluations = %d, want 1 after dedup", len(evaluator.evaluations))
	}
	// the dedup check must short-circuit before device resolution
	if resolver.calls != 1 {
		t.Errorf("device lookups = %d, want 1", resolver.calls)
	}
}

func TestProcessNewFixIDIsProcessed(t *testing.T) {
	resolver := &fakeResolver{devices: map[int64]traccar.Device{7: {ID: 7, UniqueID: "D1"}}}
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	_, _ = p.Process(context.Background(), polledFix(100))
	_, _ = p.Process(context.Background(), polledFix(101))

	if len(storage.appended) != 2 {
		t.Errorf("appended %d rows, want 2", len(storage.appended))
	}
}

func TestProcessUnknownVehicleDropsFix(t *testing.T) {
	resolver := &fakeResolver{devices: map[int64]traccar.Device{7: {ID: 7, UniqueID: "UNCONFIGURED"}}}
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	result, err := p.Process(context.Background(), polledFix(100))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != UnknownVehicle {
		t.Fatalf("result = %v, want UnknownVehicle", result)
	}
	if len(storage.appended) != 0 || len(evaluator.evaluations) != 0 {
		t.Error("unknown device caused writes or evaluations")
	}
}

func TestProcessStorageFailureLeavesDedupUnset(t *testing.T) {
	resolver := &fakeResolver{devices: map[int64]traccar.Device{7: {ID: 7, UniqueID: "D1"}}}
	storage := newFakeStorage()
	storage.appendErr = errors.New("disk full")
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	result, err := p.Process(context.Background(), polledFix(100))
	if err == nil {
		t.Fatal("Process succeeded despite storage failure")
	}
	if result != Failed {
		t.Fatalf("result = %v, want Failed", result)
	}

	// the same fix must be retryable once storage recovers
	storage.appendErr = nil
	result, err = p.Process(context.Background(), polledFix(100))
	if err != nil || result != Processed {
		t.Fatalf("retry after recovery: result=%v err=%v", result, err)
	}
}

func TestProcessWebhookFixWithDeviceKey(t *testing.T) {
	resolver := &fakeResolver{}
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(resolver, storage, evaluator)

	result, err := p.Process(context.Background(), Fix{
		DeviceKey:  "D1",
		Latitude:   -12.05,
		Longitude:  -77.04,
		CapturedAt: time.Now(),
		Source:     models.SourceWebhook,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != Processed {
		t.Fatalf("result = %v, want Processed", result)
	}
	if resolver.calls != 0 {
		t.Errorf("device lookups = %d, want 0 for webhook path", resolver.calls)
	}
	if storage.appended[0].Source != models.SourceWebhook {
		t.Errorf("source = %q, want webhook tag", storage.appended[0].Source)
	}
}

func TestProcessVehicleDriverUpdate(t *testing.T) {
	storage := newFakeStorage()
	evaluator := &fakeEvaluator{}
	p := newTestPipeline(&fakeResolver{}, storage, evaluator)

	result, err := p.ProcessVehicle(context.Background(), "v1", Fix{
		Latitude:  -12.05,
		Longitude: -77.04,
		Speed:     30,
		Source:    models.SourceDriver,
	})
	if err != nil {
		t.Fatalf("ProcessVehicle: %v", err)
	}
	if result != Processed {
		t.Fatalf("result = %v, want Processed", result)
	}
	if len(storage.appended) != 1 || len(evaluator.evaluations) != 1 {
		t.Error("driver update not persisted or evaluated")
	}
	if storage.appended[0].CapturedAt.IsZero() {
		t.Error("captured-at not defaulted")
	}

	result, err = p.ProcessVehicle(context.Background(), "missing", Fix{Source: models.SourceDriver})
	if err != nil || result != UnknownVehicle {
		t.Errorf("missing vehicle: result=%v err=%v, want UnknownVehicle", result, err)
	}
}

func TestDedupTableSweep(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	table := newDedupTable(time.Hour, func() time.Time { return now })

	table.remember("device:7", 100)
	if !table.seen("device:7", 100) {
		t.Fatal("entry not remembered")
	}

	now = now.Add(2 * time.Hour)
	table.sweep()
	if table.seen("device:7", 100) {
		t.Error("stale entry survived sweep")
	}
}
