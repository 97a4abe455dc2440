package db

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rfwatch/models"
)

func newTestSQLite(t *testing.T) *SQLiteClient {
	t.Helper()
	client, err := NewSQLiteClient(filepath.Join(t.TempDir(), "nested", "test.sqlite3"))
	if err != nil {
		t.Fatalf("NewSQLiteClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func detectionAt(kind, ref string, ts time.Time, lat, lon float64) *models.Detection {
	return &models.Detection{
		Kind:        kind,
		RefID:       ref,
		Timestamp:   ts,
		Latitude:    &lat,
		Longitude:   &lon,
		Type:        "drone_video",
		Priority:    "high",
		Confidence:  0.8,
		Description: ref,
		Payload:     json.RawMessage(`{"ref":"` + ref + `"}`),
	}
}

func TestSQLiteStoreAndDedupe(t *testing.T) {
	t.Parallel()

	client := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := detectionAt(models.DetectionKindDrone, "drone-1", base, 10, 20)
	if err := client.StoreDetection(first); err != nil {
		t.Fatalf("StoreDetection: %v", err)
	}
	if first.ID == 0 {
		t.Fatalf("expected an id to be assigned")
	}

	again := detectionAt(models.DetectionKindDrone, "drone-1", base.Add(time.Minute), 11, 21)
	if err := client.StoreDetection(again); err != nil {
		t.Fatalf("StoreDetection duplicate: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate should resolve to id %d, got %d", first.ID, again.ID)
	}

	// Same ref under another kind is a different detection.
	other := detectionAt(models.DetectionKindAlert, "drone-1", base, 10, 20)
	if err := client.StoreDetection(other); err != nil {
		t.Fatalf("StoreDetection other kind: %v", err)
	}

	all, err := client.GetAllDetections()
	if err != nil {
		t.Fatalf("GetAllDetections: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(all))
	}
	for _, d := range all {
		if d.RefID == "drone-1" && d.Kind == models.DetectionKindDrone {
			if *d.Latitude != 10 || !d.Timestamp.Equal(base) {
				t.Fatalf("duplicate overwrote stored row: %+v", d)
			}
			if string(d.Payload) != `{"ref":"drone-1"}` {
				t.Fatalf("payload not preserved: %s", d.Payload)
			}
		}
	}
}

func TestSQLiteRejectsInvalidDetection(t *testing.T) {
	t.Parallel()

	client := newTestSQLite(t)
	lat := 10.0
	err := client.StoreDetection(&models.Detection{Kind: models.DetectionKindPattern, RefID: "p", Latitude: &lat})
	if !errors.Is(err, models.ErrInvalidDetection) {
		t.Fatalf("expected ErrInvalidDetection, got %v", err)
	}
}

func TestSQLiteRecentDetections(t *testing.T) {
	t.Parallel()

	client := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, ref := range []string{"a", "b", "c", "d"} {
		kind := models.DetectionKindPattern
		if i%2 == 1 {
			kind = models.DetectionKindAlert
		}
		if err := client.StoreDetection(detectionAt(kind, ref, base.Add(time.Duration(i)*time.Second), 0, 0)); err != nil {
			t.Fatalf("StoreDetection %s: %v", ref, err)
		}
	}

	recent, err := client.GetRecentDetections("", 3)
	if err != nil {
		t.Fatalf("GetRecentDetections: %v", err)
	}
	if len(recent) != 3 || recent[0].RefID != "d" || recent[2].RefID != "b" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}

	alerts, err := client.GetRecentDetections(models.DetectionKindAlert, 0)
	if err != nil {
		t.Fatalf("GetRecentDetections alerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].RefID != "d" || alerts[1].RefID != "b" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

func TestSQLiteDetectionsByLocation(t *testing.T) {
	t.Parallel()

	client := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// ~1.1 km and ~11 km north of the query point.
	near := detectionAt(models.DetectionKindDrone, "near", base, 40.01, -74)
	far := detectionAt(models.DetectionKindDrone, "far", base, 40.1, -74)
	noPos := &models.Detection{Kind: models.DetectionKindAlert, RefID: "nopos", Timestamp: base}
	for _, d := range []*models.Detection{near, far, noPos} {
		if err := client.StoreDetection(d); err != nil {
			t.Fatalf("StoreDetection %s: %v", d.RefID, err)
		}
	}

	got, err := client.GetDetectionsByLocation(40, -74, 2)
	if err != nil {
		t.Fatalf("GetDetectionsByLocation: %v", err)
	}
	if len(got) != 1 || got[0].RefID != "near" {
		t.Fatalf("expected only the near detection, got %+v", got)
	}

	got, err = client.GetDetectionsByLocation(40, -74, 20)
	if err != nil {
		t.Fatalf("GetDetectionsByLocation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both positioned detections, got %d", len(got))
	}
}

func TestNewDBClientBackends(t *testing.T) {
	t.Parallel()

	client, err := NewDBClient(Options{Type: "none"})
	if err != nil || client != nil {
		t.Fatalf("expected nil client for none, got %v, %v", client, err)
	}

	if _, err := NewDBClient(Options{Type: "cassandra"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}

	client, err = NewDBClient(Options{Type: "json", JSONPath: filepath.Join(t.TempDir(), "detections.json")})
	if err != nil {
		t.Fatalf("json backend: %v", err)
	}
	defer client.Close()
	if err := client.StoreDetection(&models.Detection{Kind: models.DetectionKindAlert, RefID: "x"}); err != nil {
		t.Fatalf("StoreDetection on json backend: %v", err)
	}

	sqlite, err := NewDBClient(Options{Type: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "db.sqlite3")})
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	sqlite.Close()
}
