package db

import (
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"rfwatch/geo"
	"rfwatch/models"
	"rfwatch/utils"
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

// createTables creates the detections table if it doesn't exist
func createTables(db *sql.DB) error {
	createDetectionsTable := `
    CREATE TABLE IF NOT EXISTS detections (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        kind TEXT NOT NULL,
        ref_id TEXT NOT NULL,
        latitude REAL,
        longitude REAL,
        type TEXT,
        priority TEXT,
        confidence REAL NOT NULL DEFAULT 0,
        description TEXT,
        payload TEXT
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_detections_ref ON detections(kind, ref_id);
    CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
    CREATE INDEX IF NOT EXISTS idx_detections_location ON detections(latitude, longitude);
    `

	if _, err := db.Exec(createDetectionsTable); err != nil {
		return fmt.Errorf("error creating detections table: %w", err)
	}
	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// StoreDetection inserts a detection and sets its ID. A detection with an
// existing (kind, refId) is left untouched.
func (db *SQLiteClient) StoreDetection(detection *models.Detection) error {
	if err := detection.Prepare(); err != nil {
		return err
	}

	var payload *string
	if len(detection.Payload) > 0 {
		s := string(detection.Payload)
		payload = &s
	}

	res, err := db.db.Exec(`
		INSERT OR IGNORE INTO detections (
			timestamp, kind, ref_id, latitude, longitude, type,
			priority, confidence, description, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		detection.Timestamp.UTC(),
		detection.Kind,
		detection.RefID,
		detection.Latitude,
		detection.Longitude,
		detection.Type,
		detection.Priority,
		detection.Confidence,
		detection.Description,
		payload,
	)
	if err != nil {
		return fmt.Errorf("error storing detection: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return db.db.QueryRow("SELECT id FROM detections WHERE kind = ? AND ref_id = ?",
			detection.Kind, detection.RefID).Scan(&detection.ID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("error reading detection id: %w", err)
	}
	detection.ID = id
	return nil
}

const detectionColumns = `id, timestamp, kind, ref_id, latitude, longitude, type,
       priority, confidence, description, payload`

// GetAllDetections retrieves all detections, newest first
func (db *SQLiteClient) GetAllDetections() ([]models.Detection, error) {
	rows, err := db.db.Query(`SELECT ` + detectionColumns + ` FROM detections ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("error querying detections: %w", err)
	}
	defer rows.Close()
	return scanDetections(rows)
}

// GetRecentDetections returns up to limit detections of one kind (any kind
// when kind is empty), newest first.
func (db *SQLiteClient) GetRecentDetections(kind string, limit int) ([]models.Detection, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query := `SELECT ` + detectionColumns + ` FROM detections`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying recent detections: %w", err)
	}
	defer rows.Close()
	return scanDetections(rows)
}

// GetDetectionsByLocation retrieves detections within radiusKm of a location.
// A bounding box narrows the scan; the exact distance check runs afterwards.
func (db *SQLiteClient) GetDetectionsByLocation(lat, lng float64, radiusKm float64) ([]models.Detection, error) {
	latDelta := radiusKm * 1000 / geo.MetersPerDegreeLat
	lonDelta := 180.0
	if mPerDeg := geo.MetersPerDegreeLon(lat); mPerDeg > 0 {
		lonDelta = math.Min(180, radiusKm*1000/mPerDeg)
	}

	rows, err := db.db.Query(`
		SELECT `+detectionColumns+`
		FROM detections
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		  AND ABS(latitude - ?) <= ? AND ABS(longitude - ?) <= ?
		ORDER BY timestamp DESC, id DESC
	`, lat, latDelta, lng, lonDelta)
	if err != nil {
		return nil, fmt.Errorf("error querying detections by location: %w", err)
	}
	defer rows.Close()

	candidates, err := scanDetections(rows)
	if err != nil {
		return nil, err
	}
	return withinRadius(candidates, lat, lng, radiusKm), nil
}

func scanDetections(rows *sql.Rows) ([]models.Detection, error) {
	var out []models.Detection
	for rows.Next() {
		var d models.Detection
		var typ, priority, description, payload sql.NullString

		err := rows.Scan(
			&d.ID,
			&d.Timestamp,
			&d.Kind,
			&d.RefID,
			&d.Latitude,
			&d.Longitude,
			&typ,
			&priority,
			&d.Confidence,
			&description,
			&payload,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning detection: %w", err)
		}
		d.Type = typ.String
		d.Priority = priority.String
		d.Description = description.String
		if payload.Valid && payload.String != "" {
			d.Payload = []byte(payload.String)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detections: %w", err)
	}
	return out, nil
}
