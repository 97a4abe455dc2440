package db

import (
	"errors"
	"fmt"
	"strings"

	"rfwatch/detections"
	"rfwatch/models"
	"rfwatch/utils"
)

// ErrUnknownBackend is returned by NewDBClient for an unsupported DB_TYPE.
var ErrUnknownBackend = errors.New("unknown database backend")

// DBClient persists detection events: archived drones, high-priority
// patterns and alerts. Storing the same (kind, refId) twice is a no-op.
type DBClient interface {
	Close() error
	StoreDetection(detection *models.Detection) error
	GetAllDetections() ([]models.Detection, error)
	GetRecentDetections(kind string, limit int) ([]models.Detection, error)
	GetDetectionsByLocation(lat, lng float64, radiusKm float64) ([]models.Detection, error)
}

// Options selects and configures a backend.
type Options struct {
	Type       string `yaml:"type"` // sqlite, mongo, json or none
	SQLitePath string `yaml:"sqlite_path"`
	MongoURI   string `yaml:"mongo_uri"`
	MongoDB    string `yaml:"mongo_db"`
	JSONPath   string `yaml:"json_path"`
}

// OptionsFromEnv reads DB_TYPE, SQLITE_PATH, MONGO_URI, MONGO_DB and
// DETECTIONS_FILE.
func OptionsFromEnv() Options {
	return Options{
		Type:       utils.GetEnv("DB_TYPE", "sqlite"),
		SQLitePath: utils.GetEnv("SQLITE_PATH", "db/rfwatch.sqlite3"),
		MongoURI:   utils.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:    utils.GetEnv("MONGO_DB", "rfwatch"),
		JSONPath:   utils.GetEnv("DETECTIONS_FILE", "data/detections.json"),
	}
}

// NewDBClient opens the configured backend. Type "none" returns a nil client
// and no error; callers treat a nil DBClient as persistence disabled.
func NewDBClient(opts Options) (DBClient, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Type)) {
	case "", "sqlite":
		return NewSQLiteClient(opts.SQLitePath)
	case "mongo", "mongodb":
		return NewMongoClient(opts.MongoURI, opts.MongoDB)
	case "json", "file":
		return detections.NewFileStore(opts.JSONPath)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Type)
	}
}
