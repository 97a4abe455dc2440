package detections

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rfwatch/models"
	"rfwatch/utils"
)

// DefaultLimit caps GetRecentDetections when no limit is given.
const DefaultLimit = 100

// FileStore keeps detections in a single JSON file. It satisfies the same
// contract as the database clients and is meant for small deployments.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	lastID   int64
	refIndex map[string]int64
}

// NewFileStore opens (or lazily creates) the JSON file at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("detections file path is empty")
	}
	s := &FileStore{path: path, refIndex: make(map[string]int64)}

	existing, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		s.refIndex[refKey(d.Kind, d.RefID)] = d.ID
		s.lastID = max(s.lastID, d.ID)
	}
	return s, nil
}

func refKey(kind, refID string) string {
	return kind + "\x00" + refID
}

// load reads all detections from disk; the caller holds the lock when needed.
func (s *FileStore) load() ([]models.Detection, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.Detection{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading detections file: %w", err)
	}
	if len(data) == 0 {
		return []models.Detection{}, nil
	}

	var detections []models.Detection
	if err := json.Unmarshal(data, &detections); err != nil {
		return nil, fmt.Errorf("error unmarshaling detections: %w", err)
	}
	return detections, nil
}

func (s *FileStore) save(detections []models.Detection) error {
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := utils.CreateFolder(dir); err != nil {
			return fmt.Errorf("error creating directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(detections, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling detections: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing detections file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error replacing detections file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// StoreDetection appends a detection and sets its ID. A detection with an
// existing (kind, refId) keeps the stored ID and is not written again.
func (s *FileStore) StoreDetection(detection *models.Detection) error {
	if err := detection.Prepare(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := refKey(detection.Kind, detection.RefID)
	if id, ok := s.refIndex[key]; ok {
		detection.ID = id
		return nil
	}

	detections, err := s.load()
	if err != nil {
		return err
	}

	id := max(time.Now().UnixNano(), s.lastID+1)
	stored := *detection
	stored.ID = id
	detections = append(detections, stored)
	if err := s.save(detections); err != nil {
		return err
	}

	s.lastID = id
	s.refIndex[key] = id
	detection.ID = id
	return nil
}

// GetAllDetections returns every stored detection, newest first.
func (s *FileStore) GetAllDetections() ([]models.Detection, error) {
	s.mu.RLock()
	detections, err := s.load()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(detections)
	return detections, nil
}

func (s *FileStore) GetRecentDetections(kind string, limit int) ([]models.Detection, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	all, err := s.GetAllDetections()
	if err != nil {
		return nil, err
	}
	out := make([]models.Detection, 0, min(limit, len(all)))
	for _, d := range all {
		if kind != "" && d.Kind != kind {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) GetDetectionsByLocation(lat, lng float64, radiusKm float64) ([]models.Detection, error) {
	all, err := s.GetAllDetections()
	if err != nil {
		return nil, err
	}
	var out []models.Detection
	for _, d := range all {
		if d.Within(lat, lng, radiusKm) {
			out = append(out, d)
		}
	}
	return out, nil
}

func sortNewestFirst(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		if !detections[i].Timestamp.Equal(detections[j].Timestamp) {
			return detections[i].Timestamp.After(detections[j].Timestamp)
		}
		return detections[i].ID > detections[j].ID
	})
}
