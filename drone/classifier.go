package drone

// Manufacturer classification
//
// The signature library is configuration data: a JSON list of manufacturer
// signatures, each naming the frequency ranges its control, video and
// telemetry links use. Classification works on band-presence vectors:
//
//  1. Every signature is turned into a unit vector over the frequency
//     categories its links occupy.
//  2. A tracked drone's recent signals are turned into a vector of the share
//     of signals seen in each category.
//  3. The nearest signature by cosine similarity wins if the similarity is
//     at least the match threshold; otherwise the manufacturer is "unknown".
//
// The library also answers whether two frequencies form a known control/video
// pairing, which the grouping stage uses to relate signals whose power differs.

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rfwatch/grid"
	"rfwatch/models"
	"rfwatch/utils"
)

// DefaultMatchThreshold is the minimum cosine similarity for a manufacturer match.
const DefaultMatchThreshold = 0.5

// featureCategories fixes the vector layout.
var featureCategories = []string{
	grid.Category433MHz,
	grid.Category868MHz,
	grid.Category915MHz,
	grid.Category1200,
	grid.Category2400,
	grid.Category5800,
}

// FreqRange is an inclusive frequency interval in MHz.
type FreqRange struct {
	MinMHz float64 `json:"minMHz"`
	MaxMHz float64 `json:"maxMHz"`
}

func (r FreqRange) Contains(f float64) bool {
	return f >= r.MinMHz && f <= r.MaxMHz
}

// ManufacturerSignature describes the links one drone family uses.
type ManufacturerSignature struct {
	ID           string            `json:"id"`
	Manufacturer string            `json:"manufacturer"`
	Model        string            `json:"model,omitempty"`
	Control      []FreqRange       `json:"control"`
	Video        []FreqRange       `json:"video,omitempty"`
	Telemetry    []FreqRange       `json:"telemetry,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Match is the result of a manufacturer lookup.
type Match struct {
	SignatureID  string            `json:"signatureId"`
	Manufacturer string            `json:"manufacturer"`
	Model        string            `json:"model,omitempty"`
	Similarity   float64           `json:"similarity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// LibraryStats exposes metadata about the loaded signature set.
type LibraryStats struct {
	SignatureCount    int                `json:"signatureCount"`
	ManufacturerCount int                `json:"manufacturerCount"`
	Manufacturers     []ManufacturerStat `json:"manufacturers"`
	UsingExample      bool               `json:"usingExample"`
	UsingBuiltin      bool               `json:"usingBuiltin"`
}

type ManufacturerStat struct {
	Manufacturer string `json:"manufacturer"`
	Signatures   int    `json:"signatures"`
}

// SignatureLibrary holds manufacturer signatures and their feature vectors.
type SignatureLibrary struct {
	mu           sync.RWMutex
	signatures   []ManufacturerSignature
	vectors      [][]float64
	threshold    float64
	usingExample bool
	usingBuiltin bool
	path         string
}

// NewSignatureLibrary builds a library from in-memory signatures.
func NewSignatureLibrary(signatures []ManufacturerSignature, threshold float64) (*SignatureLibrary, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMatchThreshold
	}
	lib := &SignatureLibrary{threshold: threshold}
	for _, sig := range signatures {
		if err := validateSignature(sig); err != nil {
			return nil, err
		}
		lib.signatures = append(lib.signatures, copySignature(sig))
		lib.vectors = append(lib.vectors, signatureVector(sig))
	}
	return lib, nil
}

// NewSignatureLibraryFromFile loads signatures from path. A missing file falls
// back to the `.example` sibling (e.g. "signatures.json" ->
// "signatures.example.json") and then to the built-in defaults.
func NewSignatureLibraryFromFile(path string, threshold float64) (*SignatureLibrary, error) {
	logger := utils.GetLogger()

	resolvedPath := filepath.Clean(path)
	data, err := os.ReadFile(resolvedPath)
	usingExample := false
	if err != nil {
		ext := filepath.Ext(resolvedPath)
		fallbackPath := strings.TrimSuffix(resolvedPath, ext) + ".example" + ext
		data, err = os.ReadFile(fallbackPath)
		if err != nil {
			logger.Warn("no signature file found, using built-in signatures", "path", resolvedPath)
			lib, buildErr := NewSignatureLibrary(DefaultSignatures(), threshold)
			if buildErr != nil {
				return nil, buildErr
			}
			lib.usingBuiltin = true
			lib.path = resolvedPath
			return lib, nil
		}
		logger.Warn("falling back to example signatures", "path", fallbackPath)
		usingExample = true
	}

	var signatures []ManufacturerSignature
	if err := json.Unmarshal(data, &signatures); err != nil {
		return nil, fmt.Errorf("unable to parse signatures: %w", err)
	}
	if len(signatures) == 0 {
		logger.Warn("signature file is empty; manufacturer matching disabled", "path", resolvedPath)
	}

	lib, err := NewSignatureLibrary(signatures, threshold)
	if err != nil {
		return nil, err
	}
	lib.usingExample = usingExample
	lib.path = resolvedPath
	return lib, nil
}

func validateSignature(sig ManufacturerSignature) error {
	if sig.ID == "" {
		return errors.New("signature missing id")
	}
	if sig.Manufacturer == "" {
		return fmt.Errorf("signature %s missing manufacturer", sig.ID)
	}
	if len(sig.Control)+len(sig.Video)+len(sig.Telemetry) == 0 {
		return fmt.Errorf("signature %s has no frequency ranges", sig.ID)
	}
	for _, r := range append(append(append([]FreqRange(nil), sig.Control...), sig.Video...), sig.Telemetry...) {
		if !(r.MaxMHz >= r.MinMHz) || r.MinMHz <= 0 {
			return fmt.Errorf("signature %s has invalid range [%v, %v]", sig.ID, r.MinMHz, r.MaxMHz)
		}
	}
	return nil
}

func copySignature(sig ManufacturerSignature) ManufacturerSignature {
	c := sig
	c.Control = append([]FreqRange(nil), sig.Control...)
	c.Video = append([]FreqRange(nil), sig.Video...)
	c.Telemetry = append([]FreqRange(nil), sig.Telemetry...)
	if sig.Metadata != nil {
		c.Metadata = make(map[string]string, len(sig.Metadata))
		for k, v := range sig.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// signatureVector marks every category any link range overlaps.
func signatureVector(sig ManufacturerSignature) []float64 {
	v := make([]float64, len(featureCategories))
	for _, group := range [][]FreqRange{sig.Control, sig.Video, sig.Telemetry} {
		for _, r := range group {
			for i, cat := range featureCategories {
				if overlapsCategory(r, cat) {
					v[i] = 1
				}
			}
		}
	}
	normaliseVectorInPlace(v)
	return v
}

func overlapsCategory(r FreqRange, category string) bool {
	for _, f := range []float64{r.MinMHz, r.MaxMHz, (r.MinMHz + r.MaxMHz) / 2} {
		if grid.FrequencyCategory(f) == category {
			return true
		}
	}
	return false
}

// observationVector is the share of signals per category.
func observationVector(signals []models.SignalRecord) []float64 {
	v := make([]float64, len(featureCategories))
	for _, s := range signals {
		cat := grid.FrequencyCategory(s.FrequencyMHz)
		for i, c := range featureCategories {
			if c == cat {
				v[i]++
				break
			}
		}
	}
	normaliseVectorInPlace(v)
	return v
}

func (l *SignatureLibrary) snapshot() ([]ManufacturerSignature, [][]float64, float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sigs := make([]ManufacturerSignature, len(l.signatures))
	for i, s := range l.signatures {
		sigs[i] = copySignature(s)
	}
	vecs := make([][]float64, len(l.vectors))
	for i, v := range l.vectors {
		vecs[i] = append([]float64(nil), v...)
	}
	return sigs, vecs, l.threshold
}

// Classify returns the best manufacturer match for the signals, or false when
// no signature reaches the threshold.
func (l *SignatureLibrary) Classify(signals []models.SignalRecord) (Match, bool) {
	obs := observationVector(signals)
	if vectorNorm(obs) == 0 {
		return Match{}, false
	}

	sigs, vecs, threshold := l.snapshot()
	best, bestSim := -1, 0.0
	for i := range sigs {
		sim := cosineSimilarity(obs, vecs[i])
		// ties keep the earlier signature so results do not depend on map order
		if sim > bestSim+1e-12 {
			best, bestSim = i, sim
		}
	}
	if best < 0 || bestSim < threshold {
		return Match{}, false
	}
	sig := sigs[best]
	return Match{
		SignatureID:  sig.ID,
		Manufacturer: sig.Manufacturer,
		Model:        sig.Model,
		Similarity:   bestSim,
		Metadata:     sig.Metadata,
	}, true
}

// IsKnownPairing reports whether some signature uses one frequency for
// control and the other for video.
func (l *SignatureLibrary) IsKnownPairing(f1, f2 float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, sig := range l.signatures {
		if (inAny(sig.Control, f1) && inAny(sig.Video, f2)) || (inAny(sig.Control, f2) && inAny(sig.Video, f1)) {
			return true
		}
	}
	return false
}

func inAny(ranges []FreqRange, f float64) bool {
	for _, r := range ranges {
		if r.Contains(f) {
			return true
		}
	}
	return false
}

// AddSignature appends a signature at runtime.
func (l *SignatureLibrary) AddSignature(sig ManufacturerSignature) error {
	if err := validateSignature(sig); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.signatures {
		if existing.ID == sig.ID {
			return fmt.Errorf("signature %s already exists", sig.ID)
		}
	}
	l.signatures = append(l.signatures, copySignature(sig))
	l.vectors = append(l.vectors, signatureVector(sig))
	l.usingExample = false
	l.usingBuiltin = false
	return nil
}

// SaveToFile persists the signatures to the library path so runtime
// additions survive restarts.
func (l *SignatureLibrary) SaveToFile() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return errors.New("signature path not set")
	}

	sigs, _, _ := l.snapshot()
	if err := utils.CreateFolder(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	data, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write signatures: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	l.mu.Lock()
	l.usingExample = false
	l.usingBuiltin = false
	l.mu.Unlock()
	return nil
}

// Stats summarises the loaded signatures.
func (l *SignatureLibrary) Stats() LibraryStats {
	sigs, _, _ := l.snapshot()
	l.mu.RLock()
	usingExample, usingBuiltin := l.usingExample, l.usingBuiltin
	l.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range sigs {
		counts[s.Manufacturer]++
	}
	manufacturers := make([]ManufacturerStat, 0, len(counts))
	for name, n := range counts {
		manufacturers = append(manufacturers, ManufacturerStat{Manufacturer: name, Signatures: n})
	}
	sort.Slice(manufacturers, func(i, j int) bool { return manufacturers[i].Manufacturer < manufacturers[j].Manufacturer })

	return LibraryStats{
		SignatureCount:    len(sigs),
		ManufacturerCount: len(counts),
		Manufacturers:     manufacturers,
		UsingExample:      usingExample,
		UsingBuiltin:      usingBuiltin,
	}
}

// DefaultSignatures is the built-in library used when no file is configured.
func DefaultSignatures() []ManufacturerSignature {
	ism24 := FreqRange{MinMHz: 2400, MaxMHz: 2483.5}
	ism58 := FreqRange{MinMHz: 5725, MaxMHz: 5850}
	return []ManufacturerSignature{
		{
			ID: "dji-ocusync", Manufacturer: "DJI", Model: "OcuSync",
			Control: []FreqRange{ism24, ism58}, Video: []FreqRange{ism24, ism58},
			Metadata: map[string]string{"threat_level": "medium", "operator_type": "consumer", "max_range_km": "15", "max_speed_ms": "21", "jamming_susceptible": "true"},
		},
		{
			ID: "dji-lightbridge", Manufacturer: "DJI", Model: "Lightbridge",
			Control: []FreqRange{ism24}, Video: []FreqRange{ism24, ism58},
			Metadata: map[string]string{"threat_level": "medium", "operator_type": "professional", "max_range_km": "5", "max_speed_ms": "20", "jamming_susceptible": "true"},
		},
		{
			ID: "parrot-anafi", Manufacturer: "Parrot", Model: "Anafi",
			Control: []FreqRange{ism24}, Video: []FreqRange{ism58},
			Metadata: map[string]string{"threat_level": "low", "operator_type": "consumer", "max_range_km": "4", "max_speed_ms": "15", "jamming_susceptible": "true"},
		},
		{
			ID: "analog-fpv", Manufacturer: "Analog FPV", Model: "5.8GHz VTX",
			Control: []FreqRange{ism24, {MinMHz: 863, MaxMHz: 870}, {MinMHz: 902, MaxMHz: 928}},
			Video:   []FreqRange{{MinMHz: 5650, MaxMHz: 5925}, {MinMHz: 1080, MaxMHz: 1360}},
			Metadata: map[string]string{"threat_level": "high", "operator_type": "hobbyist", "max_speed_ms": "45",
				"payload_capacity_kg": "1.5", "countermeasure_recommendations": "wideband 5.8GHz and 2.4GHz jamming"},
		},
		{
			ID: "long-range-elrs", Manufacturer: "ExpressLRS/Crossfire", Model: "Long range link",
			Control:   []FreqRange{{MinMHz: 863, MaxMHz: 870}, {MinMHz: 902, MaxMHz: 928}},
			Telemetry: []FreqRange{{MinMHz: 433.05, MaxMHz: 434.79}},
			Metadata: map[string]string{"threat_level": "high", "operator_type": "professional", "max_range_km": "30",
				"jamming_susceptible": "false", "countermeasure_recommendations": "sub-GHz direction finding"},
		},
		{
			ID: "autel-skylink", Manufacturer: "Autel", Model: "SkyLink",
			Control: []FreqRange{ism24, {MinMHz: 902, MaxMHz: 928}}, Video: []FreqRange{ism24, ism58},
			Metadata: map[string]string{"threat_level": "medium", "operator_type": "professional", "max_range_km": "15", "max_speed_ms": "20"},
		},
	}
}

func normaliseVectorInPlace(v []float64) {
	n := vectorNorm(v)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}

func vectorNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	limit := min(len(a), len(b))
	for i := 0; i < limit; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
