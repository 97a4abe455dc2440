package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"

	"rfwatch/geo"
)

// SignalSource identifies the receiver or feed that produced a record.
type SignalSource string

const (
	SourceHackRF    SignalSource = "hackrf"
	SourceRTLSDR    SignalSource = "rtlsdr"
	SourceWiFi      SignalSource = "wifi"
	SourceBluetooth SignalSource = "bluetooth"
	SourceCellular  SignalSource = "cellular"
	SourceSimulated SignalSource = "simulated"
	SourceUnknown   SignalSource = "unknown"
)

// ParseSignalSource maps free-form input onto a known source.
func ParseSignalSource(s string) SignalSource {
	switch SignalSource(s) {
	case SourceHackRF, SourceRTLSDR, SourceWiFi, SourceBluetooth, SourceCellular, SourceSimulated:
		return SignalSource(s)
	default:
		return SourceUnknown
	}
}

// Signal types carried in SignalMetadata.SignalType.
const (
	SignalTypeWiFi         = "wifi"
	SignalTypeBluetooth    = "bluetooth"
	SignalTypeCellular     = "cellular"
	SignalTypeDroneControl = "drone_control"
	SignalTypeDroneVideo   = "drone_video"
	SignalTypeTelemetry    = "telemetry"
	SignalTypeUnknown      = "unknown"
)

// SignalMetadata holds the optional descriptive fields a sensor may attach.
type SignalMetadata struct {
	SignalType string   `json:"signalType,omitempty"`
	SSID       string   `json:"ssid,omitempty"`
	MAC        string   `json:"mac,omitempty"`
	Channel    int      `json:"channel,omitempty"`
	DeviceID   string   `json:"deviceId,omitempty"`
	Altitude   *float64 `json:"altitude,omitempty"`
	Bandwidth  float64  `json:"bandwidth,omitempty"`
}

// TypeOrUnknown returns the signal type, defaulting to "unknown".
func (m SignalMetadata) TypeOrUnknown() string {
	if m.SignalType == "" {
		return SignalTypeUnknown
	}
	return m.SignalType
}

// SignalRecord is one normalized detection. ID is stable per emitter, so
// repeated observations of the same transmitter share it.
type SignalRecord struct {
	ID           string         `json:"id"`
	Lat          float64        `json:"lat"`
	Lon          float64        `json:"lon"`
	FrequencyMHz float64        `json:"frequency"`
	PowerDbm     float64        `json:"power"`
	TimestampMs  int64          `json:"timestamp"`
	Source       SignalSource   `json:"source"`
	Metadata     SignalMetadata `json:"metadata"`
}

var ErrInvalidSignal = errors.New("invalid signal record")

// Validate rejects records with out-of-range coordinates or non-finite values.
func (s SignalRecord) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	}
	if err := geo.ValidateCoordinate(s.Lat, s.Lon); err != nil {
		return err
	}
	if !finite(s.FrequencyMHz) || s.FrequencyMHz <= 0 {
		return fmt.Errorf("%w: frequency %v", ErrInvalidSignal, s.FrequencyMHz)
	}
	if !finite(s.PowerDbm) {
		return fmt.Errorf("%w: power %v", ErrInvalidSignal, s.PowerDbm)
	}
	return nil
}

// Time converts the epoch-millisecond timestamp.
func (s SignalRecord) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Point returns the record position as an orb point (lon, lat).
func (s SignalRecord) Point() orb.Point {
	return orb.Point{s.Lon, s.Lat}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Bounds is a lat/lon rectangle.
type Bounds struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

var ErrInvalidBounds = errors.New("invalid bounds")

func (b Bounds) Validate() error {
	if err := geo.ValidateCoordinate(b.North, b.East); err != nil {
		return err
	}
	if err := geo.ValidateCoordinate(b.South, b.West); err != nil {
		return err
	}
	if b.North <= b.South || b.East <= b.West {
		return fmt.Errorf("%w: n=%v s=%v e=%v w=%v", ErrInvalidBounds, b.North, b.South, b.East, b.West)
	}
	return nil
}

// Contains reports whether the point lies inside the rectangle, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

func (b Bounds) Center() (float64, float64) {
	return (b.North + b.South) / 2, (b.East + b.West) / 2
}

func (b Bounds) Orb() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// BoundsOf returns the smallest rectangle covering all signals.
func BoundsOf(signals []SignalRecord) (Bounds, bool) {
	if len(signals) == 0 {
		return Bounds{}, false
	}
	bound := orb.Bound{Min: signals[0].Point(), Max: signals[0].Point()}
	for _, s := range signals[1:] {
		bound = bound.Extend(s.Point())
	}
	return Bounds{North: bound.Max.Lat(), South: bound.Min.Lat(), East: bound.Max.Lon(), West: bound.Min.Lon()}, true
}

// Detection is a persisted detection event: an archived drone, a high-priority
// pattern or an alert.
type Detection struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	RefID       string          `json:"refId"`
	Timestamp   time.Time       `json:"timestamp"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Type        string          `json:"type,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Confidence  float64         `json:"confidence"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Detection kinds.
const (
	DetectionKindDrone   = "drone"
	DetectionKindPattern = "pattern"
	DetectionKindAlert   = "alert"
)

var ErrInvalidDetection = errors.New("invalid detection")

// Prepare validates a detection before it is stored and stamps it with the
// current time when no timestamp is set.
func (d *Detection) Prepare() error {
	if d.Kind == "" || d.RefID == "" {
		return fmt.Errorf("%w: kind and refId are required", ErrInvalidDetection)
	}
	if (d.Latitude == nil) != (d.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidDetection)
	}
	if d.Latitude != nil {
		if err := geo.ValidateCoordinate(*d.Latitude, *d.Longitude); err != nil {
			return err
		}
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	return nil
}

// Within reports whether the detection has a position inside radiusKm of lat/lon.
func (d Detection) Within(lat, lon, radiusKm float64) bool {
	if d.Latitude == nil || d.Longitude == nil {
		return false
	}
	return geo.Haversine(lat, lon, *d.Latitude, *d.Longitude) <= radiusKm*1000
}
