package drone

import "rfwatch/models"

// Type is the role inferred from the bands a drone is transmitting on.
type Type string

const (
	TypeVideo      Type = "video"
	TypeController Type = "controller"
	TypeTelemetry  Type = "telemetry"
	TypeUnknown    Type = "unknown"
)

// Status is the lifecycle state of a tracked drone.
type Status string

const (
	StatusActive Status = "active"
	StatusLost   Status = "lost"
)

// Power profiles derived from the average received power.
const (
	ProfileMilitary     = "military"
	ProfileProfessional = "professional"
	ProfileConsumer     = "consumer"
)

// Signal patterns derived from the recent frequency set.
const (
	PatternHopping  = "hopping"
	PatternDualBand = "dual_band"
	PatternSingle   = "single"
)

// TrajectoryPoint is one position fix of a tracked drone.
type TrajectoryPoint struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Altitude    *float64 `json:"altitude,omitempty"`
	TimestampMs int64    `json:"timestamp"`
}

// Trajectory holds the recent fixes, the derived motion and a short prediction.
type Trajectory struct {
	Points     []TrajectoryPoint `json:"points"`
	SpeedMps   float64           `json:"speed"`
	HeadingDeg float64           `json:"heading"`
	Predicted  []TrajectoryPoint `json:"predicted"`
}

// Characteristics summarises what the signals say about the airframe.
type Characteristics struct {
	Manufacturer      string            `json:"manufacturer"`
	Model             string            `json:"model,omitempty"`
	ManufacturerScore float64           `json:"manufacturerScore"`
	SignalPattern     string            `json:"signalPattern"`
	PowerProfile      string            `json:"powerProfile"`
	AvgPowerDbm       float64           `json:"avgPower"`
	Bands             []string          `json:"bands"`
	Threat            *ThreatAssessment `json:"threatAssessment,omitempty"`
}

// Signature is a tracked drone. It is created when a signal group matches no
// active drone, updated while signals keep matching, and archived as lost
// after the inactivity timeout. A lost signature is never revived.
type Signature struct {
	ID              string                `json:"id"`
	Type            Type                  `json:"type"`
	Confidence      float64               `json:"confidence"`
	Signals         []models.SignalRecord `json:"signals"`
	Trajectory      Trajectory            `json:"trajectory"`
	Characteristics Characteristics       `json:"characteristics"`
	FirstSeenMs     int64                 `json:"firstSeen"`
	LastSeenMs      int64                 `json:"lastSeen"`
	LostAtMs        int64                 `json:"lostAt,omitempty"`
	Status          Status                `json:"status"`
}

// clone returns a deep copy safe to hand to callers.
func (s *Signature) clone() Signature {
	c := *s
	c.Signals = append([]models.SignalRecord(nil), s.Signals...)
	c.Trajectory.Points = append([]TrajectoryPoint(nil), s.Trajectory.Points...)
	c.Trajectory.Predicted = append([]TrajectoryPoint(nil), s.Trajectory.Predicted...)
	c.Characteristics.Bands = append([]string(nil), s.Characteristics.Bands...)
	if s.Characteristics.Threat != nil {
		t := *s.Characteristics.Threat
		c.Characteristics.Threat = &t
	}
	return c
}

// Position returns the latest trajectory fix.
func (s *Signature) Position() (TrajectoryPoint, bool) {
	if len(s.Trajectory.Points) == 0 {
		return TrajectoryPoint{}, false
	}
	return s.Trajectory.Points[len(s.Trajectory.Points)-1], true
}

type AlertType string

const (
	AlertNewDrone         AlertType = "new_drone"
	AlertHighSpeed        AlertType = "high_speed"
	AlertProfessional     AlertType = "professional_drone"
	AlertMilitary         AlertType = "military_drone"
	AlertFrequencyHopping AlertType = "frequency_hopping"
)

// Alert is emitted by a detection pass and not retained by the engine.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	DroneID     string    `json:"droneId"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	TimestampMs int64     `json:"timestamp"`
}

// Statistics describes one DetectDrones pass.
type Statistics struct {
	SignalsIn       int          `json:"signalsIn"`
	SignalsFiltered int          `json:"signalsFiltered"`
	Groups          int          `json:"groups"`
	Created         int          `json:"created"`
	Updated         int          `json:"updated"`
	Lost            int          `json:"lost"`
	Active          int          `json:"active"`
	History         int          `json:"history"`
	Alerts          int          `json:"alerts"`
	ByType          map[Type]int `json:"byType"`
}

// DetectionResult is the output of DetectDrones.
type DetectionResult struct {
	ActiveDrones []Signature `json:"activeDrones"`
	LostDrones   []Signature `json:"lostDrones"`
	Alerts       []Alert     `json:"alerts"`
	Statistics   Statistics  `json:"statistics"`
}
