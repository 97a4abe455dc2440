package filter

import (
	"fmt"
)

type AnomalyType string

const (
	AnomalyFastMovement     AnomalyType = "fast_movement"
	AnomalyUnusualFrequency AnomalyType = "unusual_frequency"
	AnomalyPowerAnomaly     AnomalyType = "power_anomaly"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is a raw flag raised against one filtered signal.
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	Severity    Severity    `json:"severity"`
	SignalID    string      `json:"signalId"`
	Value       float64     `json:"value"`
	TimestampMs int64       `json:"timestamp"`
	Description string      `json:"description"`
}

const (
	fastMovementSpeed     = 10.0
	veryFastMovementSpeed = 20.0
	highPowerDbm          = -30.0
)

func detectAnomalies(in []candidate) []Anomaly {
	anomalies := make([]Anomaly, 0)
	for _, c := range in {
		rec := c.rec
		if c.speed > fastMovementSpeed {
			sev := SeverityMedium
			if c.speed > veryFastMovementSpeed {
				sev = SeverityHigh
			}
			anomalies = append(anomalies, Anomaly{
				Type:        AnomalyFastMovement,
				Severity:    sev,
				SignalID:    rec.ID,
				Value:       c.speed,
				TimestampMs: rec.TimestampMs,
				Description: fmt.Sprintf("emitter moving at %.1f m/s", c.speed),
			})
		}
		if unusualFrequency(rec.FrequencyMHz) {
			anomalies = append(anomalies, Anomaly{
				Type:        AnomalyUnusualFrequency,
				Severity:    SeverityLow,
				SignalID:    rec.ID,
				Value:       rec.FrequencyMHz,
				TimestampMs: rec.TimestampMs,
				Description: fmt.Sprintf("%.3f MHz is outside the monitored bands", rec.FrequencyMHz),
			})
		}
		if sev, bad := powerOutOfRange(rec.PowerDbm, rec.FrequencyMHz); bad {
			anomalies = append(anomalies, Anomaly{
				Type:        AnomalyPowerAnomaly,
				Severity:    sev,
				SignalID:    rec.ID,
				Value:       rec.PowerDbm,
				TimestampMs: rec.TimestampMs,
				Description: fmt.Sprintf("%.1f dBm is outside the expected range for %.3f MHz", rec.PowerDbm, rec.FrequencyMHz),
			})
		}
	}
	return anomalies
}

// unusualFrequency is true for frequencies outside every known band or inside
// a low-priority one.
func unusualFrequency(freqMHz float64) bool {
	b, ok := LookupBand(freqMHz)
	return !ok || b.Priority < lowPriorityWeight
}

func powerOutOfRange(powerDbm, freqMHz float64) (Severity, bool) {
	if powerDbm > highPowerDbm {
		return SeverityHigh, true
	}
	if b, ok := LookupBand(freqMHz); ok {
		if powerDbm < b.ExpectedMinDbm || powerDbm > b.ExpectedMaxDbm {
			return SeverityMedium, true
		}
	}
	return "", false
}
