package drone

import (
	"fmt"
	"strings"
)

// Threat levels in ascending order.
const (
	ThreatLow      = "low"
	ThreatMedium   = "medium"
	ThreatHigh     = "high"
	ThreatCritical = "critical"
)

// ThreatAssessment provides defense-focused intelligence about a tracked drone.
type ThreatAssessment struct {
	ThreatLevel                   string  `json:"threatLevel,omitempty"`
	RiskCategory                  string  `json:"riskCategory,omitempty"`
	PayloadCapacityKg             float64 `json:"payloadCapacityKg,omitempty"`
	MaxRangeKm                    float64 `json:"maxRangeKm,omitempty"`
	MaxSpeedMs                    float64 `json:"maxSpeedMs,omitempty"`
	JammingSusceptible            bool    `json:"jammingSusceptible,omitempty"`
	CountermeasureRecommendations string  `json:"countermeasureRecommendations,omitempty"`
	OperatorType                  string  `json:"operatorType,omitempty"`
	IsMilitaryGrade               bool    `json:"isMilitaryGrade,omitempty"`
}

// AssessThreat combines signature metadata (may be nil) with what the radio
// link itself shows. The power profile can only raise the threat level.
func AssessThreat(metadata map[string]string, powerProfile, pattern string, speedMps float64) ThreatAssessment {
	ta := ThreatAssessment{ThreatLevel: ThreatLow}

	if val, ok := metadata["threat_level"]; ok {
		ta.ThreatLevel = strings.ToLower(val)
	}
	if val, ok := metadata["risk_category"]; ok {
		ta.RiskCategory = val
	}
	if val, ok := metadata["payload_capacity_kg"]; ok {
		if f, err := parseFloat(val); err == nil {
			ta.PayloadCapacityKg = f
		}
	}
	if val, ok := metadata["max_range_km"]; ok {
		if f, err := parseFloat(val); err == nil {
			ta.MaxRangeKm = f
		}
	}
	if val, ok := metadata["max_speed_ms"]; ok {
		if f, err := parseFloat(val); err == nil {
			ta.MaxSpeedMs = f
		}
	}
	if val, ok := metadata["jamming_susceptible"]; ok {
		ta.JammingSusceptible = parseBool(val)
	}
	if val, ok := metadata["countermeasure_recommendations"]; ok {
		ta.CountermeasureRecommendations = val
	}
	if val, ok := metadata["operator_type"]; ok {
		ta.OperatorType = val
	}
	if val, ok := metadata["is_military_grade"]; ok {
		ta.IsMilitaryGrade = parseBool(val)
	}

	switch powerProfile {
	case ProfileMilitary:
		ta.IsMilitaryGrade = true
		ta.ThreatLevel = ThreatCritical
		if ta.OperatorType == "" {
			ta.OperatorType = "military"
		}
	case ProfileProfessional:
		ta.ThreatLevel = maxThreat(ta.ThreatLevel, ThreatMedium)
		if ta.OperatorType == "" {
			ta.OperatorType = "professional"
		}
	}
	if pattern == PatternHopping {
		ta.ThreatLevel = maxThreat(ta.ThreatLevel, ThreatHigh)
	}
	// faster than the airframe is rated for: unknown or modified platform
	if ta.MaxSpeedMs > 0 && speedMps > ta.MaxSpeedMs {
		ta.ThreatLevel = maxThreat(ta.ThreatLevel, ThreatHigh)
	}
	if ta.RiskCategory == "" {
		ta.RiskCategory = ta.ThreatLevel
	}
	return ta
}

func threatRank(level string) int {
	switch level {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	default:
		return 0
	}
}

func maxThreat(a, b string) string {
	if threatRank(b) > threatRank(a) {
		return b
	}
	return a
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1"
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
