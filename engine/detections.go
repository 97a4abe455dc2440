package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"rfwatch/drone"
	"rfwatch/models"
	"rfwatch/pattern"
)

func droneDetection(d drone.Signature) models.Detection {
	archived := d
	archived.Signals = nil
	payload, _ := json.Marshal(archived)

	det := models.Detection{
		Kind:        models.DetectionKindDrone,
		RefID:       d.ID,
		Timestamp:   time.UnixMilli(d.LastSeenMs).UTC(),
		Type:        string(d.Type),
		Confidence:  d.Confidence,
		Description: droneDescription(d),
		Payload:     payload,
	}
	if d.Characteristics.Threat != nil {
		det.Priority = d.Characteristics.Threat.ThreatLevel
	}
	if pos, ok := d.Position(); ok {
		lat, lon := pos.Lat, pos.Lon
		det.Latitude, det.Longitude = &lat, &lon
	}
	return det
}

func droneDescription(d drone.Signature) string {
	c := d.Characteristics
	name := c.Manufacturer
	if c.Model != "" {
		name += " " + c.Model
	}
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s drone (%s, %s) tracked for %ds",
		d.Type, name, c.SignalPattern, (d.LastSeenMs-d.FirstSeenMs)/1000)
}

func patternDetection(p pattern.Pattern) models.Detection {
	stored := p
	stored.Signals = nil
	payload, _ := json.Marshal(stored)

	lat, lon := p.Lat, p.Lon
	return models.Detection{
		Kind:        models.DetectionKindPattern,
		RefID:       p.ID,
		Timestamp:   time.UnixMilli(p.TimestampMs).UTC(),
		Latitude:    &lat,
		Longitude:   &lon,
		Type:        string(p.Type),
		Priority:    string(p.Priority),
		Confidence:  p.Confidence,
		Description: p.Description,
		Payload:     payload,
	}
}

// alertDetection keys the record by drone and alert type, so an alert that
// repeats on every pass is stored once.
func alertDetection(a drone.Alert) models.Detection {
	payload, _ := json.Marshal(a)

	lat, lon := a.Lat, a.Lon
	return models.Detection{
		Kind:        models.DetectionKindAlert,
		RefID:       a.DroneID + ":" + string(a.Type),
		Timestamp:   time.UnixMilli(a.TimestampMs).UTC(),
		Latitude:    &lat,
		Longitude:   &lon,
		Type:        string(a.Type),
		Priority:    a.Severity,
		Confidence:  1,
		Description: a.Message,
		Payload:     payload,
	}
}
