package db

import "rfwatch/models"

// DefaultQueryLimit caps GetRecentDetections when no limit is given.
const DefaultQueryLimit = 100

func withinRadius(candidates []models.Detection, lat, lng, radiusKm float64) []models.Detection {
	out := candidates[:0:0]
	for _, d := range candidates {
		if d.Within(lat, lng, radiusKm) {
			out = append(out, d)
		}
	}
	return out
}
