// Package geo holds the spherical-earth primitives shared by every aggregation
// and detection stage: Haversine distance, bearings, great-circle projection and
// grid snapping.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// ErrInvalidCoordinate is returned for latitudes outside [-90, 90], longitudes
// outside [-180, 180] and non-finite values.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

const (
	// EarthRadiusMeters is the WGS84 equatorial radius.
	EarthRadiusMeters = orb.EarthRadius

	// MinDistanceMeters is the floor returned for coincident points so inverse
	// distance weights stay finite.
	MinDistanceMeters = 1e-6

	// MetersPerDegreeLat is the length of one degree of latitude used for grid math.
	MetersPerDegreeLat = 111320.0

	minLonScale = 0.01
)

// ValidateCoordinate reports whether lat/lon lie within WGS84 degree ranges.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: non-finite (%v, %v)", ErrInvalidCoordinate, lat, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %.6f", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %.6f", ErrInvalidCoordinate, lon)
	}
	return nil
}

// DistanceMeters validates both points and returns their Haversine distance.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := ValidateCoordinate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(lat2, lon2); err != nil {
		return 0, err
	}
	return Haversine(lat1, lon1, lat2, lon2), nil
}

// Haversine returns the great-circle distance in meters between two points that
// the caller has already validated. The result is never below MinDistanceMeters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda

	// floating point overshoot would make Sqrt(1-a) NaN
	if a < 0 {
		a = 0
	} else if a > 1 {
		a = 1
	}

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	d := EarthRadiusMeters * c
	if d < MinDistanceMeters || math.IsNaN(d) {
		return MinDistanceMeters
	}
	return d
}

// BearingDegrees validates both points and returns the initial bearing in [0, 360).
func BearingDegrees(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := ValidateCoordinate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(lat2, lon2); err != nil {
		return 0, err
	}
	return Bearing(lat1, lon1, lat2, lon2), nil
}

// Bearing is the unchecked form of BearingDegrees.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	b := orbgeo.Bearing(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
	return NormalizeBearing(b)
}

// NormalizeBearing maps any angle in degrees into [0, 360).
func NormalizeBearing(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	b := math.Mod(deg, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}

// Destination projects a point along a great circle.
func Destination(lat, lon, bearingDeg, distanceMeters float64) (float64, float64) {
	p := orbgeo.PointAtBearingAndDistance(orb.Point{lon, lat}, bearingDeg, distanceMeters)
	return clampLat(p.Lat()), NormalizeLongitude(p.Lon())
}

// NormalizeLongitude wraps a longitude into [-180, 180].
func NormalizeLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// MetersPerDegreeLon returns the east-west length of one degree at lat.
func MetersPerDegreeLon(lat float64) float64 {
	scale := math.Cos(lat * math.Pi / 180)
	if scale < minLonScale {
		scale = minLonScale
	}
	return MetersPerDegreeLat * scale
}

// SpeedMetersPerSecond returns the ground speed between two timed fixes.
// Fixes with non-increasing timestamps yield 0.
func SpeedMetersPerSecond(lat1, lon1 float64, t1ms int64, lat2, lon2 float64, t2ms int64) float64 {
	dt := float64(t2ms-t1ms) / 1000
	if dt <= 0 {
		return 0
	}
	d := Haversine(lat1, lon1, lat2, lon2)
	if d <= MinDistanceMeters {
		return 0
	}
	return d / dt
}
