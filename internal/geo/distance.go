// Package geo holds the great-circle geometry shared by the gate, the geofence
// and the stationary detector.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine distance in meters between two WGS84
// coordinates given in degrees. NaN inputs propagate to a NaN result.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// MetersToLatDegrees converts a north-south displacement in meters to
// degrees of latitude. Handy for building test tracks and fixtures.
func MetersToLatDegrees(m float64) float64 {
	return m / EarthRadiusMeters * 180 / math.Pi
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
