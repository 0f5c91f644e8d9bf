package geo

import "math"

// EarthRadiusMeters is the Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance in meters between two
// points (lat/lng in degrees).
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(degrees float64) float64 { return degrees * math.Pi / 180 }
	phi1, phi2 := rad(lat1), rad(lat2)
	deltaPhi := rad(lat2 - lat1)
	deltaLambda := rad(lng2 - lng1)
	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}
