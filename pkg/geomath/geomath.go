// Package geomath provides great-circle distance and containment checks
// used by both the on-device session and the server-side proximity scan.
package geomath

import "math"

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371000

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HaversineMeters returns the great-circle distance between two points in
// meters. Callers are responsible for rejecting NaN or out-of-range
// coordinates before calling.
func HaversineMeters(a, b Point) float64 {
	lat1Rad := a.Lat * math.Pi / 180
	lat2Rad := b.Lat * math.Pi / 180
	deltaLatRad := (b.Lat - a.Lat) * math.Pi / 180
	deltaLonRad := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusM * c
}

// InsideCircle reports whether p lies within radiusMeters of center.
func InsideCircle(p, center Point, radiusMeters float64) bool {
	return HaversineMeters(p, center) <= radiusMeters
}
