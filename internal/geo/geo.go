package geo

import "math"

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula
	EarthRadiusKm = 6371.0

	// DefaultTerminalRadiusM is the containment radius applied when a
	// terminal does not configure its own
	DefaultTerminalRadiusM = 100.0
)

// Distance returns the great-circle distance between two coordinates in
// kilometers, rounded to 2 decimal places. Inputs are degrees. The result is
// always non-negative; NaN inputs propagate NaN, callers are expected to run
// ValidateCoordinates first.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	km := EarthRadiusKm * c
	return math.Round(km*100) / 100
}

// IsWithinRadius reports whether the two points are within radiusM meters of
// each other. A radius of zero or less falls back to DefaultTerminalRadiusM.
func IsWithinRadius(lat1, lon1, lat2, lon2, radiusM float64) bool {
	if radiusM <= 0 {
		radiusM = DefaultTerminalRadiusM
	}
	return Distance(lat1, lon1, lat2, lon2)*1000 <= radiusM
}

// ValidateCoordinates reports whether the pair is a plausible GPS coordinate.
func ValidateCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if lat < -90 || lat > 90 {
		return false
	}
	if lon < -180 || lon > 180 {
		return false
	}
	return true
}
