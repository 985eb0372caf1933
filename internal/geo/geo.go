package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for every distance in the service.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points given in
// decimal degrees. NaN inputs yield NaN; callers validate ranges upstream.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Bearing returns the initial compass bearing in degrees [0,360) from the
// first point toward the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRadians(lat1), toRadians(lat2)
	dLon := toRadians(lon2 - lon1)
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ValidCoord reports whether lat/lon are finite and inside the WGS84 ranges.
func ValidCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
