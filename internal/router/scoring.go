package router

import "math"

const (
	earthRadiusKM = 6371.0
	maxDistanceKM = 20000.0 // half the earth's circumference, normalization bound
	maxResponseMS = 2000.0
)

// Haversine returns the great-circle distance in kilometers between two
// locations on a spherical earth.
func Haversine(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func distanceScore(client Location, m ServerMetrics) float64 {
	return 1 - Haversine(client, m.Location)/maxDistanceKM
}

func performanceScore(m ServerMetrics) float64 {
	return math.Max(0, 1-m.AvgResponseTimeMS/maxResponseMS)
}

func loadScore(m ServerMetrics) float64 {
	return 1 - m.LoadPercent/100
}

// score computes the strategy-weighted score for one server. Pure function
// over an immutable metrics snapshot.
func score(strategy Strategy, weights Weights, client Location, m ServerMetrics) float64 {
	switch strategy {
	case StrategyGeographic:
		return 0.8*distanceScore(client, m) + 0.2*m.HealthScore
	case StrategyPerformance:
		return 0.7*performanceScore(m) + 0.3*m.HealthScore
	case StrategyLoadBased:
		return 0.7*loadScore(m) + 0.3*m.HealthScore
	default: // StrategyHybrid
		composite := weights.Distance*distanceScore(client, m) +
			weights.Performance*performanceScore(m) +
			weights.Load*loadScore(m)
		return composite * m.HealthScore
	}
}
