package discovery

import (
	"math"
	"sort"

	"github.com/example/servimatch/internal/geo"
	"github.com/example/servimatch/internal/models"
)

// Service ranks nearby providers for a requester. The returned list
// replaces the previous one wholesale on the client; no merging happens
// anywhere.
type Service struct {
	Geo             geo.Geo
	DefaultSpeedMps float64
	TopN            int
}

// Nearby returns the ranked candidate list with distance and travel-time
// estimates derived from the requester coordinate. Ranking is distance
// first, then rating (higher wins), then price (lower wins).
func (s *Service) Nearby(loc models.Coord, category models.ServiceCategory) []models.Provider {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	cands := s.Geo.Nearby(loc.Lat, loc.Lon, category, topN)
	out := make([]models.Provider, 0, len(cands))
	for _, p := range cands {
		meters := geo.Haversine(loc.Lat, loc.Lon, p.Loc.Lat, p.Loc.Lon)
		p.DistanceKm = round2(meters / 1000)
		p.EstimatedMins = estimateMinutes(meters, s.DefaultSpeedMps)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// estimateMinutes is the naive travel-time estimate: distance over a
// configured city speed. In prod use a routing engine.
func estimateMinutes(meters, speedMps float64) int {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	mins := int(math.Ceil(meters / speedMps / 60))
	if mins < 1 {
		mins = 1
	}
	return mins
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
