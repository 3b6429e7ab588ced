package geo

import (
	"sort"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

// Ranked pairs an input index with its distance to the query point.
type Ranked struct {
	Index      int
	DistanceKm float64
}

// Nearest ranks points by haversine distance to query and returns at most k entries,
// closest first. Equal distances keep the input order.
func Nearest(query models.Coordinates, points []models.Coordinates, k int) []Ranked {
	if k <= 0 || len(points) == 0 {
		return []Ranked{}
	}
	ranked := make([]Ranked, len(points))
	for i, p := range points {
		ranked[i] = Ranked{Index: i, DistanceKm: Haversine(query, p)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}
