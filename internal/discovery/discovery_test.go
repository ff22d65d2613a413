package discovery

import (
	"testing"

	"github.com/example/servimatch/internal/models"
)

type fakeGeo struct{ providers []models.Provider }

func (f *fakeGeo) Nearby(lat, lon float64, category models.ServiceCategory, limit int) []models.Provider {
	return f.providers
}
func (f *fakeGeo) Upsert(p models.Provider) {}

func (f *fakeGeo) Get(id string) (models.Provider, bool) {
	for _, p := range f.providers {
		if p.ID == id {
			return p, true
		}
	}
	return models.Provider{}, false
}

func TestNearbyRanksByDistanceThenRatingThenPrice(t *testing.T) {
	g := &fakeGeo{providers: []models.Provider{
		{ID: "far", Loc: models.Coord{Lat: 0.1, Lon: 0.1}, Rating: 5.0, Price: 10},
		{ID: "cheap", Loc: models.Coord{Lat: 0, Lon: 0}, Rating: 4.0, Price: 40},
		{ID: "pricey", Loc: models.Coord{Lat: 0, Lon: 0}, Rating: 4.0, Price: 80},
		{ID: "best", Loc: models.Coord{Lat: 0, Lon: 0}, Rating: 4.9, Price: 90},
	}}
	s := &Service{Geo: g, DefaultSpeedMps: 10, TopN: 4}
	got := s.Nearby(models.Coord{Lat: 0, Lon: 0}, models.CategoryCleaning)
	want := []string{"best", "cheap", "pricey", "far"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("rank %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestNearbyDerivesDistanceAndETA(t *testing.T) {
	g := &fakeGeo{providers: []models.Provider{
		{ID: "p", Loc: models.Coord{Lat: 0.01, Lon: 0}},
	}}
	s := &Service{Geo: g, DefaultSpeedMps: 10, TopN: 1}
	got := s.Nearby(models.Coord{Lat: 0, Lon: 0}, "")
	if len(got) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(got))
	}
	// 0.01 deg latitude is ~1.11 km
	if got[0].DistanceKm < 1.0 || got[0].DistanceKm > 1.2 {
		t.Fatalf("distance out of range: %f", got[0].DistanceKm)
	}
	if got[0].EstimatedMins < 1 {
		t.Fatalf("eta should be at least a minute, got %d", got[0].EstimatedMins)
	}
}

func TestEstimateMinutesFloorsAtOne(t *testing.T) {
	if got := estimateMinutes(1, 10); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := estimateMinutes(6000, 0); got < 1 {
		t.Fatalf("default speed should apply, got %d", got)
	}
}
