package geo

import (
	"testing"

	"github.com/example/servimatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestIndexNearbyFiltersAndSorts(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Provider{ID: "far", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true, Category: models.CategoryCleaning})
	idx.Upsert(models.Provider{ID: "near", Loc: models.Coord{Lat: 0.001, Lon: 0.001}, Online: true, Category: models.CategoryCleaning})
	idx.Upsert(models.Provider{ID: "offline", Loc: models.Coord{Lat: 0, Lon: 0}, Online: false, Category: models.CategoryCleaning})
	idx.Upsert(models.Provider{ID: "plumber", Loc: models.Coord{Lat: 0, Lon: 0}, Online: true, Category: models.CategoryPlumbing})

	got := idx.Nearby(0, 0, models.CategoryCleaning, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "near" {
		t.Fatalf("expected nearest first, got %s", got[0].ID)
	}
}

func TestIndexGet(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Provider{ID: "p1", Name: "Ana", Price: 90, Online: true})

	p, ok := idx.Get("p1")
	if !ok || p.Price != 90 {
		t.Fatalf("expected stored provider back, got %+v ok=%v", p, ok)
	}
	if _, ok := idx.Get("missing"); ok {
		t.Fatal("unknown id should not resolve")
	}
}

func TestIndexNearbyLimit(t *testing.T) {
	idx := NewIndex()
	for _, id := range []string{"a", "b", "c"} {
		idx.Upsert(models.Provider{ID: id, Online: true, Category: models.CategoryGardening})
	}
	if got := idx.Nearby(0, 0, models.CategoryGardening, 2); len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
}
