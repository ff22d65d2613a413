package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/example/servimatch/internal/cache"
	"github.com/example/servimatch/internal/models"
)

func TestCreateRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/services/request" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		var req models.ServiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(models.RequestAck{ID: "abc", EstimatedResponseTime: "5-10 minutos"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ack, err := c.CreateRequest(context.Background(), models.ServiceRequest{
		Category: models.CategoryCleaning, Title: "t", Description: "d",
		Location: models.Coord{Lat: -23.55, Lon: -46.63}, Address: "123 St",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ack.ID != "abc" {
		t.Fatalf("wrong ack: %+v", ack)
	}
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.CreateRequest(context.Background(), models.ServiceRequest{}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestNearbyProvidersMemoized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"providers": []models.Provider{
			{ID: "1", Name: "Ana", Price: 50, Online: true},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, cache.New(cache.Config{Namespace: "t"}))
	loc := models.Coord{Lat: -23.55, Lon: -46.63}
	for i := 0; i < 3; i++ {
		ps, err := c.NearbyProviders(context.Background(), loc, models.CategoryCleaning)
		if err != nil {
			t.Fatalf("nearby: %v", err)
		}
		if len(ps) != 1 || ps[0].ID != "1" {
			t.Fatalf("wrong providers: %+v", ps)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single backend call, got %d", got)
	}
}

func TestUpdateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/services/m1/status" || r.Method != http.MethodPut {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["status"] != "confirmed" {
			t.Errorf("wrong status payload: %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if err := c.UpdateStatus(context.Background(), "m1", models.StateConfirmed); err != nil {
		t.Fatalf("update status: %v", err)
	}
}
