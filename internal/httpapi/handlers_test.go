package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/servimatch/internal/config"
	"github.com/example/servimatch/internal/dispatch"
	"github.com/example/servimatch/internal/logging"
	"github.com/example/servimatch/internal/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.ServerConfig{
		DefaultSpeedMps: 10,
		DiscoveryTopN:   8,
		LogLevel:        "error",
	}
	s := NewServer(cfg, logging.NewLoggerTo(io.Discard, "error"))
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func createRequest(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/services/request", models.ServiceRequest{
		Category: models.CategoryCleaning, Title: "Clean apt", Description: "deep clean",
		Location: models.Coord{Lat: -23.55, Lon: -46.63}, Address: "123 St",
	}, map[string]string{"X-User-ID": "client-1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create request status %d", resp.StatusCode)
	}
	var ack models.RequestAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ID == "" {
		t.Fatal("empty request id")
	}
	return ack.ID
}

func TestCreateRequestValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/services/request", models.ServiceRequest{
		Category: "massagem", Title: "x", Description: "y",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown category should be 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/services/request", models.ServiceRequest{
		Category: models.CategoryCleaning,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title should be 400, got %d", resp.StatusCode)
	}
}

func TestNearbyListsRankedProviders(t *testing.T) {
	s, ts := newTestServer(t)
	s.Geo.Upsert(models.Provider{ID: "1", Name: "Ana", Rating: 4.9, Price: 50, Online: true,
		Category: models.CategoryCleaning, Loc: models.Coord{Lat: -23.551, Lon: -46.631}})
	s.Geo.Upsert(models.Provider{ID: "2", Name: "Bruno", Rating: 4.2, Price: 70, Online: true,
		Category: models.CategoryCleaning, Loc: models.Coord{Lat: -23.6, Lon: -46.7}})

	resp, err := http.Get(ts.URL + "/api/v1/services/nearby?lat=-23.55&lon=-46.63&category=limpeza")
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Providers []models.Provider `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(out.Providers))
	}
	if out.Providers[0].ID != "1" {
		t.Fatalf("expected nearest first, got %s", out.Providers[0].ID)
	}
	if out.Providers[0].DistanceKm <= 0 {
		t.Fatal("distance should be derived")
	}
}

func TestAcceptAssignsProvider(t *testing.T) {
	s, ts := newTestServer(t)
	id := createRequest(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/services/"+id+"/accept", nil, map[string]string{"X-User-ID": "prov-9"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d", resp.StatusCode)
	}
	m, err := s.Store.GetMatch(id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.ProviderID != "prov-9" || m.Status != models.StateProviderSelected {
		t.Fatalf("unexpected match after accept: %+v", m)
	}
}

func TestAcceptPricesMatchFromProvider(t *testing.T) {
	s, ts := newTestServer(t)
	s.Geo.Upsert(models.Provider{ID: "prov-9", Name: "Ana", Price: 120, Online: true,
		Category: models.CategoryCleaning, Loc: models.Coord{Lat: -23.55, Lon: -46.63}})
	id := createRequest(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/services/"+id+"/accept", nil, map[string]string{"X-User-ID": "prov-9"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d", resp.StatusCode)
	}
	m, err := s.Store.GetMatch(id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.EstimatedPrice != 120 {
		t.Fatalf("estimated price should come from the provider listing, got %f", m.EstimatedPrice)
	}

	for _, st := range []models.State{models.StateConfirmed, models.StateInProgress, models.StateCompleted} {
		b, _ := json.Marshal(map[string]string{"status": st.String()})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/services/"+id+"/status", bytes.NewReader(b))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("status %s: %v", st, err)
		}
		resp.Body.Close()
	}
	m, err = s.Store.GetMatch(id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.FinalPrice == nil || *m.FinalPrice != 120 {
		t.Fatalf("final price should carry the provider price: %+v", m.FinalPrice)
	}
}

func TestStatusTransitionsStampTimestamps(t *testing.T) {
	s, ts := newTestServer(t)
	id := createRequest(t, ts)

	for _, st := range []models.State{models.StateConfirmed, models.StateInProgress, models.StateCompleted} {
		b, _ := json.Marshal(map[string]string{"status": st.String()})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/services/"+id+"/status", bytes.NewReader(b))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("status %s: %v", st, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status %s gave %d", st, resp.StatusCode)
		}
	}

	m, err := s.Store.GetMatch(id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.ConfirmedAt == nil || m.StartedAt == nil || m.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", m)
	}
	if m.FinalPrice == nil || *m.FinalPrice != m.EstimatedPrice {
		t.Fatalf("final price should equal estimate: %+v", m)
	}

	// terminal requests reject further updates
	b, _ := json.Marshal(map[string]string{"status": "cancelled"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/services/"+id+"/status", bytes.NewReader(b))
	resp, _ := http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("terminal update should be 409, got %d", resp.StatusCode)
	}
}

func TestUpdateStatusUnknownRequest(t *testing.T) {
	_, ts := newTestServer(t)
	b, _ := json.Marshal(map[string]string{"status": "confirmed"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/services/missing/status", bytes.NewReader(b))
	resp, _ := http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWSDisconnectPrunesSession(t *testing.T) {
	s, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.WSReg.Notify("u1", models.Event{Type: "ping"}) != nil {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	for !errors.Is(s.WSReg.Notify("u1", models.Event{Type: "ping"}), dispatch.ErrNoSession) {
		if time.Now().After(deadline) {
			t.Fatal("session not pruned after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProviderLocationUpdatesIndex(t *testing.T) {
	s, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/internal/provider/locations", models.Provider{
		ID: "p1", Name: "Ana", Category: models.CategoryPainting,
		Loc: models.Coord{Lat: -23.55, Lon: -46.63},
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location status %d", resp.StatusCode)
	}
	got := s.Geo.Nearby(-23.55, -46.63, models.CategoryPainting, 5)
	if len(got) != 1 || got[0].ID != "p1" || !got[0].Online {
		t.Fatalf("provider not indexed: %+v", got)
	}
}
