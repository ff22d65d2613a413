package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/servimatch/internal/config"
	"github.com/example/servimatch/internal/discovery"
	"github.com/example/servimatch/internal/dispatch"
	"github.com/example/servimatch/internal/geo"
	"github.com/example/servimatch/internal/ingest"
	"github.com/example/servimatch/internal/logging"
	"github.com/example/servimatch/internal/models"
	"github.com/example/servimatch/internal/observability"
	"github.com/example/servimatch/internal/payments"
	"github.com/example/servimatch/internal/storage"
)

type Server struct {
	Geo       geo.Geo
	Discovery *discovery.Service
	Store     storage.MatchStore
	Kafka     *ingest.KafkaProducer
	WSReg     *dispatch.WSRegistry
	Notifier  dispatch.Notifier
	Payments  *payments.StripeClient

	logger *slog.Logger
	mux    *mux.Router

	// paymentIntents maps match id -> held PaymentIntent.
	piMu           sync.Mutex
	paymentIntents map[string]string
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewLogger(cfg.LogLevel)
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store storage.MatchStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()

	s := &Server{
		Geo:            ggeo,
		Discovery:      &discovery.Service{Geo: ggeo, DefaultSpeedMps: cfg.DefaultSpeedMps, TopN: cfg.DiscoveryTopN},
		Store:          store,
		Kafka:          kp,
		WSReg:          wsreg,
		Notifier:       dispatch.NewPushNotifier(cfg.PushEndpoint, wsreg),
		logger:         logger,
		mux:            mux.NewRouter(),
		paymentIntents: make(map[string]string),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/services/request", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/services/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/services/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/services/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/services/{id}/status", s.handleUpdateStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/users/location", s.handleUserLocation).Methods("PUT")
	s.mux.HandleFunc("/internal/provider/locations", s.handleProviderLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req models.ServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Category.IsValid() {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Description == "" {
		http.Error(w, "title and description are required", http.StatusBadRequest)
		return
	}
	if err := req.Location.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := &models.Match{
		ID:             newID(),
		ClientID:       r.Header.Get("X-User-ID"),
		Category:       req.Category,
		Title:          req.Title,
		Description:    req.Description,
		Status:         models.StateSearching,
		ClientLocation: req.Location,
		Address:        req.Address,
		CreatedAt:      time.Now(),
	}
	if err := s.Store.SaveMatch(m); err != nil {
		http.Error(w, "could not persist request", http.StatusInternalServerError)
		return
	}
	observability.RequestsCreated.Inc()

	// fan the new request out to connected providers
	s.WSReg.Broadcast(models.Event{
		Type:      "new_service_request",
		ServiceID: m.ID,
		Status:    m.Status.String(),
		Loc:       &m.ClientLocation,
		Timestamp: time.Now(),
	}, m.ClientID)

	writeJSON(w, http.StatusOK, models.RequestAck{ID: m.ID, EstimatedResponseTime: "5-10 minutos"})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	category := models.ServiceCategory(q.Get("category"))
	providers := s.Discovery.Nearby(models.Coord{Lat: lat, Lon: lon}, category)
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	providerID := r.Header.Get("X-User-ID")
	m, err := s.Store.GetMatch(id)
	if err != nil {
		http.Error(w, "service request not found", http.StatusNotFound)
		return
	}
	if m.Status.IsTerminal() {
		http.Error(w, "service is no longer available", http.StatusConflict)
		return
	}
	m.ProviderID = providerID
	m.Status = models.StateProviderSelected
	// price the match from the accepting provider's listing
	if p, ok := s.Geo.Get(providerID); ok {
		m.EstimatedPrice = p.Price
	} else {
		s.logger.Warn("accepting provider not indexed, price unset", "service_id", id, "provider_id", providerID)
	}
	if err := s.Store.UpdateMatch(m); err != nil {
		http.Error(w, "could not persist update", http.StatusInternalServerError)
		return
	}
	if err := s.Notifier.Notify(m.ClientID, models.Event{
		Type: "service_response", ServiceID: id, UserID: providerID,
		Status: "accepted", Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("accept notification failed", "service_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"service_id": id, "client_id": m.ClientID})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	providerID := r.Header.Get("X-User-ID")
	m, err := s.Store.GetMatch(id)
	if err != nil {
		http.Error(w, "service request not found", http.StatusNotFound)
		return
	}
	// rejection carries no status change; the client keeps searching
	if err := s.Notifier.Notify(m.ClientID, models.Event{
		Type: "service_response", ServiceID: id, UserID: providerID,
		Status: "rejected", Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("reject notification failed", "service_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status models.State `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !body.Status.IsValid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	m, err := s.Store.GetMatch(id)
	if err != nil {
		http.Error(w, "service request not found", http.StatusNotFound)
		return
	}
	if m.Status.IsTerminal() {
		http.Error(w, "request already finished", http.StatusConflict)
		return
	}

	now := time.Now()
	m.Status = body.Status
	switch body.Status {
	case models.StateConfirmed:
		m.ConfirmedAt = &now
		s.holdPayment(r, m)
	case models.StateInProgress:
		m.StartedAt = &now
	case models.StateCompleted:
		m.CompletedAt = &now
		final := m.EstimatedPrice
		m.FinalPrice = &final
		s.capturePayment(r, m)
	case models.StateCancelled:
		s.releasePayment(r, m)
	}
	if err := s.Store.UpdateMatch(m); err != nil {
		http.Error(w, "could not persist update", http.StatusInternalServerError)
		return
	}
	if m.ProviderID != "" {
		if err := s.Notifier.Notify(m.ProviderID, models.Event{
			Type: "service_response", ServiceID: id, Status: m.Status.String(), Timestamp: now,
		}); err != nil {
			s.logger.Warn("status notification failed", "service_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := loc.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// live tracking fan-out to the counterpart happens over the ws layer
	s.WSReg.Broadcast(models.Event{
		Type: "location_update", UserID: r.Header.Get("X-User-ID"),
		Loc: &loc, Timestamp: time.Now(),
	}, r.Header.Get("X-User-ID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.Online = true
	// publish to kafka if configured
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(p); err != nil {
			s.logger.Warn("kafka publish failed", "provider_id", p.ID, "error", err)
		}
	}
	s.Geo.Upsert(p)
	observability.ProvidersOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	// drain the connection so peer disconnects drop the session right away
	go func() {
		defer s.WSReg.Remove(id)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) holdPayment(r *http.Request, m *models.Match) {
	if s.Payments == nil {
		return
	}
	if m.EstimatedPrice <= 0 {
		s.logger.Warn("skipping payment hold, match has no price", "match_id", m.ID)
		return
	}
	pi, err := s.Payments.HoldForMatch(r.Context(), m, r.Header.Get("X-Customer-ID"))
	if err != nil {
		s.logger.Warn("payment hold failed", "match_id", m.ID, "error", err)
		return
	}
	s.piMu.Lock()
	s.paymentIntents[m.ID] = pi
	s.piMu.Unlock()
}

func (s *Server) capturePayment(r *http.Request, m *models.Match) {
	pi := s.takePaymentIntent(m.ID)
	if pi == "" || s.Payments == nil {
		return
	}
	if err := s.Payments.Capture(r.Context(), pi); err != nil {
		s.logger.Warn("payment capture failed", "match_id", m.ID, "error", err)
	}
}

func (s *Server) releasePayment(r *http.Request, m *models.Match) {
	pi := s.takePaymentIntent(m.ID)
	if pi == "" || s.Payments == nil {
		return
	}
	if err := s.Payments.Release(r.Context(), pi); err != nil {
		s.logger.Warn("payment release failed", "match_id", m.ID, "error", err)
	}
}

func (s *Server) takePaymentIntent(matchID string) string {
	s.piMu.Lock()
	defer s.piMu.Unlock()
	pi := s.paymentIntents[matchID]
	delete(s.paymentIntents, matchID)
	return pi
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
