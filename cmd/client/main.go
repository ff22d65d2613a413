// Command client runs a scripted service request against a live
// servimatch API: request, pick the first provider, confirm, and
// complete, logging every state change along the way.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/servimatch/internal/backend"
	"github.com/example/servimatch/internal/cache"
	"github.com/example/servimatch/internal/lifecycle"
	"github.com/example/servimatch/internal/location"
	"github.com/example/servimatch/internal/logging"
	"github.com/example/servimatch/internal/models"
	"github.com/example/servimatch/internal/realtime"
)

func main() {
	logger := logging.NewLogger(getenv("LOG_LEVEL", "info"))

	baseURL := getenv("API_BASE_URL", "http://localhost:8080")
	clientID := getenv("CLIENT_ID", "demo-client")
	category := models.ServiceCategory(getenv("SERVICE_CATEGORY", string(models.CategoryCleaning)))
	if !category.IsValid() {
		logger.Error("unknown service category", "category", category)
		os.Exit(1)
	}

	var store cache.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		store = cache.NewRedisKV(addr, os.Getenv("REDIS_PASSWORD"))
	} else {
		store = cache.NewMemoryKV()
	}
	c := cache.New(cache.Config{Namespace: "client", Store: store, Logger: logger})
	c.Start()
	defer c.Stop()

	api := backend.NewClient(baseURL, c)

	// São Paulo, the demo neighbourhood
	loc := location.NewStatic(models.Coord{Lat: -23.5505, Lon: -46.6333})

	m := lifecycle.New(lifecycle.DefaultConfig(clientID), api, loc, logger)
	defer m.Close()

	states := make(chan lifecycle.Snapshot, 32)
	unsub := m.Subscribe(func(s lifecycle.Snapshot) {
		logger.Info("state change", "state", s.State, "providers", len(s.Providers), "error", s.Err)
		select {
		case states <- s:
		default:
		}
	})
	defer unsub()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if wsURL := os.Getenv("WS_URL"); wsURL != "" {
		sub := realtime.NewSubscriber(wsURL, logger)
		sub.OnEvent(m.HandleEvent)
		sub.Start(ctx)
		defer sub.Stop()
	}

	if err := m.RequestService(ctx, category, "Limpeza residencial", "Limpeza completa do apartamento", "Av. Paulista, 1000"); err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}

	if !waitFor(ctx, states, m, models.StateProvidersFound) {
		logger.Error("no providers found in time")
		os.Exit(1)
	}
	snap := m.Snapshot()
	if len(snap.Providers) == 0 {
		logger.Error("provider list is empty")
		os.Exit(1)
	}
	chosen := snap.Providers[0]
	logger.Info("selecting provider", "id", chosen.ID, "name", chosen.Name, "price", chosen.Price)
	if err := m.SelectProvider(chosen.ID); err != nil {
		logger.Error("select failed", "error", err)
		os.Exit(1)
	}

	if err := m.ConfirmService(ctx); err != nil {
		logger.Error("confirm failed", "error", err)
		os.Exit(1)
	}
	if !waitFor(ctx, states, m, models.StateInProgress) {
		logger.Error("service never started")
		os.Exit(1)
	}

	if err := m.CompleteService(ctx); err != nil {
		logger.Error("complete failed", "error", err)
		os.Exit(1)
	}
	final := m.Snapshot()
	if final.Match != nil && final.Match.FinalPrice != nil {
		logger.Info("service completed", "match", final.Match.ID, "final_price", *final.Match.FinalPrice)
	} else {
		logger.Info("service completed")
	}
}

// waitFor drains state notifications until want shows up or the
// deadline passes.
func waitFor(ctx context.Context, states <-chan lifecycle.Snapshot, m *lifecycle.Machine, want models.State) bool {
	if m.Snapshot().State == want {
		return true
	}
	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case s := <-states:
			if s.State == want {
				return true
			}
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
