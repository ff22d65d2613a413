package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/servimatch/internal/models"
)

// ErrAttemptsExhausted is returned when the reconnect cap is hit.
var ErrAttemptsExhausted = errors.New("realtime: reconnect attempts exhausted")

// Handler receives decoded events. Delivery is sequential per subscriber.
type Handler func(models.Event)

// Subscriber maintains a websocket to the marketplace realtime endpoint
// and delivers provider_status, service_response and location_update
// events. Reconnects use exponential backoff with a fixed attempt cap.
type Subscriber struct {
	URL         string
	Logger      *slog.Logger
	MaxAttempts int
	BaseDelay   time.Duration

	mu       sync.Mutex
	handlers []Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSubscriber(url string, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		URL:         url,
		Logger:      logger,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
	}
}

// OnEvent registers a handler for all incoming events.
func (s *Subscriber) OnEvent(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start connects and reads until Stop is called or the attempt cap is hit.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.run(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("realtime subscriber stopped", "error", err)
		}
	}()
}

// Stop tears the connection down and waits for the read loop to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Subscriber) run(ctx context.Context) error {
	attempts := 0
	delay := s.BaseDelay
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			attempts++
			if attempts >= s.MaxAttempts {
				return ErrAttemptsExhausted
			}
			s.Logger.Warn("realtime dial failed", "attempt", attempts, "backoff", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		// reset backoff once connected
		attempts = 0
		delay = s.BaseDelay

		if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			s.Logger.Warn("realtime connection lost", "error", err)
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		s.mu.Lock()
		hs := append([]Handler(nil), s.handlers...)
		s.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}
	}
}
