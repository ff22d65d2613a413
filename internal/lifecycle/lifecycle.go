package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/servimatch/internal/models"
	"github.com/example/servimatch/internal/observability"
)

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrRequestInProgress   = errors.New("request already in progress")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrProviderNotFound    = errors.New("provider not found")
)

// Backend is the subset of marketplace API operations the machine drives.
type Backend interface {
	CreateRequest(ctx context.Context, req models.ServiceRequest) (models.RequestAck, error)
	NearbyProviders(ctx context.Context, loc models.Coord, category models.ServiceCategory) ([]models.Provider, error)
	UpdateStatus(ctx context.Context, serviceID string, status models.State) error
	UpdateLocation(ctx context.Context, loc models.Coord) error
}

// LocationSource yields the device position.
type LocationSource interface {
	CurrentPosition(ctx context.Context) (models.Coord, error)
}

// Config holds the tunable delays. Tests drive these with millisecond
// values; production uses the defaults.
type Config struct {
	ClientID        string
	DiscoveryDelay  time.Duration // searching -> providers_found
	DispatchDelay   time.Duration // confirmed -> in_progress
	ResetDelay      time.Duration // completed/cancelled -> idle
	RefreshInterval time.Duration // provider re-fetch cadence while searching
}

func DefaultConfig(clientID string) Config {
	return Config{
		ClientID:        clientID,
		DiscoveryDelay:  3 * time.Second,
		DispatchDelay:   5 * time.Second,
		ResetDelay:      10 * time.Second,
		RefreshInterval: 15 * time.Second,
	}
}

// Snapshot is the immutable view handed to subscribers after each change.
type Snapshot struct {
	State     models.State
	Location  *models.Coord
	Providers []models.Provider
	Selected  *models.Provider
	Match     *models.Match
	Err       string
	Loading   bool
}

// Machine tracks a single in-flight service request from creation through
// completion or cancellation. One active request at a time; a second
// RequestService while not idle is rejected.
//
// All pending timers are cancelled whenever a competing transition fires,
// so a stale discovery or dispatch timer can never resurrect an old state.
// Late network responses are discarded by re-checking the state (and a
// transition generation counter) before applying them.
type Machine struct {
	cfg     Config
	backend Backend
	loc     LocationSource
	logger  *slog.Logger

	mu        sync.Mutex
	state     models.State
	userLoc   *models.Coord
	providers []models.Provider
	selected  *models.Provider
	match     *models.Match
	lastErr   string
	loading   bool

	// seq bumps on every transition; armed timers capture the value and
	// drop themselves if it moved on.
	seq uint64

	// reqSeq bumps once per service request. Provider refreshes check it
	// instead of seq, so the discovery transition landing mid-fetch does
	// not invalidate an otherwise current response.
	reqSeq uint64

	discoveryTimer *time.Timer
	dispatchTimer  *time.Timer
	resetTimer     *time.Timer
	refreshStop    chan struct{}

	subs    map[int]func(Snapshot)
	nextSub int
}

func New(cfg Config, backend Backend, loc LocationSource, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:     cfg,
		backend: backend,
		loc:     loc,
		logger:  logger,
		state:   models.StateIdle,
		subs:    make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn to be called after every state change. The
// returned function unsubscribes.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, Err: m.lastErr, Loading: m.loading}
	if m.userLoc != nil {
		loc := *m.userLoc
		s.Location = &loc
	}
	if len(m.providers) > 0 {
		s.Providers = append([]models.Provider(nil), m.providers...)
	}
	if m.selected != nil {
		sel := *m.selected
		s.Selected = &sel
	}
	if m.match != nil {
		match := *m.match
		s.Match = &match
	}
	return s
}

func (m *Machine) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// RequestService creates a new service request. The state flips to
// searching eagerly, before the backend round-trip, so observers see the
// intent immediately; only the match id arrives after the call returns.
func (m *Machine) RequestService(ctx context.Context, category models.ServiceCategory, title, description, address string) error {
	m.mu.Lock()
	if m.state != models.StateIdle {
		m.mu.Unlock()
		return ErrRequestInProgress
	}
	if m.userLoc == nil {
		m.mu.Unlock()
		if err := m.acquireLocation(ctx); err != nil {
			m.setError(err.Error())
			return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
		}
		m.mu.Lock()
		if m.state != models.StateIdle {
			m.mu.Unlock()
			return ErrRequestInProgress
		}
	}
	loc := *m.userLoc
	now := time.Now()
	m.transitionLocked(models.StateSearching)
	m.reqSeq++
	m.loading = true
	m.lastErr = ""
	m.match = &models.Match{
		ClientID:       m.cfg.ClientID,
		Category:       category,
		Title:          title,
		Description:    description,
		Status:         models.StateSearching,
		ClientLocation: loc,
		Address:        address,
		CreatedAt:      now,
	}
	seq := m.seq
	m.mu.Unlock()
	m.notify()

	ack, err := m.backend.CreateRequest(ctx, models.ServiceRequest{
		Category:    category,
		Title:       title,
		Description: description,
		Location:    loc,
		Address:     address,
	})

	m.mu.Lock()
	if m.seq != seq || m.state != models.StateSearching {
		// cancelled or reset while the request was in flight
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.clearTimersLocked()
		m.state = models.StateIdle
		m.seq++
		m.match = nil
		m.loading = false
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("create request: %w", err)
	}
	m.match.ID = ack.ID
	m.loading = false
	m.armDiscoveryLocked()
	m.startRefreshLoopLocked()
	m.mu.Unlock()
	m.notify()
	observability.RequestsCreated.Inc()

	if err := m.RefreshProviders(ctx); err != nil {
		m.logger.Warn("initial provider refresh failed", "error", err)
	}
	return nil
}

// RefreshProviders fetches the nearby provider list and replaces the
// current one wholesale. A failure leaves the state unchanged. A response
// arriving after the machine left the searching phase is discarded.
func (m *Machine) RefreshProviders(ctx context.Context) error {
	m.mu.Lock()
	if m.userLoc == nil {
		m.mu.Unlock()
		return ErrLocationUnavailable
	}
	loc := *m.userLoc
	var category models.ServiceCategory
	if m.match != nil {
		category = m.match.Category
	}
	reqSeq := m.reqSeq
	m.mu.Unlock()

	providers, err := m.backend.NearbyProviders(ctx, loc, category)
	if err != nil {
		m.setError(err.Error())
		return fmt.Errorf("nearby providers: %w", err)
	}

	m.mu.Lock()
	if m.reqSeq != reqSeq || (m.state != models.StateSearching && m.state != models.StateProvidersFound) {
		m.mu.Unlock()
		return nil
	}
	m.providers = providers
	m.lastErr = ""
	m.mu.Unlock()
	m.notify()
	return nil
}

// SelectProvider picks one provider from the current candidate list.
func (m *Machine) SelectProvider(providerID string) error {
	m.mu.Lock()
	if m.state != models.StateProvidersFound {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	var chosen *models.Provider
	for i := range m.providers {
		if m.providers[i].ID == providerID {
			p := m.providers[i]
			chosen = &p
			break
		}
	}
	if chosen == nil {
		m.mu.Unlock()
		return ErrProviderNotFound
	}
	m.transitionLocked(models.StateProviderSelected)
	m.selected = chosen
	m.providers = nil
	m.match.ProviderID = chosen.ID
	m.match.EstimatedPrice = chosen.Price
	m.match.Status = models.StateProviderSelected
	m.mu.Unlock()
	m.notify()
	observability.RequestsMatched.Inc()
	return nil
}

// ConfirmService confirms the selected provider. The state flips eagerly;
// the confirmation timestamp is stamped once the backend acknowledges so
// timestamps stay monotone even across a failed attempt.
func (m *Machine) ConfirmService(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StateProviderSelected || m.selected == nil || m.match == nil {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.transitionLocked(models.StateConfirmed)
	m.match.Status = models.StateConfirmed
	seq := m.seq
	id := m.match.ID
	m.mu.Unlock()
	m.notify()

	err := m.backend.UpdateStatus(ctx, id, models.StateConfirmed)

	m.mu.Lock()
	if m.seq != seq || m.state != models.StateConfirmed {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.transitionLocked(models.StateProviderSelected)
		m.match.Status = models.StateProviderSelected
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("confirm service: %w", err)
	}
	now := time.Now()
	m.match.ConfirmedAt = &now
	m.armDispatchLocked()
	m.mu.Unlock()
	m.notify()
	return nil
}

// CompleteService finishes an in-progress request. The final price is the
// estimated price; no negotiation is modeled.
func (m *Machine) CompleteService(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StateInProgress || m.match == nil {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.transitionLocked(models.StateCompleted)
	m.match.Status = models.StateCompleted
	seq := m.seq
	id := m.match.ID
	m.mu.Unlock()
	m.notify()

	err := m.backend.UpdateStatus(ctx, id, models.StateCompleted)

	m.mu.Lock()
	if m.seq != seq || m.state != models.StateCompleted {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.transitionLocked(models.StateInProgress)
		m.match.Status = models.StateInProgress
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("complete service: %w", err)
	}
	now := time.Now()
	m.match.CompletedAt = &now
	final := m.match.EstimatedPrice
	m.match.FinalPrice = &final
	m.selected = nil
	m.armResetLocked()
	m.mu.Unlock()
	m.notify()
	return nil
}

// CancelService aborts the request from any non-idle, non-terminal state.
// Every pending timer is cleared so nothing fires after cancellation. The
// backend notification is best-effort.
func (m *Machine) CancelService(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateIdle || m.state.IsTerminal() {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.transitionLocked(models.StateCancelled)
	m.providers = nil
	m.selected = nil
	var id string
	if m.match != nil {
		m.match.Status = models.StateCancelled
		id = m.match.ID
	}
	m.armResetLocked()
	seq := m.seq
	m.mu.Unlock()
	m.notify()

	if id != "" {
		if err := m.backend.UpdateStatus(ctx, id, models.StateCancelled); err != nil {
			// only record the failure if the machine has not moved on
			m.mu.Lock()
			stale := m.seq != seq
			if !stale {
				m.lastErr = err.Error()
			}
			m.mu.Unlock()
			if !stale {
				m.notify()
			}
			return fmt.Errorf("cancel service: %w", err)
		}
	}
	return nil
}

// UpdateLocation records the device position and propagates it to the
// backend. The lifecycle state does not change.
func (m *Machine) UpdateLocation(ctx context.Context, loc models.Coord) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	l := loc
	m.userLoc = &l
	m.mu.Unlock()
	m.notify()
	if err := m.backend.UpdateLocation(ctx, loc); err != nil {
		m.setError(err.Error())
		return fmt.Errorf("update location: %w", err)
	}
	return nil
}

// Reset unconditionally returns the machine to its initial state.
// Idempotent.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.clearTimersLocked()
	m.state = models.StateIdle
	m.seq++
	m.providers = nil
	m.selected = nil
	m.match = nil
	m.lastErr = ""
	m.loading = false
	m.mu.Unlock()
	m.notify()
}

// Close tears down timers without notifying subscribers.
func (m *Machine) Close() {
	m.mu.Lock()
	m.clearTimersLocked()
	m.seq++
	m.mu.Unlock()
}

// HandleEvent folds a realtime notification into the machine. Wire it to
// a realtime subscriber with sub.OnEvent(m.HandleEvent).
func (m *Machine) HandleEvent(ev models.Event) {
	switch ev.Type {
	case "provider_status":
		// candidate availability changed; re-fetch if a list is showing
		m.mu.Lock()
		refresh := m.state == models.StateSearching || m.state == models.StateProvidersFound
		m.mu.Unlock()
		if refresh {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.RefreshProviders(ctx); err != nil {
				m.logger.Warn("event-driven refresh failed", "error", err)
			}
		}
	case "location_update":
		if ev.Loc == nil {
			return
		}
		m.mu.Lock()
		relevant := m.selected != nil && m.selected.ID == ev.UserID
		if relevant {
			sel := *m.selected
			sel.Loc = *ev.Loc
			m.selected = &sel
		}
		m.mu.Unlock()
		if relevant {
			m.notify()
		}
	}
}

func (m *Machine) acquireLocation(ctx context.Context) error {
	// sources that model a permission step get asked first
	if rp, ok := m.loc.(interface {
		RequestPermission(ctx context.Context) (bool, error)
	}); ok {
		granted, err := rp.RequestPermission(ctx)
		if err != nil {
			return err
		}
		if !granted {
			return errors.New("location permission denied")
		}
	}
	loc, err := m.loc.CurrentPosition(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.userLoc = &loc
	m.mu.Unlock()
	return nil
}

func (m *Machine) setError(msg string) {
	m.mu.Lock()
	m.lastErr = msg
	m.mu.Unlock()
	m.notify()
}

// transitionLocked moves to next, bumping the generation and clearing
// every timer armed for the previous state.
func (m *Machine) transitionLocked(next models.State) {
	m.clearTimersLocked()
	m.state = next
	m.seq++
}

func (m *Machine) clearTimersLocked() {
	if m.discoveryTimer != nil {
		m.discoveryTimer.Stop()
		m.discoveryTimer = nil
	}
	if m.dispatchTimer != nil {
		m.dispatchTimer.Stop()
		m.dispatchTimer = nil
	}
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	if m.refreshStop != nil {
		close(m.refreshStop)
		m.refreshStop = nil
	}
}

func (m *Machine) armDiscoveryLocked() {
	seq := m.seq
	m.discoveryTimer = time.AfterFunc(m.cfg.DiscoveryDelay, func() {
		m.mu.Lock()
		if m.seq != seq || m.state != models.StateSearching {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(models.StateProvidersFound)
		if m.match != nil {
			m.match.Status = models.StateProvidersFound
		}
		m.mu.Unlock()
		m.notify()
	})
}

func (m *Machine) armDispatchLocked() {
	seq := m.seq
	m.dispatchTimer = time.AfterFunc(m.cfg.DispatchDelay, func() {
		m.mu.Lock()
		if m.seq != seq || m.state != models.StateConfirmed {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(models.StateInProgress)
		now := time.Now()
		if m.match != nil {
			m.match.Status = models.StateInProgress
			m.match.StartedAt = &now
		}
		m.mu.Unlock()
		m.notify()
	})
}

func (m *Machine) armResetLocked() {
	seq := m.seq
	m.resetTimer = time.AfterFunc(m.cfg.ResetDelay, func() {
		m.mu.Lock()
		if m.seq != seq || !m.state.IsTerminal() {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.Reset()
	})
}

// startRefreshLoopLocked re-fetches providers on a fixed cadence while
// the machine stays in the searching phase. The loop is torn down by
// clearTimersLocked on any transition out.
func (m *Machine) startRefreshLoopLocked() {
	if m.cfg.RefreshInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.refreshStop = stop
	go func() {
		t := time.NewTicker(m.cfg.RefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.RefreshProviders(ctx); err != nil {
					m.logger.Warn("provider refresh failed", "error", err)
				}
				cancel()
			}
		}
	}()
}
