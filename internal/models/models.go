package models

import (
	"errors"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

var ErrInvalidCoord = errors.New("invalid coordinate")

// Validate rejects coordinates outside the WGS84 range.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return ErrInvalidCoord
	}
	if c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoord
	}
	return nil
}

// ServiceCategory values match the categories the marketplace exposes.
type ServiceCategory string

const (
	CategoryCleaning   ServiceCategory = "limpeza"
	CategoryGardening  ServiceCategory = "jardinagem"
	CategoryPainting   ServiceCategory = "pintura"
	CategoryElectrical ServiceCategory = "eletrica"
	CategoryPlumbing   ServiceCategory = "encanamento"
	CategoryCarpentry  ServiceCategory = "marcenaria"
)

func (c ServiceCategory) IsValid() bool {
	switch c {
	case CategoryCleaning, CategoryGardening, CategoryPainting,
		CategoryElectrical, CategoryPlumbing, CategoryCarpentry:
		return true
	}
	return false
}

// State is the request lifecycle state as observed by the client.
type State string

const (
	StateIdle             State = "idle"
	StateSearching        State = "searching"
	StateProvidersFound   State = "providers_found"
	StateProviderSelected State = "provider_selected"
	StateConfirmed        State = "confirmed"
	StateInProgress       State = "in_progress"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateSearching, StateProvidersFound, StateProviderSelected,
		StateConfirmed, StateInProgress, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the state only leaves via reset.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Provider is one candidate able to fulfil a service request.
// Instances are immutable once fetched; a refresh replaces the whole list.
type Provider struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Avatar        string          `json:"avatar,omitempty"`
	Rating        float64         `json:"rating"` // 0..5
	ReviewCount   int             `json:"review_count"`
	DistanceKm    float64         `json:"distance_km"`
	EstimatedMins int             `json:"estimated_mins"`
	Price         float64         `json:"price"`
	Category      ServiceCategory `json:"category"`
	Loc           Coord           `json:"loc"`
	Online        bool            `json:"online"`
	Phone         string          `json:"phone,omitempty"`
	Updated       time.Time       `json:"updated"`
}

// Match ties one client's request to at most one selected provider.
// Timestamps are appended as the lifecycle advances; never rolled back.
type Match struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	ProviderID     string          `json:"provider_id"`
	Category       ServiceCategory `json:"category"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Status         State           `json:"status"`
	ClientLocation Coord           `json:"client_location"`
	Address        string          `json:"address"`
	EstimatedPrice float64         `json:"estimated_price"`
	FinalPrice     *float64        `json:"final_price,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ServiceRequest is the wire shape for creating a request on the backend.
type ServiceRequest struct {
	Category    ServiceCategory `json:"category"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Location    Coord           `json:"location"`
	Address     string          `json:"address"`
}

// RequestAck is the backend acknowledgement for a created request.
type RequestAck struct {
	ID                    string `json:"id"`
	EstimatedResponseTime string `json:"estimated_response_time"`
}

// Event is a realtime notification delivered over the transport layer.
type Event struct {
	Type      string    `json:"type"` // provider_status, service_response, location_update
	UserID    string    `json:"user_id,omitempty"`
	ServiceID string    `json:"service_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Loc       *Coord    `json:"loc,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
