package location

import (
	"context"
	"errors"

	"github.com/example/servimatch/internal/models"
)

var ErrPermissionDenied = errors.New("location permission denied")

// Provider abstracts the device location services.
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentPosition(ctx context.Context) (models.Coord, error)
}

// Static always reports a fixed position, for tests and headless runs.
type Static struct {
	Pos     models.Coord
	Granted bool
}

func NewStatic(pos models.Coord) *Static { return &Static{Pos: pos, Granted: true} }

func (s *Static) RequestPermission(ctx context.Context) (bool, error) {
	return s.Granted, nil
}

func (s *Static) CurrentPosition(ctx context.Context) (models.Coord, error) {
	if !s.Granted {
		return models.Coord{}, ErrPermissionDenied
	}
	return s.Pos, nil
}
