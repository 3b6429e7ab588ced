// Package store persists City records. Names are unique; every backend enforces it.
package store

import (
	"context"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

// Store is the City record store.
//
// Create returns models.ErrConflict for a duplicate name. GetByName and DeleteByName
// return models.ErrNotFound when no record matches. List returns records in the
// backend's natural order and never returns nil.
type Store interface {
	Create(ctx context.Context, city models.City) (models.City, error)
	GetByName(ctx context.Context, name string) (models.City, error)
	List(ctx context.Context) ([]models.City, error)
	DeleteByName(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}
