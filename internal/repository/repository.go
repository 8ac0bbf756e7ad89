package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/UnknownOlympus/cartographer/internal/models"
)

// ErrCacheMiss is returned when no cached extraction exists for a document.
var ErrCacheMiss = errors.New("no cached extraction for document")

// Repository is the postgres-backed extraction cache: extracted plan data
// keyed by the SHA-256 of the document image, so re-uploads of the same scan
// skip the model call.
type Repository struct {
	db  Database
	log *slog.Logger
}

// Interface is the cache surface the pipeline consumes.
type Interface interface {
	LookupExtraction(ctx context.Context, docHash string) (*models.ExtractedPlanData, error)
	SaveExtraction(ctx context.Context, docHash string, data *models.ExtractedPlanData) error
}

// NewRepository creates a new instance of Repository with the provided Database.
// It returns a pointer to the newly created Repository.
func NewRepository(db Database, log *slog.Logger) *Repository {
	return &Repository{db: db, log: log}
}
