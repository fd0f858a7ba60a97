package scd2

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Store persists dimension versions. Writes made inside WithinTx commit or
// roll back together.
type Store interface {
	// CurrentVersion returns the open version, or nil when there is none.
	CurrentVersion(ctx context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error)
	// LatestVersion returns the version with the greatest effective_from, open or not.
	LatestVersion(ctx context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error)
	// Versions returns every version ordered by effective_from.
	Versions(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error)
	// VersionAt returns the version whose interval contains t, or nil.
	VersionAt(ctx context.Context, entityType models.EntityType, surrogateKey int64, t time.Time) (*models.DimensionVersion, error)

	InsertVersion(ctx context.Context, version *models.DimensionVersion) error
	CloseVersion(ctx context.Context, entityType models.EntityType, versionID int64, effectiveTo time.Time, reason models.EndReason) error
	OverwriteCurrent(ctx context.Context, version *models.DimensionVersion) error

	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
