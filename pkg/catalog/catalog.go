package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

// Catalog is the local store titles are reconciled against.
// Find methods return nil, nil when nothing matches.
type Catalog interface {
	FindByPath(ctx context.Context, path string) (*models.TitleRecord, error)
	FindByImage(ctx context.Context, image string) (*models.TitleRecord, error)

	// Insert stores a new title and assigns its LocalID
	Insert(ctx context.Context, rec *models.TitleRecord) error

	// Update replaces the stored title existingID. It reports false when no such title exists.
	Update(ctx context.Context, rec *models.TitleRecord, existingID string) (bool, error)

	Count(ctx context.Context) (int, error)
	Close() error
}

// Maintainer is implemented by catalogs that need periodic background work
type Maintainer interface {
	RunGC(ctx context.Context, interval time.Duration)
}

// PathExporter writes every stored title path to a file, one per line
type PathExporter interface {
	WritePathLog(ctx context.Context, filePath string) (int, error)
}

// Open returns the catalog backend selected in cfg for one source
func Open(ctx context.Context, cfg config.CatalogConfig, stateDir, sourceKey string, log *logrus.Entry) (Catalog, error) {
	switch cfg.Backend {
	case "", config.CatalogBackendBadger:
		return NewBadgerCatalog(stateDir, sourceKey, log)
	case config.CatalogBackendMongo:
		return NewMongoCatalog(ctx, cfg, sourceKey, log)
	default:
		return nil, fmt.Errorf("%w: unknown catalog backend %q", utils.ErrConfigValidation, cfg.Backend)
	}
}
