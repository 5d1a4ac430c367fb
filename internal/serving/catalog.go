package serving

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/repo"
)

// Catalog defines the ad-store contract required by the serving pipeline and
// the admin handlers. Implementations are responsible for persistence; the
// pipeline treats candidate retrieval as ordered by descending priority.
type Catalog interface {
	// FindCandidates returns the active ads targeting segment on channel
	// whose flight window contains now, ordered by priority descending.
	FindCandidates(ctx context.Context, segment domain.Segment, channel domain.Channel, now time.Time) ([]domain.Ad, error)

	// CreateAd persists a new catalog record, applying schema defaults.
	CreateAd(ctx context.Context, ad *domain.Ad) (*domain.Ad, error)

	// GetAd fetches a single ad by ID.
	GetAd(ctx context.Context, id string) (*domain.Ad, error)

	// IncrementImpressions / IncrementClicks are best-effort atomic counter
	// bumps. The counters never decrease.
	IncrementImpressions(ctx context.Context, id string) error
	IncrementClicks(ctx context.Context, id string) error

	// CountAds and ListAdsPage back the paginated admin listing.
	CountAds(ctx context.Context) (int64, error)
	ListAdsPage(ctx context.Context, offset, limit int) ([]domain.Ad, error)
}

// GormCatalog adapts the repo package to the Catalog interface, applying the
// soft query deadline to candidate retrieval. Past the deadline the repo
// reports repo.ErrCatalogTimeout, which the orchestrator treats like any
// other catalog failure.
type GormCatalog struct {
	DB      *gorm.DB
	Timeout time.Duration
}

func (c *GormCatalog) FindCandidates(ctx context.Context, segment domain.Segment, channel domain.Channel, now time.Time) ([]domain.Ad, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return repo.FindCandidates(ctx, c.DB, segment, channel, now)
}

func (c *GormCatalog) CreateAd(ctx context.Context, ad *domain.Ad) (*domain.Ad, error) {
	return repo.CreateAd(ctx, c.DB, ad)
}

func (c *GormCatalog) GetAd(ctx context.Context, id string) (*domain.Ad, error) {
	return repo.GetAd(ctx, c.DB, id)
}

func (c *GormCatalog) IncrementImpressions(ctx context.Context, id string) error {
	return repo.IncrementImpressions(ctx, c.DB, id)
}

func (c *GormCatalog) IncrementClicks(ctx context.Context, id string) error {
	return repo.IncrementClicks(ctx, c.DB, id)
}

func (c *GormCatalog) CountAds(ctx context.Context) (int64, error) {
	return repo.CountAds(ctx, c.DB)
}

func (c *GormCatalog) ListAdsPage(ctx context.Context, offset, limit int) ([]domain.Ad, error) {
	return repo.ListAdsPage(ctx, c.DB, offset, limit)
}
