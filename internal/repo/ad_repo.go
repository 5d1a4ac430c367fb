// Package repo implements the ad catalog persistence layer, backed by GORM.
// This file provides repository functions for the Ad model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an ad is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - When the query context deadline expires, functions return
//     ErrCatalogTimeout so the serving layer can distinguish a slow catalog
//     from a broken one.
//   - On other DB errors the raw gorm error is propagated.
//
// Candidate retrieval uses a narrow SQL pre-filter (status, flight window)
// and evaluates the JSON-array memberships (segments, channels) in Go, since
// the arrays are stored as serialized JSON columns.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pesabank/go-adserver-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the serving layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrCatalogTimeout is returned when a catalog query exceeds its deadline.
var ErrCatalogTimeout = errors.New("repo: catalog query timed out")

func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCatalogTimeout
	}
	return err
}

// CreateAd inserts a new catalog record. A missing ID is replaced by a random
// UUID, absent channels default to {ATM}, a non-positive priority becomes 1,
// and an empty status becomes active. Timestamps are set to UTC.
//
// On success the persisted ad is returned. On failure a DB error is returned.
func CreateAd(ctx context.Context, db *gorm.DB, ad *domain.Ad) (*domain.Ad, error) {
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	if len(ad.Channels) == 0 {
		ad.Channels = []domain.Channel{domain.DefaultChannel}
	}
	if ad.Priority <= 0 {
		ad.Priority = 1
	}
	if ad.Status == "" {
		ad.Status = domain.StatusActive
	}
	now := time.Now().UTC()
	ad.CreatedAt = now
	ad.UpdatedAt = now
	if err := db.WithContext(ctx).Create(ad).Error; err != nil {
		return nil, mapErr(err)
	}
	return ad, nil
}

// FindCandidates returns the active ads targeting segment on channel whose
// flight window contains now, ordered by priority descending. The SQL layer
// filters status and flight window; segment and channel membership is decided
// in Go against the deserialized arrays.
func FindCandidates(ctx context.Context, db *gorm.DB, segment domain.Segment, channel domain.Channel, now time.Time) ([]domain.Ad, error) {
	var rows []domain.Ad
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusActive).
		Where("start_date <= ? AND end_date >= ?", now, now).
		Order("priority desc").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := rows[:0]
	for i := range rows {
		if rows[i].TargetsSegment(segment) && rows[i].TargetsChannel(channel) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

// GetAd fetches a single ad by ID, or ErrNotFound if missing.
func GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	var ad domain.Ad
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ad).Error; err != nil {
		return nil, mapErr(err)
	}
	return &ad, nil
}

// IncrementImpressions adds one to the impression counter of the ad. It is a
// single atomic UPDATE; the counter never goes backwards. Returns ErrNotFound
// when the ad does not exist.
func IncrementImpressions(ctx context.Context, db *gorm.DB, id string) error {
	return incrementCounter(ctx, db, id, "impressions")
}

// IncrementClicks adds one to the click counter of the ad. Returns
// ErrNotFound when the ad does not exist.
func IncrementClicks(ctx context.Context, db *gorm.DB, id string) error {
	return incrementCounter(ctx, db, id, "clicks")
}

func incrementCounter(ctx context.Context, db *gorm.DB, id, column string) error {
	res := db.WithContext(ctx).
		Model(&domain.Ad{}).
		Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAds returns the total number of catalog records.
func CountAds(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Ad{}).Count(&total).Error
	return total, mapErr(err)
}

// ListAdsPage returns a paginated slice of ads ordered by creation time
// descending. Use CountAds to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListAdsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Ad, error) {
	var out []domain.Ad
	err := db.WithContext(ctx).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, mapErr(err)
}
