package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/pesabank/go-adserver-backend/internal/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "ads.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedAd(t *testing.T, db *gorm.DB, ad domain.Ad) *domain.Ad {
	t.Helper()
	created, err := CreateAd(context.Background(), db, &ad)
	if err != nil {
		t.Fatalf("CreateAd: %v", err)
	}
	return created
}

func flight(now time.Time) (time.Time, time.Time) {
	return now.Add(-24 * time.Hour), now.Add(24 * time.Hour)
}

func TestCreateAd_Defaults(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	start, end := flight(now)

	ad := seedAd(t, db, domain.Ad{
		Title:     "Premium savings",
		ImageURL:  "https://cdn.example.com/a.png",
		Segments:  []domain.Segment{domain.SegmentMass},
		StartDate: start,
		EndDate:   end,
	})
	if ad.ID == "" {
		t.Fatalf("CreateAd did not assign an ID")
	}
	if len(ad.Channels) != 1 || ad.Channels[0] != domain.ChannelATM {
		t.Fatalf("absent channels should default to {ATM}, got %v", ad.Channels)
	}
	if ad.Priority != 1 {
		t.Fatalf("absent priority should default to 1, got %v", ad.Priority)
	}
	if ad.Status != domain.StatusActive {
		t.Fatalf("absent status should default to active, got %q", ad.Status)
	}
}

func TestFindCandidates_Filters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := flight(now)

	match := seedAd(t, db, domain.Ad{
		Title: "match", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentMass},
		Channels: []domain.Channel{domain.ChannelATM, domain.ChannelMobile},
		StartDate: start, EndDate: end,
	})
	seedAd(t, db, domain.Ad{
		Title: "wrong segment", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentHNW},
		Channels: []domain.Channel{domain.ChannelATM},
		StartDate: start, EndDate: end,
	})
	seedAd(t, db, domain.Ad{
		Title: "wrong channel", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentMass},
		Channels: []domain.Channel{domain.ChannelWeb},
		StartDate: start, EndDate: end,
	})
	seedAd(t, db, domain.Ad{
		Title: "expired", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentMass},
		Channels: []domain.Channel{domain.ChannelATM},
		StartDate: now.Add(-72 * time.Hour), EndDate: now.Add(-48 * time.Hour),
	})
	inactive := domain.Ad{
		Title: "inactive", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentMass},
		Channels: []domain.Channel{domain.ChannelATM},
		StartDate: start, EndDate: end,
		Status: domain.StatusInactive,
	}
	seedAd(t, db, inactive)

	got, err := FindCandidates(ctx, db, domain.SegmentMass, domain.ChannelATM, now)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != match.ID {
		t.Fatalf("FindCandidates = %d ads, want exactly the matching one", len(got))
	}
}

func TestFindCandidates_PriorityOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := flight(now)

	low := seedAd(t, db, domain.Ad{
		Title: "low", ImageURL: "i", Priority: 1,
		Segments: []domain.Segment{domain.SegmentLow},
		Channels: []domain.Channel{domain.ChannelATM},
		StartDate: start, EndDate: end,
	})
	high := seedAd(t, db, domain.Ad{
		Title: "high", ImageURL: "i", Priority: 9,
		Segments: []domain.Segment{domain.SegmentLow},
		Channels: []domain.Channel{domain.ChannelATM},
		StartDate: start, EndDate: end,
	})

	got, err := FindCandidates(ctx, db, domain.SegmentLow, domain.ChannelATM, now)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != high.ID || got[1].ID != low.ID {
		t.Fatalf("candidates not ordered by priority desc: %+v", got)
	}
}

func TestIncrementCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := flight(now)

	ad := seedAd(t, db, domain.Ad{
		Title: "c", ImageURL: "i",
		Segments: []domain.Segment{domain.SegmentMass},
		StartDate: start, EndDate: end,
	})

	for i := 0; i < 3; i++ {
		if err := IncrementImpressions(ctx, db, ad.ID); err != nil {
			t.Fatalf("IncrementImpressions: %v", err)
		}
	}
	if err := IncrementClicks(ctx, db, ad.ID); err != nil {
		t.Fatalf("IncrementClicks: %v", err)
	}

	got, err := GetAd(ctx, db, ad.ID)
	if err != nil {
		t.Fatalf("GetAd: %v", err)
	}
	if got.Impressions != 3 || got.Clicks != 1 {
		t.Fatalf("counters = %d/%d, want 3/1", got.Impressions, got.Clicks)
	}

	if err := IncrementImpressions(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("increment of missing ad err = %v, want ErrNotFound", err)
	}
}

func TestGetAd_NotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := GetAd(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAd(missing) err = %v, want ErrNotFound", err)
	}
}

func TestListAdsPage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := flight(now)

	for i := 0; i < 5; i++ {
		seedAd(t, db, domain.Ad{
			Title: "ad", ImageURL: "i",
			Segments: []domain.Segment{domain.SegmentMass},
			StartDate: start, EndDate: end,
		})
	}

	total, err := CountAds(ctx, db)
	if err != nil || total != 5 {
		t.Fatalf("CountAds = %d, %v", total, err)
	}
	page, err := ListAdsPage(ctx, db, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListAdsPage(0,2) = %d ads, %v", len(page), err)
	}
	last, err := ListAdsPage(ctx, db, 4, 2)
	if err != nil || len(last) != 1 {
		t.Fatalf("ListAdsPage(4,2) = %d ads, %v", len(last), err)
	}
}

func TestFindCandidates_DeadlineMapsToTimeout(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if _, err := FindCandidates(ctx, db, domain.SegmentMass, domain.ChannelATM, time.Now().UTC()); !errors.Is(err, ErrCatalogTimeout) {
		t.Fatalf("expired deadline err = %v, want ErrCatalogTimeout", err)
	}
}
