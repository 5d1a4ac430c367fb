package serving

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/kv"
	"github.com/pesabank/go-adserver-backend/internal/profile"
)

// fakeCatalog is an in-memory Catalog spy used to realise the serve
// scenarios hermetically.
type fakeCatalog struct {
	mu          sync.Mutex
	ads         []domain.Ad
	findErr     error
	findCalls   int
	impressions map[string]int
	clicks      map[string]int
}

func newFakeCatalog(ads ...domain.Ad) *fakeCatalog {
	return &fakeCatalog{ads: ads, impressions: map[string]int{}, clicks: map[string]int{}}
}

func (f *fakeCatalog) FindCandidates(ctx context.Context, segment domain.Segment, channel domain.Channel, now time.Time) ([]domain.Ad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.Ad
	for _, a := range f.ads {
		if a.ActiveAt(now) && a.TargetsSegment(segment) && a.TargetsChannel(channel) {
			out = append(out, a)
		}
	}
	// Catalog contract: priority descending.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].EffectivePriority() > out[j-1].EffectivePriority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeCatalog) CreateAd(ctx context.Context, ad *domain.Ad) (*domain.Ad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ad.ID == "" {
		ad.ID = "generated"
	}
	if len(ad.Channels) == 0 {
		ad.Channels = []domain.Channel{domain.DefaultChannel}
	}
	f.ads = append(f.ads, *ad)
	return ad, nil
}

func (f *fakeCatalog) GetAd(ctx context.Context, id string) (*domain.Ad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.ads {
		if f.ads[i].ID == id {
			return &f.ads[i], nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeCatalog) IncrementImpressions(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.impressions[id]++
	return nil
}

func (f *fakeCatalog) IncrementClicks(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks[id]++
	return nil
}

func (f *fakeCatalog) CountAds(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.ads)), nil
}

func (f *fakeCatalog) ListAdsPage(ctx context.Context, offset, limit int) ([]domain.Ad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.ads) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.ads) {
		end = len(f.ads)
	}
	return f.ads[offset:end], nil
}

func (f *fakeCatalog) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls
}

var serveNow = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC) // morning slot

func atmAd(id string, priority float64, impressions int64) domain.Ad {
	return domain.Ad{
		ID: id, Title: "title-" + id, ImageURL: "img-" + id,
		Segments:  []domain.Segment{domain.SegmentMass},
		Channels:  []domain.Channel{domain.ChannelATM},
		StartDate: serveNow.Add(-24 * time.Hour),
		EndDate:   serveNow.Add(24 * time.Hour),
		Status:    domain.StatusActive,
		Priority:  priority, Impressions: impressions,
	}
}

func newTestService(cat Catalog, mem *kv.MemoryStore) *Service {
	clock := func() time.Time { return serveNow }
	mem.SetClock(clock)
	profiles := profile.New(mem, 24*time.Hour, 24*time.Hour)
	profiles.Now = clock
	return &Service{
		Catalog:  cat,
		Profiles: profiles,
		Cache:    NewResponseCache(mem, cacheCfg()),
		Scorer:   testScorer(),
		Thresholds: domain.SegmentThresholds{
			LowMax: 50_000, MassMax: 200_000, AffluentMax: 1_000_000,
		},
		Frequency: config.FrequencyConfig{MaxPerDay: 3, Cooldown: 2 * time.Hour, Window: 24 * time.Hour},
		Now:       clock,
	}
}

func seedProfile(t *testing.T, mem *kv.MemoryStore, customerID string, entries ...domain.ImpressionRecord) {
	t.Helper()
	p := domain.UserProfile{CustomerID: customerID, Impressions: entries, LastUpdated: serveNow}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	if err := mem.SetWithTTL(context.Background(), profile.Key(customerID), string(raw), time.Hour); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func TestServe_BasicEmptyCache(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.AdID != "ad-1" || resp.Segment != domain.SegmentMass || resp.Channel != domain.ChannelATM {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Fallback {
		t.Fatalf("healthy serve marked fallback")
	}

	// Background work runs inline without a pool: cache set, profile written,
	// catalog counter bumped.
	if _, err := mem.Get(ctx, "ad:mass:ATM:C1"); err != nil {
		t.Fatalf("cache key not written: %v", err)
	}
	if cat.impressions["ad-1"] != 1 {
		t.Fatalf("impression counter = %d", cat.impressions["ad-1"])
	}
	p := s.Profiles.Get(ctx, "C1")
	if len(p.Impressions) != 1 || p.Impressions[0].AdID != "ad-1" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestServe_ThinSupplyUsesShortTTL(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	if _, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	// One candidate: thin supply, 30s TTL. Move the KV clock past it.
	mem.SetClock(func() time.Time { return serveNow.Add(31 * time.Second) })
	if _, err := mem.Get(ctx, "ad:mass:ATM:C1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("thin-supply cache entry should expire at 30s, err = %v", err)
	}
}

func TestServe_CacheHitShortCircuits(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	canned := domain.ServeResponse{AdID: "canned", Title: "t", ImageURL: "i", Segment: domain.SegmentMass, Channel: domain.ChannelATM}
	raw, _ := json.Marshal(canned)
	if err := mem.SetWithTTL(ctx, "ad:mass:ATM:C1", string(raw), time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.AdID != "canned" {
		t.Fatalf("cache hit not returned verbatim: %+v", resp)
	}
	if cat.calls() != 0 {
		t.Fatalf("catalog queried on cache hit (%d calls)", cat.calls())
	}
}

func TestServe_FrequencyCapPicksOther(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("A", 9, 0), atmAd("B", 1, 100))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	seedProfile(t, mem, "C1",
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
	)

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.AdID != "B" {
		t.Fatalf("winner = %v, want B (A capped)", resp.AdID)
	}
}

func TestServe_AllFilteredFallsBackToLeastShown(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("A", 5, 42))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	seedProfile(t, mem, "C1",
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
		domain.ImpressionRecord{AdID: "A", Timestamp: serveNow.Add(-time.Hour)},
	)

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.AdID != "A" || resp.Fallback {
		t.Fatalf("least-shown fallback resp = %+v", resp)
	}
}

func TestServe_NoMatchReturnsNoAdAvailable(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog() // empty catalog
	s := newTestService(cat, kv.NewMemoryStore())

	if _, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1"); !errors.Is(err, ErrNoAdAvailable) {
		t.Fatalf("err = %v, want ErrNoAdAvailable", err)
	}
}

func TestServe_UnknownChannelYieldsNoAd(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	s := newTestService(cat, kv.NewMemoryStore())

	if _, err := s.Serve(ctx, 120_000, domain.Channel("carrier-pigeon"), "C1"); !errors.Is(err, ErrNoAdAvailable) {
		t.Fatalf("err = %v, want ErrNoAdAvailable", err)
	}
}

func TestServe_KVDownStillServes(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)
	mem.SetFailing(true)

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve with KV down: %v", err)
	}
	if resp.AdID != "ad-1" {
		t.Fatalf("resp = %+v", resp)
	}

	// Nothing persisted while the store is down.
	mem.SetFailing(false)
	if _, err := mem.Get(ctx, "ad:mass:ATM:C1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("cache written while KV down")
	}
	if p := s.Profiles.Get(ctx, "C1"); len(p.Impressions) != 0 {
		t.Fatalf("profile written while KV down: %+v", p)
	}
}

func TestServe_PipelineErrorTriggersDegradedPath(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("high", 9, 0), atmAd("low", 1, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	// First catalog call fails, the degraded retry succeeds.
	s.Catalog = &flakyCatalog{fakeCatalog: cat}

	resp, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !resp.Fallback {
		t.Fatalf("degraded response not marked fallback: %+v", resp)
	}
	if resp.AdID != "high" {
		t.Fatalf("degraded path should pick highest priority, got %v", resp.AdID)
	}
}

func TestServe_DegradedPathAlsoFailing(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	cat.findErr = errors.New("catalog down")
	s := newTestService(cat, kv.NewMemoryStore())

	if _, err := s.Serve(ctx, 120_000, domain.ChannelATM, "C1"); !errors.Is(err, ErrServeFailed) {
		t.Fatalf("err = %v, want ErrServeFailed", err)
	}
}

// flakyCatalog fails the first FindCandidates call and delegates afterwards.
type flakyCatalog struct {
	*fakeCatalog
	mu    sync.Mutex
	tried bool
}

func (f *flakyCatalog) FindCandidates(ctx context.Context, segment domain.Segment, channel domain.Channel, now time.Time) ([]domain.Ad, error) {
	f.mu.Lock()
	first := !f.tried
	f.tried = true
	f.mu.Unlock()
	if first {
		return nil, errors.New("catalog briefly down")
	}
	return f.fakeCatalog.FindCandidates(ctx, segment, channel, now)
}

func TestCreate_InvalidatesMatchingCacheEntries(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	if err := mem.SetWithTTL(ctx, "ad:mass:ATM:C1", "stale", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mem.SetWithTTL(ctx, "ad:hnw:web:C9", "keep", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ad := atmAd("new", 5, 0)
	if _, err := s.Create(ctx, &ad); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := mem.Get(ctx, "ad:mass:ATM:C1"); err == nil {
		t.Fatalf("matching cache entry survived create")
	}
	if _, err := mem.Get(ctx, "ad:hnw:web:C9"); err != nil {
		t.Fatalf("unrelated cache entry removed: %v", err)
	}
}

func TestImpression_RecordsProfileWhenCustomerPresent(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("ad-1", 5, 0))
	mem := kv.NewMemoryStore()
	s := newTestService(cat, mem)

	if err := s.Impression(ctx, "ad-1", "C1"); err != nil {
		t.Fatalf("Impression: %v", err)
	}
	if cat.impressions["ad-1"] != 1 {
		t.Fatalf("counter = %d", cat.impressions["ad-1"])
	}
	if p := s.Profiles.Get(ctx, "C1"); len(p.Impressions) != 1 {
		t.Fatalf("profile = %+v", p)
	}

	if err := s.Impression(ctx, "ad-1", ""); err != nil {
		t.Fatalf("Impression without customer: %v", err)
	}
	if p := s.Profiles.Get(ctx, "C1"); len(p.Impressions) != 1 {
		t.Fatalf("anonymous impression touched the profile")
	}
}

func TestListPage_Defaults(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog(atmAd("a", 1, 0), atmAd("b", 1, 0), atmAd("c", 1, 0))
	s := newTestService(cat, kv.NewMemoryStore())

	items, total, err := s.ListPage(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("ListPage = %d items, total %d", len(items), total)
	}
	items, _, err = s.ListPage(ctx, 2, 2)
	if err != nil || len(items) != 1 {
		t.Fatalf("second page = %d items, %v", len(items), err)
	}
}
