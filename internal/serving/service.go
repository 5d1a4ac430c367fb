// Package serving – Service
//
// This file implements the serve orchestrator. A serve call walks the staged
// pipeline: cache lookup, profile load, catalog query, time-slot filter,
// frequency-cap filter, least-shown fallback when filtering empties the set,
// composite scoring, and asynchronous impression recording plus cache write.
// An outer degraded path catches unexpected pipeline failures and tries to
// return the highest-priority matching ad before giving up with
// ErrServeFailed.
//
// Service-level errors (ErrNoAdAvailable, ErrServeFailed) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package serving

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesabank/go-adserver-backend/internal/background"
	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/profile"
)

var tracer = otel.Tracer("github.com/pesabank/go-adserver-backend/internal/serving")

// backgroundTimeout bounds each fire-and-forget task; the request context is
// gone by the time they run.
const backgroundTimeout = 10 * time.Second

// Service orchestrates the targeting pipeline and the catalog mutations that
// feed it.
type Service struct {
	Catalog    Catalog
	Profiles   *profile.Store
	Cache      *ResponseCache
	Scorer     Scorer
	Thresholds domain.SegmentThresholds
	Frequency  config.FrequencyConfig
	Pool       *background.Pool

	// Now is the injectable clock; defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// submit schedules a fire-and-forget task. Without a pool the task runs
// inline, which only happens in tests.
func (s *Service) submit(name string, fn func(ctx context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}
	if s.Pool == nil {
		run()
		return
	}
	s.Pool.Submit(name, run)
}

// Serve selects one ad for the customer described by balance, channel and
// customerID. The customerID must already be validated by the transport
// layer. On success the response is also written to the personalised cache.
//
// Errors: ErrNoAdAvailable when the catalog has no match; ErrServeFailed when
// both the pipeline and the degraded fallback path fail.
func (s *Service) Serve(ctx context.Context, balance float64, channel domain.Channel, customerID string) (*domain.ServeResponse, error) {
	now := s.now()
	segment := domain.SegmentForBalance(balance, s.Thresholds)
	sanitized := domain.SanitizeCustomerID(strings.TrimSpace(customerID))
	key := CacheKey(segment, channel, sanitized)

	ctx, span := tracer.Start(ctx, "serving.Serve", trace.WithAttributes(
		attribute.String("ad.segment", string(segment)),
		attribute.String("ad.channel", string(channel)),
	))
	defer span.End()

	if cached, ok := s.Cache.Lookup(ctx, key); ok {
		cacheEventsTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	cacheEventsTotal.WithLabelValues("miss").Inc()

	resp, candidates, err := s.pipeline(ctx, segment, channel, customerID, now)
	if err == nil {
		s.finishServe(key, resp, candidates, customerID)
		adsServedTotal.WithLabelValues(string(segment), string(channel), "false").Inc()
		return resp, nil
	}
	if errors.Is(err, ErrNoAdAvailable) {
		return nil, err
	}

	log.Error().Err(err).
		Str("segment", string(segment)).Str("channel", string(channel)).
		Msg("serve pipeline failed; attempting degraded path")
	span.RecordError(err)

	fallback, ferr := s.degraded(ctx, segment, channel, now)
	if ferr != nil {
		log.Error().Err(ferr).Msg("degraded serve path failed")
		return nil, errors.Join(ErrServeFailed, err)
	}
	adsServedTotal.WithLabelValues(string(segment), string(channel), "true").Inc()
	return fallback, nil
}

// pipeline runs steps profile-load through scoring and returns the winning
// response together with the post-filter candidate count used for the cache
// TTL decision.
func (s *Service) pipeline(ctx context.Context, segment domain.Segment, channel domain.Channel, customerID string, now time.Time) (*domain.ServeResponse, int, error) {
	prof := s.Profiles.Get(ctx, customerID)

	candidates, err := s.Catalog.FindCandidates(ctx, segment, channel, now)
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, ErrNoAdAvailable
	}

	slotEligible, slotExcluded := FilterByTimeSlot(candidates, now)
	eligible, freqExcluded := FilterByFrequency(slotEligible, prof, now, s.Frequency)
	if n := len(slotExcluded) + len(freqExcluded); n > 0 {
		log.Debug().Int("excluded", n).Int("eligible", len(eligible)).
			Msg("filter stages excluded candidates")
	}

	var winner domain.Ad
	if len(eligible) == 0 {
		// Every candidate is capped or out of slot. Serve the least-shown ad
		// from the pre-filter set rather than returning nothing.
		winner, _ = LeastShown(candidates)
		log.Debug().Str("ad_id", winner.ID).Msg("all candidates filtered; serving least-shown")
	} else {
		winner = s.Scorer.Rank(eligible, now)[0].Ad
	}

	resp := &domain.ServeResponse{
		AdID:     winner.ID,
		Title:    winner.Title,
		ImageURL: winner.ImageURL,
		VideoURL: winner.VideoURL,
		CTA:      winner.CTA,
		Segment:  segment,
		Channel:  channel,
	}
	return resp, len(eligible), nil
}

// finishServe schedules the post-response work: impression accounting,
// profile update, and the cache write.
func (s *Service) finishServe(key string, resp *domain.ServeResponse, candidates int, customerID string) {
	adID := resp.AdID
	s.submit("record-impression", func(ctx context.Context) {
		s.Profiles.RecordImpression(ctx, customerID, adID)
		impressionsRecordedTotal.Inc()
		if err := s.Catalog.IncrementImpressions(ctx, adID); err != nil {
			log.Warn().Err(err).Str("ad_id", adID).Msg("impression counter update failed")
		}
	})
	s.submit("cache-write", func(ctx context.Context) {
		s.Cache.Write(ctx, key, resp, candidates)
		cacheEventsTotal.WithLabelValues("write").Inc()
	})
}

// degraded is the outer fallback: highest-priority active ad for the
// (segment, channel) pair, marked fallback. The customer profile is not
// updated on this path; only the catalog counter is.
func (s *Service) degraded(ctx context.Context, segment domain.Segment, channel domain.Channel, now time.Time) (*domain.ServeResponse, error) {
	candidates, err := s.Catalog.FindCandidates(ctx, segment, channel, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoAdAvailable
	}
	winner := candidates[0]
	s.submit("fallback-impression", func(ctx context.Context) {
		if err := s.Catalog.IncrementImpressions(ctx, winner.ID); err != nil {
			log.Warn().Err(err).Str("ad_id", winner.ID).Msg("impression counter update failed")
		}
	})
	return &domain.ServeResponse{
		AdID:     winner.ID,
		Title:    winner.Title,
		ImageURL: winner.ImageURL,
		VideoURL: winner.VideoURL,
		CTA:      winner.CTA,
		Segment:  segment,
		Channel:  channel,
		Fallback: true,
	}, nil
}

// Create persists a new catalog record and asynchronously invalidates the
// cached responses its targeting touches. Invalidation failures never fail
// the mutation.
func (s *Service) Create(ctx context.Context, ad *domain.Ad) (*domain.Ad, error) {
	created, err := s.Catalog.CreateAd(ctx, ad)
	if err != nil {
		return nil, err
	}
	segments, channels := created.Segments, created.Channels
	s.submit("cache-invalidate", func(ctx context.Context) {
		s.Cache.Invalidate(ctx, segments, channels)
		cacheEventsTotal.WithLabelValues("invalidate").Inc()
	})
	return created, nil
}

// Impression bumps the ad's impression counter. When customerID is present
// the exposure is also recorded into the customer's profile asynchronously,
// mirroring the serve path.
func (s *Service) Impression(ctx context.Context, adID, customerID string) error {
	if err := s.Catalog.IncrementImpressions(ctx, adID); err != nil {
		return err
	}
	if customerID != "" {
		s.submit("record-impression", func(ctx context.Context) {
			s.Profiles.RecordImpression(ctx, customerID, adID)
			impressionsRecordedTotal.Inc()
		})
	}
	return nil
}

// Click bumps the ad's click counter.
func (s *Service) Click(ctx context.Context, adID string) error {
	return s.Catalog.IncrementClicks(ctx, adID)
}

// ListPage returns a page of catalog records and the total count.
// It applies defaults for invalid page/pageSize.
func (s *Service) ListPage(ctx context.Context, page, pageSize int) ([]domain.Ad, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Catalog.CountAds(ctx)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Ad{}, 0, nil
	}
	items, err := s.Catalog.ListAdsPage(ctx, offset, pageSize)
	return items, total, err
}
