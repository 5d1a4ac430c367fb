// Package profile maintains the ephemeral per-customer impression history
// used for frequency capping. Profiles live in the key-value store under
// userprofile:{customerId} with a 24h TTL refreshed on every write.
//
// The store is deliberately forgiving: reads never fail (a missing profile or
// an unavailable KV yields an empty profile) and writes are last-writer-wins,
// logged and dropped on error. Losing a profile only weakens frequency
// capping for one customer for one day; it must never fail a serve.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/kv"
)

// KeyPrefix is the key namespace of customer profiles.
const KeyPrefix = "userprofile:"

// Key returns the KV key of a customer's profile. The ID is sanitized so the
// key has a fixed number of separator-delimited fields.
func Key(customerID string) string {
	return KeyPrefix + domain.SanitizeCustomerID(customerID)
}

// Store reads and writes customer profiles.
type Store struct {
	KV     kv.Store
	TTL    time.Duration
	Window time.Duration // impression history horizon, entries older are pruned
	Now    func() time.Time
}

// New returns a Store on the real clock.
func New(store kv.Store, ttl, window time.Duration) *Store {
	return &Store{KV: store, TTL: ttl, Window: window, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get returns the customer's profile. It never returns an error: a missing
// key, an unreadable payload, or an unavailable store all degrade to an empty
// profile, which disables frequency capping for this request only.
func (s *Store) Get(ctx context.Context, customerID string) domain.UserProfile {
	empty := domain.UserProfile{CustomerID: customerID}
	raw, err := s.KV.Get(ctx, Key(customerID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("customer_id", customerID).
				Msg("profile read failed; serving without frequency history")
		}
		return empty
	}
	var p domain.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).
			Msg("profile payload corrupt; starting fresh")
		return empty
	}
	p.CustomerID = customerID
	return p
}

// RecordImpression appends one impression of adID at time now to the
// customer's profile, prunes entries older than the history window, and
// rewrites the profile with a refreshed TTL in a single SET. Concurrent
// writers race last-writer-wins. Errors are logged and swallowed.
func (s *Store) RecordImpression(ctx context.Context, customerID, adID string) {
	now := s.now()
	p := s.Get(ctx, customerID)
	p.Impressions = append(p.Impressions, domain.ImpressionRecord{AdID: adID, Timestamp: now})
	p = p.Prune(now, s.Window)
	p.LastUpdated = now

	raw, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("customer_id", customerID).Msg("profile marshal failed")
		return
	}
	if err := s.KV.SetWithTTL(ctx, Key(customerID), string(raw), s.TTL); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Str("ad_id", adID).
			Msg("profile write failed; impression not recorded")
	}
}
