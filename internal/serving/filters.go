package serving

import (
	"time"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
)

// Exclusion records why one ad was removed by a filter stage. The list is
// used for debug logging only and never affects the response.
type Exclusion struct {
	AdID   string
	Reason string
}

// FilterByTimeSlot keeps the ads allowed to run in the slot containing now.
// Ads without a timeSlots restriction always pass.
func FilterByTimeSlot(ads []domain.Ad, now time.Time) ([]domain.Ad, []Exclusion) {
	slot := domain.SlotForTime(now)
	eligible := make([]domain.Ad, 0, len(ads))
	var excluded []Exclusion
	for _, a := range ads {
		if a.AllowsSlot(slot) {
			eligible = append(eligible, a)
			continue
		}
		excluded = append(excluded, Exclusion{AdID: a.ID, Reason: "outside time slot " + string(slot)})
	}
	return eligible, excluded
}

// FilterByFrequency drops ads the customer has seen too often: at or above
// the daily cap within the history window, or at all within the cooldown.
func FilterByFrequency(ads []domain.Ad, p domain.UserProfile, now time.Time, cfg config.FrequencyConfig) ([]domain.Ad, []Exclusion) {
	eligible := make([]domain.Ad, 0, len(ads))
	var excluded []Exclusion
	for _, a := range ads {
		count, latest := p.RecentImpressions(a.ID, now, cfg.Window)
		switch {
		case count >= cfg.MaxPerDay:
			excluded = append(excluded, Exclusion{AdID: a.ID, Reason: "daily frequency cap reached"})
		case count > 0 && latest.After(now.Add(-cfg.Cooldown)):
			excluded = append(excluded, Exclusion{AdID: a.ID, Reason: "within cooldown"})
		default:
			eligible = append(eligible, a)
		}
	}
	return eligible, excluded
}

// LeastShown returns the ad with the fewest recorded impressions, used by the
// fallback path when filtering removes every candidate. Ties keep the first
// in the input ordering (highest priority, since candidates arrive sorted).
func LeastShown(ads []domain.Ad) (domain.Ad, bool) {
	if len(ads) == 0 {
		return domain.Ad{}, false
	}
	best := ads[0]
	for _, a := range ads[1:] {
		if a.Impressions < best.Impressions {
			best = a
		}
	}
	return best, true
}
