package serving

import (
	"sort"
	"time"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
)

// Scorer ranks a candidate set with a composite weighted score. Priority and
// freshness components are normalised over the set, so scores are only
// comparable within one ranking call.
type Scorer struct {
	Weights        config.ScoreWeights
	CTR            config.CTRConfig
	RecencyHorizon time.Duration
}

// ScoredAd pairs a candidate with its composite score.
type ScoredAd struct {
	Ad    domain.Ad
	Score float64
}

// Rank scores the candidates and returns them ordered best first. Ties are
// broken by higher priority, then earlier start date, then ad ID, so replicas
// ranking the same set pick the same winner.
func (s Scorer) Rank(ads []domain.Ad, now time.Time) []ScoredAd {
	if len(ads) == 0 {
		return nil
	}

	maxPriority := 0.0
	var maxImpressions int64
	for _, a := range ads {
		if p := a.EffectivePriority(); p > maxPriority {
			maxPriority = p
		}
		if a.Impressions > maxImpressions {
			maxImpressions = a.Impressions
		}
	}
	if maxImpressions < 1 {
		maxImpressions = 1
	}

	out := make([]ScoredAd, len(ads))
	for i, a := range ads {
		priority := a.EffectivePriority() / maxPriority
		ctr := s.ctrScore(a)
		recency := s.recencyScore(a, now)
		freshness := 1 - float64(a.Impressions)/float64(maxImpressions)

		out[i] = ScoredAd{
			Ad: a,
			Score: s.Weights.Priority*priority +
				s.Weights.CTR*ctr +
				s.Weights.Recency*recency +
				s.Weights.Freshness*freshness,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if pa, pb := a.Ad.EffectivePriority(), b.Ad.EffectivePriority(); pa != pb {
			return pa > pb
		}
		if !a.Ad.StartDate.Equal(b.Ad.StartDate) {
			return a.Ad.StartDate.Before(b.Ad.StartDate)
		}
		return a.Ad.ID < b.Ad.ID
	})
	return out
}

// ctrScore maps the ad's click-through rate onto [0,1]. Low-volume ads use
// the configured default rate instead of their raw ratio.
func (s Scorer) ctrScore(a domain.Ad) float64 {
	raw := s.CTR.DefaultRate
	if a.Impressions > 0 && a.Impressions >= s.CTR.MinImpressions {
		raw = float64(a.Clicks) / float64(a.Impressions)
	}
	if score := raw / s.CTR.Normalizer; score < 1 {
		return score
	}
	return 1
}

// recencyScore decays linearly from 1 at the flight start to 0 at the
// recency horizon.
func (s Scorer) recencyScore(a domain.Ad, now time.Time) float64 {
	age := now.Sub(a.StartDate)
	if age <= 0 {
		return 1
	}
	score := 1 - float64(age)/float64(s.RecencyHorizon)
	if score < 0 {
		return 0
	}
	return score
}
