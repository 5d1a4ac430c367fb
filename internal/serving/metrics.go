package serving

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters of the serving pipeline. HTTP-level metrics live in the
// middleware package.
var (
	adsServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ads_served_total",
		Help: "Ads served, by segment, channel and fallback path.",
	}, []string{"segment", "channel", "fallback"})

	cacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serve_cache_events_total",
		Help: "Serve-response cache events (hit, miss, write, invalidate).",
	}, []string{"event"})

	impressionsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impressions_recorded_total",
		Help: "Impressions recorded into customer profiles.",
	})
)
