// Package serving implements the targeting and serving pipeline: candidate
// retrieval, time-slot and frequency filtering, composite scoring, the
// personalised response cache, and the serve orchestrator. This file
// centralizes service-level error values so that they can be consistently
// returned by pipeline methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package serving

import "errors"

var (
	// ErrNoAdAvailable indicates that the catalog has no active ad matching
	// the request's segment and channel.
	ErrNoAdAvailable = errors.New("no ad available")

	// ErrServeFailed indicates that the pipeline and the degraded fallback
	// path both failed; the handler maps it to an internal error.
	ErrServeFailed = errors.New("failed to serve ad")
)
