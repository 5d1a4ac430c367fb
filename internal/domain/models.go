// Package domain defines the core types of the ad-serving engine: the durable
// Ad catalog record (mapped with GORM), the ephemeral per-customer UserProfile
// kept in the key-value store, the wire-level ServeResponse, and the derived
// vocabulary (Segment, Channel, TimeSlot) together with the derivation rules
// used across the targeting pipeline.
package domain

import (
	"regexp"
	"time"
)

// Segment is a customer wealth bucket derived from the account balance.
// Segments are never persisted for a customer; they are recomputed per request.
type Segment string

// The closed set of segments, ordered low < mass < affluent < hnw.
const (
	SegmentLow      Segment = "low"
	SegmentMass     Segment = "mass"
	SegmentAffluent Segment = "affluent"
	SegmentHNW      Segment = "hnw"
)

// Rank returns the position of s in the segment ordering (low=0 … hnw=3).
// Unknown segments rank below low.
func (s Segment) Rank() int {
	switch s {
	case SegmentLow:
		return 0
	case SegmentMass:
		return 1
	case SegmentAffluent:
		return 2
	case SegmentHNW:
		return 3
	}
	return -1
}

// SegmentThresholds holds the upper balance bounds (exclusive) of the first
// three segments. Balances at or above AffluentMax map to hnw.
type SegmentThresholds struct {
	LowMax      float64 // balance < LowMax      -> low
	MassMax     float64 // balance < MassMax     -> mass
	AffluentMax float64 // balance < AffluentMax -> affluent
}

// SegmentForBalance derives the wealth segment for a balance. Boundary values
// fall into the next segment (50_000 is mass, 1_000_000 is hnw).
func SegmentForBalance(balance float64, t SegmentThresholds) Segment {
	switch {
	case balance < t.LowMax:
		return SegmentLow
	case balance < t.MassMax:
		return SegmentMass
	case balance < t.AffluentMax:
		return SegmentAffluent
	}
	return SegmentHNW
}

// Channel is an ad delivery surface.
type Channel string

// Recognised delivery channels. Requests with other channel values are
// accepted and simply match no ads.
const (
	ChannelATM    Channel = "ATM"
	ChannelMobile Channel = "mobile"
	ChannelWeb    Channel = "web"
	ChannelUSSD   Channel = "USSD"
)

// DefaultChannel is applied when a serve request omits the channel.
const DefaultChannel = ChannelATM

// TimeSlot is a named wall-clock hour range.
type TimeSlot string

// Time slots partition the day: morning [6,12), afternoon [12,17),
// evening [17,21), night [21,24) ∪ [0,6).
const (
	SlotMorning   TimeSlot = "morning"
	SlotAfternoon TimeSlot = "afternoon"
	SlotEvening   TimeSlot = "evening"
	SlotNight     TimeSlot = "night"
)

// SlotForTime returns the time slot containing t's wall-clock hour.
func SlotForTime(t time.Time) TimeSlot {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return SlotMorning
	case h >= 12 && h < 17:
		return SlotAfternoon
	case h >= 17 && h < 21:
		return SlotEvening
	}
	return SlotNight
}

// customerIDUnsafe matches the characters replaced during customer-ID
// sanitisation: colons (the cache-key separator) and any whitespace.
var customerIDUnsafe = regexp.MustCompile(`[:\s]`)

// SanitizeCustomerID replaces colons and whitespace in a customer identifier
// with underscores so the result is safe to embed in KV key paths.
func SanitizeCustomerID(id string) string {
	return customerIDUnsafe.ReplaceAllString(id, "_")
}

// Ad statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Ad is the durable catalog record consumed by the targeting pipeline.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Segments: non-empty subset of the segment vocabulary this ad targets.
//   - Channels: delivery surfaces; defaults to {ATM} when absent at creation.
//   - TimeSlots: optional day-part restriction; empty means all-day.
//   - StartDate/EndDate: inclusive flight window (StartDate <= EndDate).
//   - Status: "active" or "inactive"; only active ads are served.
//   - Priority: positive advertiser weighting, defaulting to 1.
//   - Impressions/Clicks: monotonically non-decreasing counters maintained by
//     best-effort atomic increments; never decremented.
type Ad struct {
	ID        string     `json:"id"                  gorm:"type:char(36);primaryKey"`
	Title     string     `json:"title"               gorm:"type:varchar(255);not null"`
	ImageURL  string     `json:"imageUrl"            gorm:"type:text;not null"`
	VideoURL  string     `json:"videoUrl,omitempty"  gorm:"type:text"`
	CTA       string     `json:"cta,omitempty"       gorm:"type:varchar(255)"`
	Segments  []Segment  `json:"segments"            gorm:"serializer:json;not null"`
	Channels  []Channel  `json:"channels"            gorm:"serializer:json;not null"`
	Locations []string   `json:"locations,omitempty" gorm:"serializer:json"`
	TimeSlots []TimeSlot `json:"timeSlots,omitempty" gorm:"serializer:json"`
	StartDate time.Time  `json:"startDate"           gorm:"not null;index"`
	EndDate   time.Time  `json:"endDate"             gorm:"not null;index"`
	Status    string     `json:"status"              gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','inactive');index"`
	Priority  float64    `json:"priority"            gorm:"not null;default:1"`

	Impressions int64 `json:"impressions" gorm:"not null;default:0"`
	Clicks      int64 `json:"clicks"      gorm:"not null;default:0"`

	AdvertiserName  string `json:"advertiserName,omitempty"  gorm:"type:varchar(255)"`
	AdvertiserEmail string `json:"advertiserEmail,omitempty" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Ad.
func (Ad) TableName() string { return "ads" }

// EffectivePriority returns the ad priority, substituting the default of 1
// for non-positive values left over from partial admin payloads.
func (a *Ad) EffectivePriority() float64 {
	if a.Priority <= 0 {
		return 1
	}
	return a.Priority
}

// TargetsSegment reports whether the ad targets the given segment.
func (a *Ad) TargetsSegment(s Segment) bool {
	for _, v := range a.Segments {
		if v == s {
			return true
		}
	}
	return false
}

// TargetsChannel reports whether the ad is deliverable on the given channel.
func (a *Ad) TargetsChannel(c Channel) bool {
	for _, v := range a.Channels {
		if v == c {
			return true
		}
	}
	return false
}

// AllowsSlot reports whether the ad may run in the given time slot.
// An absent or empty TimeSlots list means the ad runs all day.
func (a *Ad) AllowsSlot(slot TimeSlot) bool {
	if len(a.TimeSlots) == 0 {
		return true
	}
	for _, v := range a.TimeSlots {
		if v == slot {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the ad is active and inside its flight window.
func (a *Ad) ActiveAt(now time.Time) bool {
	return a.Status == StatusActive && !now.Before(a.StartDate) && !now.After(a.EndDate)
}

// ImpressionRecord is one exposure of an ad to a customer, kept in the
// customer's profile for frequency capping.
type ImpressionRecord struct {
	AdID      string    `json:"adId"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProfile is the ephemeral per-customer record stored in the KV under
// userprofile:{customerId}. An absent profile is equivalent to an empty one.
// Entry ordering is not significant.
type UserProfile struct {
	CustomerID  string             `json:"customerId"`
	Impressions []ImpressionRecord `json:"impressions"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// Prune drops impression entries older than window relative to now and
// returns the pruned profile. The receiver is not modified.
func (p UserProfile) Prune(now time.Time, window time.Duration) UserProfile {
	cutoff := now.Add(-window)
	kept := make([]ImpressionRecord, 0, len(p.Impressions))
	for _, e := range p.Impressions {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	p.Impressions = kept
	return p
}

// RecentImpressions returns the number of entries for adID newer than
// now-window together with the timestamp of the most recent one.
func (p UserProfile) RecentImpressions(adID string, now time.Time, window time.Duration) (count int, latest time.Time) {
	cutoff := now.Add(-window)
	for _, e := range p.Impressions {
		if e.AdID != adID || !e.Timestamp.After(cutoff) {
			continue
		}
		count++
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	return count, latest
}

// ServeResponse is the wire shape returned by the serve endpoint and the
// payload cached under ad:{segment}:{channel}:{sanitizedCustomerId}.
type ServeResponse struct {
	AdID     string  `json:"adId"`
	Title    string  `json:"title"`
	ImageURL string  `json:"imageUrl"`
	VideoURL string  `json:"videoUrl,omitempty"`
	CTA      string  `json:"cta,omitempty"`
	Segment  Segment `json:"segment"`
	Channel  Channel `json:"channel"`
	Fallback bool    `json:"fallback,omitempty"`
}
