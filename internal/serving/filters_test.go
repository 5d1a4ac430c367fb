package serving

import (
	"testing"
	"time"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
)

var freqCfg = config.FrequencyConfig{MaxPerDay: 3, Cooldown: 2 * time.Hour, Window: 24 * time.Hour}

func TestFilterByTimeSlot(t *testing.T) {
	morning := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	ads := []domain.Ad{
		{ID: "allday"},
		{ID: "morning", TimeSlots: []domain.TimeSlot{domain.SlotMorning}},
		{ID: "evening", TimeSlots: []domain.TimeSlot{domain.SlotEvening}},
	}
	eligible, excluded := FilterByTimeSlot(ads, morning)
	if len(eligible) != 2 {
		t.Fatalf("eligible = %v", eligible)
	}
	if len(excluded) != 1 || excluded[0].AdID != "evening" {
		t.Fatalf("excluded = %v", excluded)
	}
}

func TestFilterByFrequency_DailyCap(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	p := domain.UserProfile{Impressions: []domain.ImpressionRecord{
		{AdID: "A", Timestamp: now.Add(-10 * time.Hour)},
		{AdID: "A", Timestamp: now.Add(-7 * time.Hour)},
		{AdID: "A", Timestamp: now.Add(-4 * time.Hour)},
	}}
	ads := []domain.Ad{{ID: "A"}, {ID: "B"}}

	eligible, excluded := FilterByFrequency(ads, p, now, freqCfg)
	if len(eligible) != 1 || eligible[0].ID != "B" {
		t.Fatalf("eligible = %v", eligible)
	}
	if len(excluded) != 1 || excluded[0].AdID != "A" {
		t.Fatalf("excluded = %v", excluded)
	}
}

func TestFilterByFrequency_Cooldown(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	p := domain.UserProfile{Impressions: []domain.ImpressionRecord{
		{AdID: "A", Timestamp: now.Add(-time.Hour)},
	}}
	eligible, _ := FilterByFrequency([]domain.Ad{{ID: "A"}}, p, now, freqCfg)
	if len(eligible) != 0 {
		t.Fatalf("ad inside cooldown passed the filter")
	}
}

func TestFilterByFrequency_PassesAfterCooldown(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	p := domain.UserProfile{Impressions: []domain.ImpressionRecord{
		{AdID: "A", Timestamp: now.Add(-3 * time.Hour)},
		{AdID: "A", Timestamp: now.Add(-5 * time.Hour)},
	}}
	// Two impressions today (< 3), the latest 3h ago (> 2h cooldown): passes.
	eligible, _ := FilterByFrequency([]domain.Ad{{ID: "A"}}, p, now, freqCfg)
	if len(eligible) != 1 {
		t.Fatalf("ad past cooldown and under cap filtered out")
	}
}

func TestFilterByFrequency_OldHistoryIgnored(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	p := domain.UserProfile{Impressions: []domain.ImpressionRecord{
		{AdID: "A", Timestamp: now.Add(-30 * time.Hour)},
		{AdID: "A", Timestamp: now.Add(-28 * time.Hour)},
		{AdID: "A", Timestamp: now.Add(-26 * time.Hour)},
	}}
	eligible, _ := FilterByFrequency([]domain.Ad{{ID: "A"}}, p, now, freqCfg)
	if len(eligible) != 1 {
		t.Fatalf("impressions outside the window counted toward the cap")
	}
}

func TestLeastShown(t *testing.T) {
	ads := []domain.Ad{
		{ID: "A", Impressions: 10},
		{ID: "B", Impressions: 2},
		{ID: "C", Impressions: 7},
	}
	best, ok := LeastShown(ads)
	if !ok || best.ID != "B" {
		t.Fatalf("LeastShown = %v, %v", best.ID, ok)
	}
	if _, ok := LeastShown(nil); ok {
		t.Fatalf("LeastShown(nil) reported ok")
	}
}
