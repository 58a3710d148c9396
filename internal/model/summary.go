package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// WindowSummary is an ephemeral aggregate over a window. Totals always equal the sum of Days.
type WindowSummary struct {
	UserID     uuid.UUID    `json:"user_id"`
	Kind       WindowKind   `json:"window"`
	Start      time.Time    `json:"start"`
	End        time.Time    `json:"end"`
	Totals     Nutrients    `json:"totals"`
	Days       []DaySummary `json:"days"`
	Meals      int          `json:"meals"`
	Enriched   int          `json:"enriched"`
	Pending    int          `json:"pending"`
	Failed     int          `json:"failed"`
	Weight     *WeightTrend `json:"weight,omitempty"`
	Streak     int          `json:"streak_days"`
	Trajectory *Trajectory  `json:"trajectory,omitempty"`
}

// Empty reports whether the window had no meals and no weight entries.
func (s *WindowSummary) Empty() bool {
	return s.Meals == 0 && (s.Weight == nil || len(s.Weight.Entries) == 0)
}

// DaySummary is one day of the per-day decomposition.
type DaySummary struct {
	Date      time.Time `json:"date"`
	Nutrients Nutrients `json:"nutrients"`
	Meals     int       `json:"meals"`
	Enriched  int       `json:"enriched"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
}

// WeightPoint is a single weight measurement.
type WeightPoint struct {
	At       time.Time `json:"at"`
	WeightKg float64   `json:"weight_kg"`
}

// WeightTrend describes weight movement over the window.
type WeightTrend struct {
	Previous *WeightPoint  `json:"previous,omitempty"` // latest entry before the window
	Entries  []WeightPoint `json:"entries"`
	Current  float64       `json:"current_kg"`
	ChangeKg float64       `json:"change_kg"`
}

// Trajectory is a goal-weight projection.
type Trajectory struct {
	StartKg       float64    `json:"start_kg"`
	CurrentKg     float64    `json:"current_kg"`
	TargetKg      float64    `json:"target_kg"`
	PaceKgPerWeek float64    `json:"pace_kg_per_week"`
	WeeksToGoal   float64    `json:"weeks_to_goal"`
	ETA           *time.Time `json:"eta,omitempty"`
	Capped        bool       `json:"capped"`
	OnTrack       bool       `json:"on_track"`
	Reached       bool       `json:"reached"`
}

// ReportSource tags how a report was produced.
type ReportSource string

const (
	ReportFromCache ReportSource = "cache"
	ReportFresh     ReportSource = "fresh"
	ReportEmpty     ReportSource = "empty"
)

// Insights is the model-written part of a weekly report.
type Insights struct {
	Headline    string   `json:"headline" validate:"required"`
	Highlights  []string `json:"highlights"`
	Suggestions []string `json:"suggestions"`
	Score       int      `json:"score" validate:"gte=0,lte=100"`
	Fallback    bool     `json:"fallback"`
}

// Report is a weekly health report.
type Report struct {
	UserID      uuid.UUID      `json:"user_id"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	GeneratedAt time.Time      `json:"generated_at"`
	Summary     *WindowSummary `json:"summary,omitempty"`
	Insights    Insights       `json:"insights"`
	Source      ReportSource   `json:"source"`
}
