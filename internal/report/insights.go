package report

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/and161185/nutrikeeper/internal/aiparse"
	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/model"
)

var defaultInsights = model.Insights{
	Headline:    "Your weekly summary is ready",
	Suggestions: []string{"Keep logging meals to get personalised insights."},
	Fallback:    true,
}

var emptyInsights = model.Insights{
	Headline:    "No entries in this period yet",
	Suggestions: []string{"Log a meal or your weight to get your first report."},
}

var insightsParseOptions = aiparse.Options[model.Insights]{
	Prose: func(text string) model.Insights {
		return model.Insights{Headline: text}
	},
	Default: defaultInsights,
}

const insightsSystemPrompt = `You are a friendly nutrition coach writing a short weekly report.
You get a JSON digest of the user's week. Answer with a single JSON object and nothing else:
{"headline": string, "highlights": [string], "suggestions": [string], "score": integer 0-100}
Keep the headline under 100 characters, give at most 3 highlights and 3 suggestions.
Do not give medical advice.`

// digest is the compact view of a summary sent to the model.
type digest struct {
	Days         int               `json:"days"`
	Meals        int               `json:"meals"`
	Analysed     int               `json:"analysed_meals"`
	AvgCalories  float64           `json:"avg_daily_calories"`
	AvgProtein   float64           `json:"avg_daily_protein_g"`
	AvgCarbs     float64           `json:"avg_daily_carbs_g"`
	AvgFat       float64           `json:"avg_daily_fat_g"`
	DailyKcal    []float64         `json:"daily_calories"`
	StreakDays   int               `json:"logging_streak_days"`
	WeightChange *float64          `json:"weight_change_kg,omitempty"`
	Trajectory   *model.Trajectory `json:"goal,omitempty"`
}

func insightsPrompt(s *model.WindowSummary) (llm.Prompt, error) {
	d := digest{
		Days:       len(s.Days),
		Meals:      s.Meals,
		Analysed:   s.Enriched,
		StreakDays: s.Streak,
		Trajectory: s.Trajectory,
	}
	if d.Days > 0 {
		n := float64(d.Days)
		d.AvgCalories = round1(s.Totals.Calories / n)
		d.AvgProtein = round1(s.Totals.Protein / n)
		d.AvgCarbs = round1(s.Totals.Carbs / n)
		d.AvgFat = round1(s.Totals.Fat / n)
	}
	for _, day := range s.Days {
		d.DailyKcal = append(d.DailyKcal, math.Round(day.Nutrients.Calories))
	}
	if s.Weight != nil {
		c := s.Weight.ChangeKg
		d.WeightChange = &c
	}

	body, err := json.Marshal(d)
	if err != nil {
		return llm.Prompt{}, fmt.Errorf("marshal digest: %w", err)
	}
	return llm.Prompt{
		System: insightsSystemPrompt,
		User:   "Weekly digest:\n" + string(body),
		JSON:   true,
	}, nil
}

func parseInsights(raw string) aiparse.Result[model.Insights] {
	res := aiparse.Parse(raw, insightsParseOptions)
	res.Value.Headline = strings.TrimSpace(res.Value.Headline)
	res.Value.Fallback = res.Fallback
	return res
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
