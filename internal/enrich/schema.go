package enrich

import (
	"fmt"
	"strings"

	"github.com/and161185/nutrikeeper/internal/aiparse"
	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/model"
)

// mealAnalysis is the structured answer expected from the model.
type mealAnalysis struct {
	Title        string     `json:"title" validate:"required,max=120"`
	Calories     float64    `json:"calories" validate:"gte=0,lte=10000"`
	Protein      float64    `json:"protein" validate:"gte=0"`
	Carbs        float64    `json:"carbs" validate:"gte=0"`
	Fat          float64    `json:"fat" validate:"gte=0"`
	Fiber        float64    `json:"fiber" validate:"gte=0"`
	Sugar        float64    `json:"sugar" validate:"gte=0"`
	Sodium       float64    `json:"sodium" validate:"gte=0"`
	Confidence   float64    `json:"confidence" validate:"gte=0,lte=1"`
	QualityScore int        `json:"quality_score" validate:"gte=0,lte=10"`
	Notes        string     `json:"notes"`
	Items        []mealItem `json:"items" validate:"dive"`
}

type mealItem struct {
	Name     string  `json:"name" validate:"required"`
	Quantity string  `json:"quantity"`
	Calories float64 `json:"calories" validate:"gte=0"`
	Protein  float64 `json:"protein" validate:"gte=0"`
	Carbs    float64 `json:"carbs" validate:"gte=0"`
	Fat      float64 `json:"fat" validate:"gte=0"`
}

// mealParseOptions has no prose stage: free text carries no numbers to store.
var mealParseOptions = aiparse.Options[mealAnalysis]{}

func (a mealAnalysis) result() model.EnrichmentResult {
	sn := model.Snapshot{
		Nutrients: model.Nutrients{
			Calories: a.Calories,
			Protein:  a.Protein,
			Carbs:    a.Carbs,
			Fat:      a.Fat,
			Fiber:    a.Fiber,
			Sugar:    a.Sugar,
			Sodium:   a.Sodium,
		},
		Confidence:   a.Confidence,
		QualityScore: a.QualityScore,
		Notes:        strings.TrimSpace(a.Notes),
	}
	for _, it := range a.Items {
		sn.Items = append(sn.Items, model.SnapshotItem{
			Name:     it.Name,
			Quantity: it.Quantity,
			Nutrients: model.Nutrients{
				Calories: it.Calories,
				Protein:  it.Protein,
				Carbs:    it.Carbs,
				Fat:      it.Fat,
			},
		})
	}
	return model.EnrichmentResult{Title: strings.TrimSpace(a.Title), Snapshot: sn}
}

const mealSystemPrompt = `You are a nutrition analyst. Estimate the nutritional content of the meal the user describes or shows.
Answer with a single JSON object and nothing else, using this shape:
{"title": string, "calories": number, "protein": number, "carbs": number, "fat": number,
 "fiber": number, "sugar": number, "sodium": number, "confidence": number between 0 and 1,
 "quality_score": integer 0-10, "notes": string,
 "items": [{"name": string, "quantity": string, "calories": number, "protein": number, "carbs": number, "fat": number}]}
Macronutrients are grams, sodium is milligrams, calories are kcal. Use 0 for unknown values.`

func mealPrompt(rec model.RawRecord, imageURL string) llm.Prompt {
	var b strings.Builder
	if rec.Description != "" {
		fmt.Fprintf(&b, "Meal description: %s\n", rec.Description)
	}
	if imageURL != "" {
		b.WriteString("A photo of the meal is attached.\n")
	}
	fmt.Fprintf(&b, "Eaten at: %s", rec.OccurredAt.Format("2006-01-02 15:04"))
	return llm.Prompt{
		System:   mealSystemPrompt,
		User:     b.String(),
		ImageURL: imageURL,
		JSON:     true,
	}
}
