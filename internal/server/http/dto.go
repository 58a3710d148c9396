package httpserver

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/nutrikeeper/internal/model"
)

// --- requests ---

type mealRequest struct {
	Description string     `json:"description"`
	ImageRef    string     `json:"image_ref"`
	OccurredAt  *time.Time `json:"occurred_at"`
}

type weightRequest struct {
	WeightKg   float64    `json:"weight_kg"`
	OccurredAt *time.Time `json:"occurred_at"`
}

type updateRequest struct {
	OccurredAt  *time.Time `json:"occurred_at"`
	Description *string    `json:"description"`
	ImageRef    *string    `json:"image_ref"`
	WeightKg    *float64   `json:"weight_kg"`
}

func (r updateRequest) toModel() model.RecordUpdate {
	return model.RecordUpdate{
		OccurredAt:  r.OccurredAt,
		Description: r.Description,
		ImageRef:    r.ImageRef,
		WeightKg:    r.WeightKg,
	}
}

type goalRequest struct {
	StartWeightKg  float64 `json:"start_weight_kg"`
	TargetWeightKg float64 `json:"target_weight_kg"`
	WeeklyPaceKg   float64 `json:"weekly_pace_kg"`
}

// --- responses ---

type errorBody struct {
	Error string `json:"error"`
}

type recordJSON struct {
	ID            uuid.UUID     `json:"id"`
	Kind          string        `json:"kind"`
	OccurredAt    time.Time     `json:"occurred_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Description   string        `json:"description,omitempty"`
	ImageRef      string        `json:"image_ref,omitempty"`
	WeightKg      float64       `json:"weight_kg,omitempty"`
	Title         string        `json:"title,omitempty"`
	State         string        `json:"state"`
	Attempt       int64         `json:"attempt"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Deleted       bool          `json:"deleted,omitempty"`
	Snapshot      *snapshotJSON `json:"snapshot,omitempty"`
}

type snapshotJSON struct {
	ID           uuid.UUID       `json:"id"`
	RecordID     uuid.UUID       `json:"record_id"`
	Nutrients    model.Nutrients `json:"nutrients"`
	Confidence   float64         `json:"confidence"`
	QualityScore int             `json:"quality_score"`
	Notes        string          `json:"notes,omitempty"`
	Source       string          `json:"source"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	Items        []itemJSON      `json:"items,omitempty"`
}

type itemJSON struct {
	Name      string          `json:"name"`
	Quantity  string          `json:"quantity,omitempty"`
	Nutrients model.Nutrients `json:"nutrients"`
}

type goalJSON struct {
	StartWeightKg  float64   `json:"start_weight_kg"`
	TargetWeightKg float64   `json:"target_weight_kg"`
	WeeklyPaceKg   float64   `json:"weekly_pace_kg"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type exportJSON struct {
	UserID     uuid.UUID      `json:"user_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Records    []recordJSON   `json:"records"`
	Snapshots  []snapshotJSON `json:"snapshots"`
	Goal       *goalJSON      `json:"goal,omitempty"`
}

func toRecordJSON(r model.RawRecord) recordJSON {
	return recordJSON{
		ID:            r.ID,
		Kind:          string(r.Kind),
		OccurredAt:    r.OccurredAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Description:   r.Description,
		ImageRef:      r.ImageRef,
		WeightKg:      r.WeightKg,
		Title:         r.Title,
		State:         string(r.State),
		Attempt:       r.Attempt,
		FailureReason: r.FailureReason,
		Deleted:       r.Deleted,
	}
}

func toViewJSON(v *model.RecordView) recordJSON {
	out := toRecordJSON(v.Record)
	if v.Snapshot != nil {
		s := toSnapshotJSON(*v.Snapshot)
		out.Snapshot = &s
	}
	return out
}

func toSnapshotJSON(s model.Snapshot) snapshotJSON {
	out := snapshotJSON{
		ID:           s.ID,
		RecordID:     s.RecordID,
		Nutrients:    s.Nutrients,
		Confidence:   s.Confidence,
		QualityScore: s.QualityScore,
		Notes:        s.Notes,
		Source:       string(s.Source),
		Active:       s.IsActive,
		CreatedAt:    s.CreatedAt,
	}
	for _, it := range s.Items {
		out.Items = append(out.Items, itemJSON{Name: it.Name, Quantity: it.Quantity, Nutrients: it.Nutrients})
	}
	return out
}

func toSnapshotsJSON(in []model.Snapshot) []snapshotJSON {
	out := make([]snapshotJSON, 0, len(in))
	for _, s := range in {
		out = append(out, toSnapshotJSON(s))
	}
	return out
}

func toGoalJSON(g *model.Goal) *goalJSON {
	if g == nil {
		return nil
	}
	return &goalJSON{
		StartWeightKg:  g.StartWeightKg,
		TargetWeightKg: g.TargetWeightKg,
		WeeklyPaceKg:   g.WeeklyPaceKg,
		UpdatedAt:      g.UpdatedAt,
	}
}

func toExportJSON(e *model.Export) exportJSON {
	out := exportJSON{
		UserID:     e.UserID,
		ExportedAt: e.ExportedAt,
		Records:    make([]recordJSON, 0, len(e.Records)),
		Snapshots:  toSnapshotsJSON(e.Snapshots),
		Goal:       toGoalJSON(e.Goal),
	}
	for _, r := range e.Records {
		out.Records = append(out.Records, toRecordJSON(r))
	}
	return out
}

// WriteExport encodes e as the indented export document served by GET /export.
func WriteExport(w io.Writer, e *model.Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toExportJSON(e))
}
