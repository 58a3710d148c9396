// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// RecordKind distinguishes the raw record variants.
type RecordKind string

const (
	KindMeal   RecordKind = "meal"
	KindWeight RecordKind = "weight"
)

// EnrichmentState is the completion signal clients poll for.
type EnrichmentState string

const (
	StatePending  EnrichmentState = "pending_enrichment"
	StateEnriched EnrichmentState = "enriched"
	StateFailed   EnrichmentState = "enrichment_failed"
)

// Terminal reports whether no enrichment work is outstanding.
func (s EnrichmentState) Terminal() bool { return s == StateEnriched || s == StateFailed }

// SnapshotSource tells who produced a snapshot.
type SnapshotSource string

const (
	SourceModel SnapshotSource = "model"
	SourceUser  SnapshotSource = "user"
)

// RawRecord is a user-submitted event (meal or weight entry).
type RawRecord struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Kind          RecordKind
	OccurredAt    time.Time // event time, distinct from CreatedAt
	CreatedAt     time.Time
	UpdatedAt     time.Time // last mutation (user edit, enrichment, tombstone)
	Description   string
	ImageRef      string  // object key or URL of a meal photo
	WeightKg      float64 // weight entries only
	Title         string  // short label assigned by enrichment
	State         EnrichmentState
	Attempt       int64 // submission generation; bumped by every user retry
	FailureReason string
	Deleted       bool // tombstone
}

// Nutrients holds macro/micronutrient amounts. Missing values are zero.
type Nutrients struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein_g"`
	Carbs    float64 `json:"carbs_g"`
	Fat      float64 `json:"fat_g"`
	Fiber    float64 `json:"fiber_g"`
	Sugar    float64 `json:"sugar_g"`
	Sodium   float64 `json:"sodium_mg"`
}

// Add returns the field-wise sum.
func (n Nutrients) Add(o Nutrients) Nutrients {
	return Nutrients{
		Calories: n.Calories + o.Calories,
		Protein:  n.Protein + o.Protein,
		Carbs:    n.Carbs + o.Carbs,
		Fat:      n.Fat + o.Fat,
		Fiber:    n.Fiber + o.Fiber,
		Sugar:    n.Sugar + o.Sugar,
		Sodium:   n.Sodium + o.Sodium,
	}
}

// Snapshot is derived nutrition data attached to a record. At most one per record is active.
type Snapshot struct {
	ID           uuid.UUID
	RecordID     uuid.UUID
	Nutrients    Nutrients
	Confidence   float64 // [0,1]
	QualityScore int     // 0..10
	Notes        string
	Source       SnapshotSource
	IsActive     bool
	CreatedAt    time.Time
	Items        []SnapshotItem
}

// SnapshotItem is an itemized component of a meal (e.g. "rice, 1 cup").
type SnapshotItem struct {
	Name      string
	Quantity  string
	Nutrients Nutrients
}

// RecordView is a record with its active snapshot inlined (nil while none is active).
type RecordView struct {
	Record   RawRecord
	Snapshot *Snapshot
}

// NewRecordView pairs rec with its active snapshot. A record being re-enriched
// shows no snapshot until the new attempt finishes.
func NewRecordView(rec RawRecord, active *Snapshot) RecordView {
	if rec.State == StatePending {
		active = nil
	}
	return RecordView{Record: rec, Snapshot: active}
}

// EnrichmentTask identifies one submission of a record to the pipeline.
type EnrichmentTask struct {
	RecordID uuid.UUID
	UserID   uuid.UUID
	Attempt  int64
}

// EnrichmentResult is what a successful enrichment writes back.
type EnrichmentResult struct {
	Title    string
	Snapshot Snapshot
}

// RecordUpdate is a user edit; nil fields are left unchanged.
type RecordUpdate struct {
	OccurredAt  *time.Time
	Description *string
	ImageRef    *string
	WeightKg    *float64
}

// WindowState is what the freshness check needs to know about a window.
type WindowState struct {
	LiveRecords    int
	LatestMutation time.Time // max UpdatedAt over live and tombstoned records
}

// Goal drives the weight trajectory projection.
type Goal struct {
	UserID         uuid.UUID
	StartWeightKg  float64
	TargetWeightKg float64
	WeeklyPaceKg   float64
	UpdatedAt      time.Time
}

// CachedReport is the single retained report per user.
type CachedReport struct {
	UserID      uuid.UUID
	WindowStart time.Time
	WindowEnd   time.Time
	CreatedAt   time.Time
	Payload     []byte
}

// Export is the flat document returned by the export interface.
type Export struct {
	UserID     uuid.UUID
	ExportedAt time.Time
	Records    []RawRecord
	Snapshots  []Snapshot // all snapshots, active and historical
	Goal       *Goal
}
