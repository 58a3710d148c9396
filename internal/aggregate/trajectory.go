package aggregate

import (
	"math"
	"time"

	"github.com/and161185/nutrikeeper/internal/model"
)

// DefaultHorizonDays caps goal projections.
const DefaultHorizonDays = 120

// Project estimates when current reaches target at pace kg per week, measured
// from the time of the current measurement. Projections beyond horizonDays are
// capped. A non-positive pace yields no ETA.
//
// The user is on track when weight has moved from start in the direction of
// target, or when the target is already reached.
func Project(start, current, target, pace float64, at time.Time, horizonDays int) *model.Trajectory {
	tr := &model.Trajectory{
		StartKg:       start,
		CurrentKg:     current,
		TargetKg:      target,
		PaceKgPerWeek: pace,
	}

	want := sign(target - start)
	switch want {
	case 0:
		tr.Reached = current == target
	case 1:
		tr.Reached = current >= target
	case -1:
		tr.Reached = current <= target
	}
	moved := sign(current - start)
	tr.OnTrack = tr.Reached || (want != 0 && moved == want)

	if tr.Reached || pace <= 0 {
		return tr
	}

	weeks := math.Abs(target-current) / pace
	eta := at.Add(time.Duration(weeks * 7 * 24 * float64(time.Hour)))
	if weeks > float64(horizonDays)/7 {
		weeks = float64(horizonDays) / 7
		eta = at.AddDate(0, 0, horizonDays)
		tr.Capped = true
	}
	tr.WeeksToGoal = round(weeks, 1)
	tr.ETA = &eta
	return tr
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
