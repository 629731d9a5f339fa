// Package pacing classifies a learner's progress against the cohort.
package pacing

import (
	"math"
	"sort"
	"time"

	"livesession-backend/internal/models"
)

const DefaultToleranceRatio = 0.25

// Median returns the median completion count of the cohort, 0 when empty.
func Median(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sorted := make([]int, len(counts))
	copy(sorted, counts)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

// Tolerance is the band around the median still counted as on track:
// max(1, round(ratio*median)).
func Tolerance(median, ratio float64) float64 {
	if ratio < 0 {
		ratio = DefaultToleranceRatio
	}
	return math.Max(1, math.Round(ratio*median))
}

// Classify compares completed against the cohort median. A learner is ahead
// when completed exceeds median+tolerance, behind when below median-tolerance
// and on track otherwise. A stored stuck status always wins.
func Classify(current models.RelativeStatus, completed int, cohort []int, ratio float64) models.RelativeStatus {
	if current == models.PaceStuck {
		return models.PaceStuck
	}
	if len(cohort) < 2 {
		return models.PaceOnTrack
	}
	median := Median(cohort)
	tol := Tolerance(median, ratio)
	switch c := float64(completed); {
	case c > median+tol:
		return models.PaceAhead
	case c < median-tol:
		return models.PaceBehind
	}
	return models.PaceOnTrack
}

// ClassifyAll returns the classification of every learner row, keyed by user.
func ClassifyAll(rows []*models.LearnerProgress, ratio float64) map[string]models.RelativeStatus {
	counts := make([]int, 0, len(rows))
	for _, p := range rows {
		counts = append(counts, p.ItemsCompleted)
	}
	out := make(map[string]models.RelativeStatus, len(rows))
	for _, p := range rows {
		out[p.UserID.String()] = Classify(p.RelativeStatus, p.ItemsCompleted, counts, ratio)
	}
	return out
}

// Online reports whether a learner counts as online: attached to the channel
// and with a heartbeat no older than staleAfter.
func Online(present bool, lastHeartbeat, now time.Time, staleAfter time.Duration) bool {
	if !present || lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) <= staleAfter
}
