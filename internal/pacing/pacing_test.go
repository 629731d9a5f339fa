package pacing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"livesession-backend/internal/models"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]int{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]int{4, 1, 2, 3}))
}

func TestClassify(t *testing.T) {
	cohort := []int{4, 4, 4, 5, 3, 8, 0}

	tests := []struct {
		name      string
		current   models.RelativeStatus
		completed int
		cohort    []int
		want      models.RelativeStatus
	}{
		{"at median", models.PaceOnTrack, 4, cohort, models.PaceOnTrack},
		{"within tolerance above", models.PaceOnTrack, 5, cohort, models.PaceOnTrack},
		{"within tolerance below", models.PaceBehind, 3, cohort, models.PaceOnTrack},
		{"far ahead", models.PaceOnTrack, 8, cohort, models.PaceAhead},
		{"far behind", models.PaceOnTrack, 0, cohort, models.PaceBehind},
		{"stuck is kept", models.PaceStuck, 8, cohort, models.PaceStuck},
		{"alone is on track", models.PaceOnTrack, 10, []int{10}, models.PaceOnTrack},
		{"empty cohort median band", models.PaceOnTrack, 1, []int{0, 0, 0}, models.PaceOnTrack},
		{"two past empty cohort", models.PaceOnTrack, 2, []int{0, 0, 2}, models.PaceAhead},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.current, tc.completed, tc.cohort, DefaultToleranceRatio))
		})
	}
}

func TestTolerance(t *testing.T) {
	assert.Equal(t, 1.0, Tolerance(0, 0.25))
	assert.Equal(t, 3.0, Tolerance(12, 0.25))
	assert.Equal(t, 1.0, Tolerance(4, -1))
}

func TestClassifyAll(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	rows := []*models.LearnerProgress{
		{UserID: a, ItemsCompleted: 10, RelativeStatus: models.PaceOnTrack},
		{UserID: b, ItemsCompleted: 5, RelativeStatus: models.PaceOnTrack},
		{UserID: c, ItemsCompleted: 0, RelativeStatus: models.PaceStuck},
	}

	got := ClassifyAll(rows, DefaultToleranceRatio)
	assert.Equal(t, models.PaceAhead, got[a.String()])
	assert.Equal(t, models.PaceOnTrack, got[b.String()])
	assert.Equal(t, models.PaceStuck, got[c.String()])
}

func TestOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stale := 90 * time.Second

	assert.True(t, Online(true, now.Add(-30*time.Second), now, stale))
	assert.False(t, Online(false, now, now, stale))
	assert.False(t, Online(true, now.Add(-2*time.Minute), now, stale))
	assert.False(t, Online(true, time.Time{}, now, stale))
}
