package kpi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekStartIsMonday(t *testing.T) {
	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), "2026-10-12"},
		{time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC), "2026-10-12"},
		{time.Date(2026, 10, 18, 22, 0, 0, 0, time.UTC), "2026-10-12"},
		{time.Date(2026, 11, 1, 10, 0, 0, 0, time.UTC), "2026-10-26"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, newWeek(tc.now, time.UTC).label(), tc.now.String())
	}
}

func TestWeekUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	// Monday 03:00 UTC is still Sunday evening in Mexico City.
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	wk := newWeek(now, loc)
	assert.Equal(t, "2026-10-12", wk.label())
	assert.Equal(t, time.Sunday, wk.weekday(now))
	assert.True(t, wk.contains(now))
	assert.False(t, wk.contains(time.Time{}))
	assert.False(t, wk.contains(wk.end))
}

func TestWeekBucketsMergeAndRound(t *testing.T) {
	var w WeekBuckets
	w.Add(time.Monday, 1.004)
	w.Add(time.Sunday, 2)
	w.Merge(WeekBuckets{Monday: 1, Friday: 0.5})
	assert.InDelta(t, 4.504, w.Total(), 1e-9)
	assert.Equal(t, WeekBuckets{Monday: 2, Friday: 0.5, Sunday: 2}, w.rounded())
}

func TestRankAndPercentile(t *testing.T) {
	cases := []struct {
		name       string
		score      float64
		peers      []float64
		rank       int
		percentile float64
	}{
		{"alone", 5, nil, 1, 100},
		{"top", 30, []float64{10, 20, 0}, 1, 100},
		{"bottom", 0, []float64{10, 20}, 3, 0},
		{"ties share rank", 10, []float64{10, 20, 5}, 2, 33},
		{"all tied", 7, []float64{7, 7}, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rank, percentile := rankAndPercentile(tc.score, tc.peers)
			assert.Equal(t, tc.rank, rank)
			assert.Equal(t, tc.percentile, percentile)
		})
	}
}
