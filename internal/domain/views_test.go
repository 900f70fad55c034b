package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsObjectID(t *testing.T) {
	assert.True(t, IsObjectID("64b7f0c2a1b2c3d4e5f60718"))
	assert.False(t, IsObjectID("rocket-launcher"))
	assert.False(t, IsObjectID("64b7f0c2a1b2c3d4e5f6071"))
	assert.False(t, IsObjectID("zzb7f0c2a1b2c3d4e5f60718"))
}

func TestViewStats_ApplyView(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &ViewStats{TotalViews: 5, Daily: []DailyViews{{Date: "2026-03-01", Views: 5}}}

	s.ApplyView(day1, 12.5, "feed")
	assert.Equal(t, 6, s.TotalViews)
	assert.Equal(t, 6, s.Daily[0].Views)
	assert.Equal(t, 12.5, s.LastDuration)
	assert.Equal(t, 1, s.Sources["feed"])

	s.ApplyView(day1.Add(24*time.Hour), 0, "")
	assert.Len(t, s.Daily, 2)
	assert.Equal(t, "2026-03-02", s.Daily[1].Date)
	assert.Equal(t, 12.5, s.LastDuration, "zero duration keeps the last one")
}
