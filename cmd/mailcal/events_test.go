package main

import (
	"bytes"
	"testing"
	"time"

	"mailcal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTimeline(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	occs := []models.Occurrence{
		{
			Start:   time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC),
			End:     time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
			Summary: "Swimming",
			Synced:  true,
		},
		{
			Start:   time.Date(2024, 3, 5, 16, 30, 0, 0, time.UTC),
			End:     time.Date(2024, 3, 5, 17, 30, 0, 0, time.UTC),
			Summary: "Parents evening",
		},
		{
			Start:   time.Date(2024, 3, 6, 23, 0, 0, 0, time.UTC),
			End:     time.Date(2024, 3, 7, 22, 59, 0, 0, time.UTC),
			AllDay:  true,
			Summary: "Project week",
		},
	}

	var buf bytes.Buffer
	renderTimeline(&buf, occs, berlin)
	out := buf.String()

	assert.Contains(t, out, "Timeline (3 events, Europe/Berlin)")
	assert.Contains(t, out, "Tue 5 Mar 2024")
	assert.Contains(t, out, "09:00 - 11:00")
	assert.Contains(t, out, "17:30 - 18:30")
	assert.Contains(t, out, "Thu 7 Mar 2024")
	assert.Contains(t, out, "all day")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Tue 5 Mar 2024")), "one heading per day")
}

func TestRenderTimeline_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderTimeline(&buf, nil, time.UTC)
	assert.Contains(t, buf.String(), "No events.")
}

func TestSpan(t *testing.T) {
	tests := []struct {
		name string
		occ  models.Occurrence
		want string
	}{
		{
			name: "timed",
			occ:  models.Occurrence{Start: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 5, 11, 15, 0, 0, time.UTC)},
			want: "09:00 - 11:15",
		},
		{
			name: "single all-day",
			occ:  models.Occurrence{AllDay: true, Start: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)},
			want: "all day",
		},
		{
			name: "multi-day",
			occ:  models.Occurrence{AllDay: true, Start: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 8, 23, 59, 0, 0, time.UTC)},
			want: "until 8 Mar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, span(tt.occ, time.UTC))
		})
	}
}

func TestUpcoming(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	occs := []models.Occurrence{
		{Summary: "past", End: now.Add(-time.Hour)},
		{Summary: "ongoing", End: now.Add(time.Hour)},
		{Summary: "ends now", End: now},
	}

	got := upcoming(occs, now)
	require.Len(t, got, 2)
	assert.Equal(t, "ongoing", got[0].Summary)
	assert.Equal(t, "ends now", got[1].Summary)
}

func TestFormatRun(t *testing.T) {
	line := formatRun(models.CycleRun{Selected: 3, Processed: 2, Failed: 1, Pushed: 4, Error: "calendar sync: timeout"})

	assert.Contains(t, line, "selected 3")
	assert.Contains(t, line, "processed 2")
	assert.Contains(t, line, "pushed 4")
	assert.Contains(t, line, "failed 1")
	assert.Contains(t, line, "calendar sync: timeout")
}
