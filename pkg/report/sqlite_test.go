package report

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircal/ircal/pkg/calibration"
)

func sampleRecords(points int) []calibration.Record {
	at := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	var out []calibration.Record
	for p := 0; p < points; p++ {
		for i, ch := range []string{"COM3", "COM4"} {
			out = append(out, calibration.Record{
				PointIndex:       p,
				Target:           35 + float64(p)*5,
				ReferenceAverage: 35.02 + float64(p)*5,
				MeasuredAt:       at.Add(time.Duration(p*2+i) * time.Minute),
				ChannelID:        ch,
				Position:         i + 1,
				Category:         calibration.CategoryModeling,
				EnvironmentLabel: "chamber-25",
				Reading: calibration.Reading{
					ChannelID:  ch,
					DeviceType: "IR-200",
					Sets:       []calibration.ChannelAverages{{Primary: 35.1, Ambient: 25, Secondary: 35.05}},
				},
			})
		}
	}
	return out
}

func TestNewID(t *testing.T) {
	id := NewID(time.Date(2024, 5, 2, 9, 30, 5, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^measurement_record_20240502_093005_[0-9a-f]{8}$`), id)
}

func TestSQLiteWriterRoundTrip(t *testing.T) {
	w, err := OpenSQLite(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	// Intermediate then final write under the same id.
	require.NoError(t, w.Write(ctx, "r1", sampleRecords(1), false))
	require.NoError(t, w.Write(ctx, "r1", sampleRecords(2), true))

	got, err := w.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, sampleRecords(2), got)

	list, err := w.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, 4, list[0].Records)
	assert.True(t, list[0].Final)
	assert.Equal(t, "chamber-25", list[0].Label)
}

func TestSQLiteWriterRejectsDuplicatePair(t *testing.T) {
	w, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer w.Close()

	recs := sampleRecords(1)
	recs = append(recs, recs[0])
	assert.Error(t, w.Write(context.Background(), "dup", recs, true))

	_, err = w.Load(context.Background(), "dup")
	assert.ErrorIs(t, err, ErrReportNotFound)
}
