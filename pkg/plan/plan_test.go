package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircal/ircal/pkg/calibration"
)

const sample = `
label: chamber-25
modeling: [35, 40]
verification: [37.5]
environment: [25, 30]
tasks:
  - channel: COM4
    position: 3
  - channel: COM3
    position: 1
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chamber-25", p.Label)
	assert.Equal(t, []calibration.SensorTask{{ChannelID: "COM4", Position: 3}, {ChannelID: "COM3", Position: 1}}, p.Tasks)

	assert.Equal(t, []calibration.TemperaturePoint{
		{Target: 35, Category: calibration.CategoryModeling, EnvironmentTarget: 25},
		{Target: 40, Category: calibration.CategoryModeling, EnvironmentTarget: 30},
		{Target: 37.5, Category: calibration.CategoryVerification, EnvironmentTarget: calibration.DefaultEnvironmentTarget},
	}, p.Points())
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no points", "tasks: [{channel: COM3, position: 1}]", ErrNoPoints},
		{"no tasks", "modeling: [35]", ErrNoTasks},
		{"zero position", "modeling: [35]\ntasks: [{channel: COM3, position: 0}]", ErrInvalidPosition},
		{"duplicate channel", "modeling: [35]\ntasks: [{channel: COM3, position: 1}, {channel: COM3, position: 2}]", ErrDuplicateChannel},
		{"nan target", "modeling: [.nan]\ntasks: [{channel: COM3, position: 1}]", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
